package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"pkt.systems/markd/api"
	"pkt.systems/markd/internal/core"
	"pkt.systems/markd/internal/lease"
	"pkt.systems/markd/internal/store"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

func listRecords[T any](c *store.Collection[T], prefix store.Key) []api.KeyValue[T] {
	out := make([]api.KeyValue[T], 0)
	for key, value := range c.Scan(prefix) {
		out = append(out, api.KeyValue[T]{Key: key.String(), Value: value})
	}
	return out
}

func getRecord[T any](c *store.Collection[T], key store.Key) (api.KeyValue[T], error) {
	value, ok := c.Get(key)
	if !ok {
		return api.KeyValue[T]{}, core.NotFound(key.String())
	}
	return api.KeyValue[T]{Key: key.String(), Value: value}, nil
}

// mutation resolves the requester and applies fn under the resource's lease
// guard. Request bodies must be decoded before calling it.
func (h *Handler) mutation(r *http.Request, kind string, key store.Key, fn func() error) (string, error) {
	user, err := requester(r)
	if err != nil {
		return "", err
	}
	resource := lease.Resource(kind, key.String())
	if err := h.leases.Guard(resource, user, fn); err != nil {
		return "", err
	}
	pslog.LoggerFromContext(r.Context()).Trace("http.mutation.applied", svcfields.IdentityKey, user, svcfields.ResourceKey, resource)
	return user, nil
}

func (h *Handler) handleListProjects(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, listRecords(h.store.Projects(), ""), nil)
	return nil
}

func (h *Handler) handleGetProject(w http.ResponseWriter, r *http.Request) error {
	key, err := recordKey(mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	kv, err := getRecord(h.store.Projects(), key)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, kv, nil)
	return nil
}

func (h *Handler) handlePutProject(w http.ResponseWriter, r *http.Request) error {
	id := mux.Vars(r)["id"]
	key, err := recordKey(id)
	if err != nil {
		return err
	}
	if _, err := requester(r); err != nil {
		return err
	}
	var project api.Project
	if err := decodeJSONBody(r.Body, &project); err != nil {
		return err
	}
	project.Normalize()
	user, err := h.mutation(r, lease.KindProject, key, func() error {
		h.store.Projects().Set(key, project)
		return nil
	})
	if err != nil {
		return err
	}
	h.bus.EntityChanged(user, api.EntityProject, key.Segments(), false)
	h.writeJSON(w, http.StatusOK, api.KeyValue[api.Project]{Key: key.String(), Value: project}, nil)
	return nil
}

func (h *Handler) handleDeleteProject(w http.ResponseWriter, r *http.Request) error {
	key, err := recordKey(mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	user, err := h.mutation(r, lease.KindProject, key, func() error {
		if !h.store.Projects().Delete(key) {
			return core.NotFound(key.String())
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.bus.EntityChanged(user, api.EntityProject, key.Segments(), true)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleListMarkings(w http.ResponseWriter, r *http.Request) error {
	prefix, err := recordKey(mux.Vars(r)["p"])
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, listRecords(h.store.Markings(), prefix), nil)
	return nil
}

func (h *Handler) handleGetMarking(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	key, err := recordKey(vars["p"], vars["m"])
	if err != nil {
		return err
	}
	kv, err := getRecord(h.store.Markings(), key)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, kv, nil)
	return nil
}

func (h *Handler) handlePutMarking(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	key, err := recordKey(vars["p"], vars["m"])
	if err != nil {
		return err
	}
	if _, err := requester(r); err != nil {
		return err
	}
	var marking api.MarkingData
	if err := decodeJSONBody(r.Body, &marking); err != nil {
		return err
	}
	marking.Normalize()
	user, err := h.mutation(r, lease.KindMarking, key, func() error {
		h.store.Markings().Set(key, marking)
		return nil
	})
	if err != nil {
		return err
	}
	h.bus.EntityChanged(user, api.EntityMarking, key.Segments(), false)
	h.writeJSON(w, http.StatusOK, api.KeyValue[api.MarkingData]{Key: key.String(), Value: marking}, nil)
	return nil
}

func (h *Handler) handleDeleteMarking(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	key, err := recordKey(vars["p"], vars["m"])
	if err != nil {
		return err
	}
	user, err := h.mutation(r, lease.KindMarking, key, func() error {
		if !h.store.Markings().Delete(key) {
			return core.NotFound(key.String())
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.bus.EntityChanged(user, api.EntityMarking, key.Segments(), true)
	w.WriteHeader(http.StatusOK)
	return nil
}
