package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"pkt.systems/markd/api"
	"pkt.systems/markd/internal/lease"
	"pkt.systems/markd/internal/realtime"
	"pkt.systems/markd/internal/store"
)

// LeaseChangeHook returns a lease.Manager change hook that broadcasts every
// acquire and release as an EntityUpdate of type "lease". The primary key is
// the resource kind followed by the record key segments.
func LeaseChangeHook(bus *realtime.Bus) func(lease.Change) {
	return func(c lease.Change) {
		kind, key, ok := lease.SplitResource(c.Resource)
		if !ok {
			return
		}
		primaryKey := append([]string{kind}, store.Key(key).Segments()...)
		bus.EntityChanged(c.Holder, api.EntityLease, primaryKey, c.Released)
	}
}

// leaseResource maps /leases/{kind}/{id...} to a resource id. Extra path
// segments in id become key segments, so /leases/marking/0/17 names
// "marking/0|17".
func leaseResource(r *http.Request) (string, error) {
	vars := mux.Vars(r)
	kind := vars["kind"]
	switch kind {
	case lease.KindProject, lease.KindMarking:
	default:
		return "", badRequest("invalid_kind", fmt.Sprintf("unknown lease kind %q", kind))
	}
	key, err := recordKey(strings.Split(vars["id"], "/")...)
	if err != nil {
		return "", err
	}
	return lease.Resource(kind, key.String()), nil
}

func (h *Handler) handleAcquireLease(w http.ResponseWriter, r *http.Request) error {
	user, err := requester(r)
	if err != nil {
		return err
	}
	resource, err := leaseResource(r)
	if err != nil {
		return err
	}
	if err := h.leases.Acquire(resource, user); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.LeaseResponse{Resource: resource, Holder: user}, nil)
	return nil
}

func (h *Handler) handleReleaseLease(w http.ResponseWriter, r *http.Request) error {
	user, err := requester(r)
	if err != nil {
		return err
	}
	resource, err := leaseResource(r)
	if err != nil {
		return err
	}
	if err := h.leases.Release(resource, user); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.LeaseResponse{Resource: resource, Holder: user}, nil)
	return nil
}

func (h *Handler) handleListLeases(w http.ResponseWriter, _ *http.Request) error {
	held := h.leases.Snapshot()
	resp := api.LeaseListResponse{Leases: make([]api.LeaseResponse, 0, len(held))}
	for _, l := range held {
		resp.Leases = append(resp.Leases, api.LeaseResponse{Resource: l.Resource, Holder: l.Holder})
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}
