package httpapi

import (
	"context"
	"net/http"

	"pkt.systems/markd/api"
)

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}

// handlePersist forces a snapshot write. The write is detached from the
// client connection so a disconnect does not abort it half way.
func (h *Handler) handlePersist(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), persistTimeout)
	defer cancel()
	result, err := h.store.Persist(ctx)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.PersistResponse{
		Skipped:       result.Skipped,
		Reason:        result.Reason,
		Alterations:   result.Alterations,
		Bytes:         result.Bytes,
		ElapsedMillis: result.Elapsed.Milliseconds(),
	}, nil)
	return nil
}
