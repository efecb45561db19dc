package api

import (
	"net/http"
	"time"

	"github.com/mediavault/mediavault/internal/logger"
)

type reconcileRequest struct {
	Category     string `json:"category,omitempty"`
	Organization string `json:"organization,omitempty"`
	Chapter      string `json:"chapter,omitempty"`
}

// ReconcileScope reconciles one scope path, or every path the caller has
// artifacts under when no scope is given.
func (h *Handler) ReconcileScope(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req reconcileRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
	}

	path := joinScope(req.Category, req.Organization, req.Chapter)
	if path == "" {
		res, err := h.reconciler.ReconcileAll(r.Context(), owner)
		if err != nil {
			logger.Error("reconciliation failed", "error", err)
			InternalServerError(w, "reconciliation failed")
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	counters, err := h.reconciler.ReconcilePath(r.Context(), owner, path)
	if err != nil {
		logger.Error("reconciliation failed", "path", path, "error", err)
		InternalServerError(w, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}
