package api

import (
	"errors"
	"net/http"

	"github.com/mediavault/mediavault/internal/logger"
	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/chat"
)

type chatBatchRequest struct {
	ChannelID    string `json:"channel_id"`
	Category     string `json:"category"`
	Organization string `json:"organization"`
	Chapter      string `json:"chapter,omitempty"`

	Messages []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
		Mime string `json:"mime"`
		Size int64  `json:"size"`
	} `json:"messages"`
}

// ChatBatch starts a batch download of chat attachments into the given
// hierarchy path and returns the created artifact ids.
func (h *Handler) ChatBatch(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if h.downloader == nil {
		ServiceUnavailable(w, "chat provider not configured")
		return
	}

	var req chatBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	path := joinScope(req.Category, req.Organization, req.Chapter)
	if req.ChannelID == "" || path == "" || req.Organization == "" || len(req.Messages) == 0 {
		BadRequest(w, "channel_id, category, organization and messages are required")
		return
	}

	batch := chat.BatchRequest{
		Owner:         owner,
		ChannelID:     req.ChannelID,
		HierarchyPath: path,
	}
	for _, m := range req.Messages {
		batch.Messages = append(batch.Messages, chat.Message{
			ID:   m.ID,
			Name: m.Name,
			Mime: m.Mime,
			Size: m.Size,
		})
	}

	ids, err := h.downloader.StartBatch(r.Context(), batch)
	switch {
	case errors.Is(err, chat.ErrNotConfigured):
		ServiceUnavailable(w, "chat provider not configured")
	case err != nil:
		logger.Error("chat batch start failed", "channel_id", req.ChannelID, "error", err)
		InternalServerError(w, "failed to start batch")
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"artifact_ids": ids})
	}
}

// ListChannelMedia scans a chat channel for downloadable attachments.
func (h *Handler) ListChannelMedia(w http.ResponseWriter, r *http.Request) {
	if h.downloader == nil {
		ServiceUnavailable(w, "chat provider not configured")
		return
	}
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		BadRequest(w, "channel_id is required")
		return
	}

	items, err := h.downloader.ListChannelMedia(r.Context(), channelID)
	switch {
	case errors.Is(err, chat.ErrNotConfigured):
		ServiceUnavailable(w, "chat provider not configured")
	case err != nil:
		logger.Error("channel media scan failed", "channel_id", channelID, "error", err)
		InternalServerError(w, "failed to list channel media")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"media": items})
	}
}

type credentialRequest struct {
	Blob string `json:"blob"`
}

// PutChatCredential stores the caller's opaque chat session blob, replacing
// any previous one. The blob is issued by the provider binding during
// out-of-band session establishment.
func (h *Handler) PutChatCredential(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req credentialRequest
	if err := decodeJSON(r, &req); err != nil || req.Blob == "" {
		BadRequest(w, "blob is required")
		return
	}

	if err := h.store.PutChatCredential(r.Context(), owner, req.Blob); err != nil {
		logger.Error("chat credential store failed", "error", err)
		InternalServerError(w, "failed to store credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChatCredentialStatus reports whether the caller has a session blob stored.
func (h *Handler) ChatCredentialStatus(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	_, err := h.store.GetChatCredential(r.Context(), owner)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"configured": true})
	case errors.Is(err, catalog.ErrCredentialNotFound):
		writeJSON(w, http.StatusOK, map[string]bool{"configured": false})
	default:
		logger.Error("chat credential lookup failed", "error", err)
		InternalServerError(w, "failed to read credential")
	}
}

type idsRequest struct {
	ArtifactIDs []uint `json:"artifact_ids"`
}

// CancelBatch cancels the given artifacts. Cancellation is per-artifact;
// other members of the same batch continue.
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req idsRequest
	if err := decodeJSON(r, &req); err != nil || len(req.ArtifactIDs) == 0 {
		BadRequest(w, "artifact_ids are required")
		return
	}

	cancelled := 0
	for _, id := range req.ArtifactIDs {
		a, err := h.store.GetArtifactForOwner(r.Context(), id, owner)
		if err != nil || a.Status.Terminal() {
			continue
		}
		h.ctrl.Cancel(id)
		cancelled++
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled_count": cancelled})
}

// BatchSpeed reports the rolling transfer speed of active artifacts in
// MiB/s.
func (h *Handler) BatchSpeed(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil || len(req.ArtifactIDs) == 0 {
		BadRequest(w, "artifact_ids are required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"speeds": h.ctrl.Speeds(req.ArtifactIDs)})
}
