package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mediavault/mediavault/internal/logger"
	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/stream"
)

const maxPageSize = 100

// ListArtifacts returns a paginated artifact listing, optionally scoped to
// a hierarchy prefix via category/organization/chapter query parameters.
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	f := catalog.Filter{
		Owner:    owner,
		Kind:     catalog.Kind(q.Get("kind")),
		Page:     page,
		PageSize: pageSize,
	}
	scope := joinScope(q.Get("category"), q.Get("organization"), q.Get("chapter"))
	if scope != "" {
		if q.Get("chapter") != "" {
			f.Path = scope
		} else {
			f.PathPrefix = scope
		}
	}

	rows, total, err := h.store.ListArtifacts(r.Context(), f)
	if err != nil {
		logger.Error("artifact listing failed", "error", err)
		InternalServerError(w, "failed to list artifacts")
		return
	}

	results := make([]map[string]any, 0, len(rows))
	for _, a := range rows {
		results = append(results, artifactProjection(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   results,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetArtifact returns a single artifact projection.
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	id, ok := artifactID(r)
	if !ok {
		BadRequest(w, "invalid artifact id")
		return
	}

	a, err := h.store.GetArtifactForOwner(r.Context(), id, owner)
	if err != nil {
		writeArtifactError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifactProjection(a))
}

// DeleteArtifact cancels any active job, removes the remote objects and
// deletes the catalog row.
func (h *Handler) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	id, ok := artifactID(r)
	if !ok {
		BadRequest(w, "invalid artifact id")
		return
	}

	a, err := h.store.GetArtifactForOwner(r.Context(), id, owner)
	if err != nil {
		writeArtifactError(w, err)
		return
	}

	if !a.Status.Terminal() {
		h.ctrl.Cancel(id)
	}

	// Folder removal takes the derived assets with it; fall back to the bare
	// file when no wrapping folder was recorded.
	switch {
	case a.RemoteFolderID != "":
		if err := h.drive.DeleteFolder(r.Context(), a.RemoteFolderID); err != nil {
			logger.Warn("remote folder deletion failed", "artifact_id", id, "error", err)
		}
	case a.RemoteFileID != "":
		if err := h.drive.DeleteFile(r.Context(), a.RemoteFileID); err != nil {
			logger.Warn("remote file deletion failed", "artifact_id", id, "error", err)
		}
	}

	if err := h.store.DeleteArtifact(r.Context(), id); err != nil && !errors.Is(err, catalog.ErrArtifactNotFound) {
		logger.Error("artifact deletion failed", "artifact_id", id, "error", err)
		InternalServerError(w, "failed to delete artifact")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AbortArtifact cancels an active job. Terminal artifacts are left alone.
func (h *Handler) AbortArtifact(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	id, ok := artifactID(r)
	if !ok {
		BadRequest(w, "invalid artifact id")
		return
	}

	a, err := h.store.GetArtifactForOwner(r.Context(), id, owner)
	if err != nil {
		writeArtifactError(w, err)
		return
	}

	cancelled := false
	if !a.Status.Terminal() {
		h.ctrl.Cancel(id)
		cancelled = true
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

type renameRequest struct {
	NewTitle string `json:"new_title"`
}

// RenameArtifact updates the title and renames the remote folder and the
// primary object to match.
func (h *Handler) RenameArtifact(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	id, ok := artifactID(r)
	if !ok {
		BadRequest(w, "invalid artifact id")
		return
	}

	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	req.NewTitle = strings.TrimSpace(req.NewTitle)
	if req.NewTitle == "" || len(req.NewTitle) > 255 {
		BadRequest(w, "new_title must be 1..255 characters")
		return
	}

	a, err := h.store.GetArtifactForOwner(r.Context(), id, owner)
	if err != nil {
		writeArtifactError(w, err)
		return
	}

	if a.RemoteFolderID != "" {
		leaf := strings.TrimSuffix(req.NewTitle, filepath.Ext(req.NewTitle))
		if err := h.drive.Rename(r.Context(), a.RemoteFolderID, leaf); err != nil {
			logger.Error("remote folder rename failed", "artifact_id", id, "error", err)
			InternalServerError(w, "failed to rename remote folder")
			return
		}
	}
	if a.RemoteFileID != "" {
		if err := h.drive.Rename(r.Context(), a.RemoteFileID, "Processed_"+req.NewTitle); err != nil {
			logger.Error("remote file rename failed", "artifact_id", id, "error", err)
			InternalServerError(w, "failed to rename remote file")
			return
		}
	}

	if err := h.store.UpdateArtifactFields(r.Context(), id, map[string]any{"title": req.NewTitle}); err != nil {
		writeArtifactError(w, err)
		return
	}

	a.Title = req.NewTitle
	writeJSON(w, http.StatusOK, artifactProjection(a))
}

// StreamArtifact serves the primary media as a full or ranged response.
func (h *Handler) StreamArtifact(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	id, ok := artifactID(r)
	if !ok {
		BadRequest(w, "invalid artifact id")
		return
	}
	if err := h.streamer.ServeArtifact(w, r, id, owner); err != nil {
		writeStreamError(w, err)
	}
}

// StreamAsset serves a recorded derived asset (thumbnail or preview).
func (h *Handler) StreamAsset(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	id, ok := artifactID(r)
	if !ok {
		BadRequest(w, "invalid artifact id")
		return
	}
	ref := chi.URLParam(r, "ref")
	kind := r.URL.Query().Get("kind")
	if err := h.streamer.ServeAsset(w, r, id, owner, ref, kind); err != nil {
		writeStreamError(w, err)
	}
}

// artifactProjection is the JSON shape artifacts are served as. Progress is
// the display value: failed and cancelled read as 0.
func artifactProjection(a *catalog.Artifact) map[string]any {
	return map[string]any{
		"id":               a.ID,
		"kind":             a.Kind,
		"title":            a.Title,
		"hierarchy_path":   a.HierarchyPath,
		"status":           a.Status,
		"progress":         a.DisplayProgress(),
		"error":            a.Error,
		"remote_file_id":   a.RemoteFileID,
		"remote_folder_id": a.RemoteFolderID,
		"size_bytes":       a.SizeBytes,
		"mime_type":        a.MimeType,
		"duration_seconds": a.DurationSeconds,
		"thumbnail_ref":    a.ThumbnailRef,
		"preview_ref":      a.PreviewRef,
		"created_at":       a.CreatedAt,
		"updated_at":       a.UpdatedAt,
	}
}

// writeArtifactError maps catalog errors onto problem responses.
func writeArtifactError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrArtifactNotFound):
		NotFound(w, "artifact not found")
	case errors.Is(err, catalog.ErrNotOwner):
		Forbidden(w, "artifact belongs to a different owner")
	default:
		logger.Error("catalog operation failed", "error", err)
		InternalServerError(w, "catalog operation failed")
	}
}

// writeStreamError maps streaming errors onto problem responses.
func writeStreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrArtifactNotFound):
		NotFound(w, "artifact not found")
	case errors.Is(err, catalog.ErrNotOwner):
		Forbidden(w, "artifact belongs to a different owner")
	case errors.Is(err, stream.ErrInvalidRange):
		RangeNotSatisfiable(w, "requested range cannot be satisfied")
	case errors.Is(err, stream.ErrNotStreamable):
		Conflict(w, "artifact has no stored media yet")
	case errors.Is(err, stream.ErrUnknownAsset):
		NotFound(w, "asset not recorded on artifact")
	default:
		logger.Error("streaming failed", "error", err)
		InternalServerError(w, "streaming failed")
	}
}
