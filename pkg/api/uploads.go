package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mediavault/mediavault/internal/logger"
	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/chat"
	"github.com/mediavault/mediavault/pkg/metrics"
	"github.com/mediavault/mediavault/pkg/spool"
	"github.com/mediavault/mediavault/pkg/transcode"
)

// UploadChunk receives one multipart chunk of a resumable upload.
//
// Multipart fields: chunk (file), upload_id, chunk_index, total_chunks,
// filename.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	// A little headroom over the chunk cap for the other form fields.
	r.Body = http.MaxBytesReader(w, r.Body, h.chunkCap.Int64()+64*1024)
	if err := r.ParseMultipartForm(h.chunkCap.Int64() + 64*1024); err != nil {
		BadRequest(w, "invalid multipart body")
		return
	}

	uploadID := r.FormValue("upload_id")
	filename := r.FormValue("filename")
	chunkIndex, errIdx := strconv.Atoi(r.FormValue("chunk_index"))
	totalChunks, errTot := strconv.Atoi(r.FormValue("total_chunks"))
	if uploadID == "" || filename == "" || errIdx != nil || errTot != nil {
		BadRequest(w, "upload_id, filename, chunk_index and total_chunks are required")
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		BadRequest(w, "chunk file part is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.chunkCap.Int64()+1))
	if err != nil {
		InternalServerError(w, "failed to read chunk")
		return
	}
	if int64(len(data)) > h.chunkCap.Int64() {
		metrics.Chunk(h.m, "rejected")
		BadRequest(w, "chunk exceeds the configured size cap")
		return
	}

	err = h.spool.AppendChunk(r.Context(), owner, uploadID, chunkIndex, totalChunks, filename, data)
	switch {
	case err == nil:
		metrics.Chunk(h.m, "accepted")
		writeJSON(w, http.StatusOK, map[string]int{"uploaded_index": chunkIndex})
	case errors.Is(err, spool.ErrOutOfOrder):
		metrics.Chunk(h.m, "rejected")
		Conflict(w, err.Error())
	case errors.Is(err, spool.ErrUnauthorized):
		metrics.Chunk(h.m, "rejected")
		Forbidden(w, err.Error())
	case errors.Is(err, spool.ErrTooLarge):
		metrics.Chunk(h.m, "rejected")
		BadRequest(w, err.Error())
	default:
		logger.Error("chunk append failed", "upload_id", uploadID, "error", err)
		InternalServerError(w, "failed to store chunk")
	}
}

type completeUploadRequest struct {
	UploadID     string `json:"upload_id"`
	Filename     string `json:"filename"`
	TotalChunks  int    `json:"total_chunks"`
	Category     string `json:"category"`
	Organization string `json:"organization"`
	Chapter      string `json:"chapter,omitempty"`
}

// CompleteUpload assembles a finished upload into a PENDING artifact and
// queues it for transcoding. Only video uploads come in through the chunked
// path; documents arrive via chat batches.
func (h *Handler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req completeUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.UploadID == "" || req.Filename == "" || req.TotalChunks <= 0 {
		BadRequest(w, "upload_id, filename and total_chunks are required")
		return
	}

	path := joinScope(req.Category, req.Organization, req.Chapter)
	if path == "" || req.Organization == "" {
		BadRequest(w, "category and organization are required")
		return
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(req.Filename)))
	if !strings.HasPrefix(mimeType, "video/") {
		BadRequest(w, "only video files are accepted on the chunked upload path")
		return
	}

	spoolPath, meta, err := h.spool.Complete(r.Context(), owner, req.UploadID, req.TotalChunks)
	switch {
	case errors.Is(err, spool.ErrIncomplete):
		BadRequest(w, err.Error())
		return
	case errors.Is(err, spool.ErrNotFound):
		NotFound(w, err.Error())
		return
	case errors.Is(err, spool.ErrUnauthorized):
		Forbidden(w, err.Error())
		return
	case err != nil:
		logger.Error("upload completion failed", "upload_id", req.UploadID, "error", err)
		InternalServerError(w, "failed to assemble upload")
		return
	}

	title := chat.CleanDisplayName(req.Filename)
	if title == "" {
		title = req.Filename
	}
	id, err := h.store.CreateArtifact(r.Context(), &catalog.Artifact{
		Owner:         owner,
		Kind:          catalog.KindVideo,
		Title:         title,
		HierarchyPath: path,
		Status:        catalog.StatusPending,
		MimeType:      mimeType,
		SizeBytes:     meta.CumulativeSize,
	})
	if err != nil {
		// The spool has already handed the file off; without an artifact row
		// nothing would ever reclaim it.
		_ = os.Remove(spoolPath)
		logger.Error("artifact creation failed", "upload_id", req.UploadID, "error", err)
		InternalServerError(w, "failed to create artifact")
		return
	}

	if err := h.engine.Enqueue(r.Context(), transcode.TranscodeJob{
		ArtifactID:    id,
		SpoolPath:     spoolPath,
		OriginalName:  req.Filename,
		Title:         title,
		HierarchyPath: path,
	}); err != nil {
		_ = os.Remove(spoolPath)
		logger.Error("transcode enqueue failed", "artifact_id", id, "error", err)
		InternalServerError(w, "failed to queue transcode")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"artifact_id": id,
		"status":      catalog.StatusPending,
	})
}
