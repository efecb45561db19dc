// Package stream serves stored artifacts back to clients as seekable
// byte-range responses backed by the object store.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/mediavault/mediavault/internal/logger"
	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/drive"
	"github.com/mediavault/mediavault/pkg/metrics"
)

// DefaultInitialRangeCap caps the first open-ended range response so players
// can fast-start; subsequent client ranges follow naturally.
const DefaultInitialRangeCap = 2 * 1024 * 1024

var (
	// ErrInvalidRange marks a malformed or unsatisfiable Range header.
	ErrInvalidRange = errors.New("invalid range")

	// ErrNotStreamable is returned for artifacts without stored media.
	ErrNotStreamable = errors.New("artifact has no stored media")

	// ErrUnknownAsset is returned when the requested asset ref is not one
	// recorded on the artifact.
	ErrUnknownAsset = errors.New("asset not recorded on artifact")
)

// Config tunes the streamer.
type Config struct {
	// InitialRangeCap bounds the first response to an open-ended range.
	// Zero means DefaultInitialRangeCap.
	InitialRangeCap int64
}

// Streamer reads artifact bytes out of the object store on demand.
type Streamer struct {
	store *catalog.Store
	drive drive.Store
	m     metrics.PipelineMetrics
	cap   int64
}

// New builds a Streamer.
func New(store *catalog.Store, dr drive.Store, m metrics.PipelineMetrics, cfg Config) *Streamer {
	c := cfg.InitialRangeCap
	if c <= 0 {
		c = DefaultInitialRangeCap
	}
	return &Streamer{store: store, drive: dr, m: m, cap: c}
}

// ServeArtifact streams the artifact's primary media, honoring a single
// bytes range. Returns catalog sentinel errors for unknown or foreign
// artifacts and ErrInvalidRange for bad ranges; the caller maps them to
// status codes. Once the body starts, errors are client disconnects and are
// only logged.
func (s *Streamer) ServeArtifact(w http.ResponseWriter, r *http.Request, artifactID uint, owner string) error {
	ctx := r.Context()
	a, err := s.store.GetArtifactForOwner(ctx, artifactID, owner)
	if err != nil {
		return err
	}
	if a.RemoteFileID == "" {
		return ErrNotStreamable
	}

	size, mime := a.SizeBytes, a.MimeType
	if size == 0 {
		md, err := s.drive.GetMetadata(ctx, a.RemoteFileID)
		if err != nil {
			return fmt.Errorf("fetch metadata: %w", err)
		}
		size, mime = md.Size, md.Mime
		s.backfillMetadata(ctx, a.ID, md)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", mime)
		if size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		w.WriteHeader(http.StatusOK)
		s.copyRange(ctx, w, a.RemoteFileID, 0, -1)
		return nil
	}

	start, end, err := parseRange(rangeHeader)
	if err != nil {
		return err
	}
	if start >= size {
		return fmt.Errorf("%w: start %d beyond size %d", ErrInvalidRange, start, size)
	}
	if end < 0 {
		end = start + s.cap - 1
	}
	if end > size-1 {
		end = size - 1
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	s.copyRange(ctx, w, a.RemoteFileID, start, end)
	return nil
}

// ServeAsset streams a derived asset with immutable caching hints. The
// requested ref must be one of the two recorded on the artifact.
func (s *Streamer) ServeAsset(w http.ResponseWriter, r *http.Request, artifactID uint, owner, assetRef, kind string) error {
	ctx := r.Context()
	a, err := s.store.GetArtifactForOwner(ctx, artifactID, owner)
	if err != nil {
		return err
	}
	if assetRef == "" || (assetRef != a.ThumbnailRef && assetRef != a.PreviewRef) {
		return ErrUnknownAsset
	}

	mime := "image/jpeg"
	if kind == "video" || assetRef == a.PreviewRef {
		mime = "video/mp4"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)
	s.copyRange(ctx, w, assetRef, 0, -1)
	return nil
}

// copyRange moves bytes from the store to the client. A disconnected client
// cancels the request context, which abandons the upstream download within
// one chunk.
func (s *Streamer) copyRange(ctx context.Context, w io.Writer, fileID string, start, end int64) {
	rc, err := s.drive.DownloadRange(ctx, fileID, start, end)
	if err != nil {
		logger.Warn("range download failed", "file_id", fileID, "error", err)
		return
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	metrics.Bytes(s.m, "stream", n)
	if err != nil && ctx.Err() == nil {
		logger.Debug("stream interrupted", "file_id", fileID, "error", err)
	}
}

func (s *Streamer) backfillMetadata(ctx context.Context, id uint, md drive.Metadata) {
	fields := map[string]any{"size_bytes": md.Size}
	if md.Mime != "" {
		fields["mime_type"] = md.Mime
	}
	if err := s.store.UpdateArtifactFields(ctx, id, fields); err != nil {
		logger.Warn("metadata backfill failed", "artifact_id", id, "error", err)
	}
}

// parseRange parses a single "bytes=a-b" range. A missing a defaults to 0; a
// missing b yields end = -1 (open).
func parseRange(header string) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}

	start = 0
	if first != "" {
		start, err = strconv.ParseInt(first, 10, 64)
		if err != nil || start < 0 {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
	}
	end = -1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
	}
	return start, end, nil
}
