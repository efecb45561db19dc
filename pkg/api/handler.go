package api

import (
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"net/http"

	"github.com/mediavault/mediavault/internal/bytesize"
	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/chat"
	"github.com/mediavault/mediavault/pkg/drive"
	"github.com/mediavault/mediavault/pkg/metrics"
	"github.com/mediavault/mediavault/pkg/pipeline"
	"github.com/mediavault/mediavault/pkg/reconcile"
	"github.com/mediavault/mediavault/pkg/spool"
	"github.com/mediavault/mediavault/pkg/stream"
	"github.com/mediavault/mediavault/pkg/transcode"
)

// Handler binds the HTTP operations to the pipeline components.
type Handler struct {
	store      *catalog.Store
	drive      drive.Store
	spool      *spool.Receiver
	engine     *transcode.Engine
	downloader *chat.Downloader
	streamer   *stream.Streamer
	reconciler *reconcile.Reconciler
	ctrl       *pipeline.Controller
	m          metrics.PipelineMetrics

	chunkCap bytesize.ByteSize
}

// Deps collects everything the handlers need. downloader may be nil when no
// chat provider is configured.
type Deps struct {
	Store      *catalog.Store
	Drive      drive.Store
	Spool      *spool.Receiver
	Engine     *transcode.Engine
	Downloader *chat.Downloader
	Streamer   *stream.Streamer
	Reconciler *reconcile.Reconciler
	Controller *pipeline.Controller
	Metrics    metrics.PipelineMetrics

	// ChunkCap is the per-chunk upload size cap.
	ChunkCap bytesize.ByteSize
}

// NewHandler builds the handler set.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:      d.Store,
		drive:      d.Drive,
		spool:      d.Spool,
		engine:     d.Engine,
		downloader: d.Downloader,
		streamer:   d.Streamer,
		reconciler: d.Reconciler,
		ctrl:       d.Controller,
		m:          d.Metrics,
		chunkCap:   d.ChunkCap,
	}
}

// artifactID parses the {id} URL parameter.
func artifactID(r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// joinScope builds a hierarchy path from scope segments, dropping trailing
// empties. Returns "" when category is missing.
func joinScope(category, organization, chapter string) string {
	if category == "" {
		return ""
	}
	segments := []string{category}
	if organization != "" {
		segments = append(segments, organization)
		if chapter != "" {
			segments = append(segments, chapter)
		}
	}
	return strings.Join(segments, "/")
}
