package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediavault/mediavault/internal/logger"
	"github.com/mediavault/mediavault/pkg/metrics"
)

// NewRouter wires the middleware stack and routes.
//
// Routes:
//   - GET  /health - liveness probe
//   - GET  /metrics - Prometheus metrics (when enabled)
//   - POST /api/v1/uploads/chunk - receive one upload chunk
//   - POST /api/v1/uploads/complete - assemble an upload and queue transcode
//   - GET  /api/v1/artifacts - paginated listing
//   - GET  /api/v1/artifacts/{id} - single artifact
//   - DELETE /api/v1/artifacts/{id} - cancel, remove remote objects, delete row
//   - POST /api/v1/artifacts/{id}/abort - cancel an active job
//   - POST /api/v1/artifacts/{id}/rename - retitle locally and remotely
//   - GET  /api/v1/artifacts/{id}/stream - full or ranged media body
//   - GET  /api/v1/artifacts/{id}/asset/{ref} - thumbnail or preview body
//   - GET  /api/v1/chat/media - scan a channel for attachments
//   - POST /api/v1/chat/batches - start a batch download
//   - POST /api/v1/chat/cancel - cancel batch members
//   - POST /api/v1/chat/speed - rolling transfer speeds
//   - GET  /api/v1/chat/credential - whether a session blob is stored
//   - PUT  /api/v1/chat/credential - store the caller's session blob
//   - POST /api/v1/reconcile - reconcile one scope or all paths
func NewRouter(h *Handler, authSecret []byte) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters. No Timeout middleware: streaming
	// responses run as long as the client keeps reading.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	if reg := metrics.GetRegistry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Auth(authSecret))

		r.Route("/uploads", func(r chi.Router) {
			r.Post("/chunk", h.UploadChunk)
			r.Post("/complete", h.CompleteUpload)
		})

		r.Route("/artifacts", func(r chi.Router) {
			r.Get("/", h.ListArtifacts)
			r.Get("/{id}", h.GetArtifact)
			r.Delete("/{id}", h.DeleteArtifact)
			r.Post("/{id}/abort", h.AbortArtifact)
			r.Post("/{id}/rename", h.RenameArtifact)
			r.Get("/{id}/stream", h.StreamArtifact)
			r.Get("/{id}/asset/{ref}", h.StreamAsset)
		})

		r.Route("/chat", func(r chi.Router) {
			r.Get("/media", h.ListChannelMedia)
			r.Post("/batches", h.ChatBatch)
			r.Post("/cancel", h.CancelBatch)
			r.Post("/speed", h.BatchSpeed)
			r.Get("/credential", h.ChatCredentialStatus)
			r.Put("/credential", h.PutChatCredential)
		})

		r.Post("/reconcile", h.ReconcileScope)
	})

	return r
}

// requestLogger logs requests using the internal logger. Health probes log
// at DEBUG to keep the output quiet.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			logger.Debug("API request completed", logArgs...)
		} else {
			logger.Info("API request completed", logArgs...)
		}
	})
}
