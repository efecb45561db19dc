package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mediavault/mediavault/internal/logger"
	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/drive"
	"github.com/mediavault/mediavault/pkg/metrics"
	"github.com/mediavault/mediavault/pkg/pipeline"
	"github.com/mediavault/mediavault/pkg/transcode"
)

// Config tunes the batch downloader.
type Config struct {
	// Concurrency bounds simultaneous downloads within one batch.
	Concurrency int

	// SpoolDir is the spool root; chat downloads land under SpoolDir/chat.
	SpoolDir string

	// MaxPDFSize rejects oversized PDF attachments upfront. Zero disables
	// the check.
	MaxPDFSize int64
}

const defaultConcurrency = 3

// Message identifies one attachment to pull, with the descriptor the caller
// already holds.
type Message struct {
	ID   int64
	Name string
	Mime string
	Size int64
}

// BatchRequest asks for a set of messages from one channel to be ingested
// under a hierarchy path.
type BatchRequest struct {
	Owner         string
	ChannelID     string
	HierarchyPath string
	Messages      []Message
}

// Downloader pulls chat attachments concurrently and routes them into the
// pipeline.
type Downloader struct {
	client Client
	store  *catalog.Store
	drive  drive.Store
	engine *transcode.Engine
	ctrl   *pipeline.Controller
	m      metrics.PipelineMetrics
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDownloader builds the downloader and prepares its spool directory.
func NewDownloader(client Client, store *catalog.Store, dr drive.Store, engine *transcode.Engine, ctrl *pipeline.Controller, m metrics.PipelineMetrics, cfg Config) (*Downloader, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if err := os.MkdirAll(filepath.Join(cfg.SpoolDir, "chat"), 0o755); err != nil {
		return nil, fmt.Errorf("create chat spool dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Downloader{
		client: client,
		store:  store,
		drive:  dr,
		engine: engine,
		ctrl:   ctrl,
		m:      m,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Close stops in-flight batches and waits for their workers.
func (d *Downloader) Close() {
	d.cancel()
	d.wg.Wait()
}

// ListChannelMedia scans a channel for downloadable attachments.
func (d *Downloader) ListChannelMedia(ctx context.Context, channelID string) ([]MediaItem, error) {
	channel, err := d.client.Resolve(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return d.client.ListMedia(ctx, channel)
}

type batchItem struct {
	artifactID uint
	msg        Message
}

// StartBatch creates one PENDING artifact per message and launches the batch
// in the background. Returns the artifact ids in request order.
func (d *Downloader) StartBatch(ctx context.Context, req BatchRequest) ([]uint, error) {
	channel, err := d.client.Resolve(ctx, req.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel: %w", err)
	}

	ids := make([]uint, 0, len(req.Messages))
	items := make([]batchItem, 0, len(req.Messages))
	for _, msg := range req.Messages {
		kind := catalog.KindForMime(msg.Mime)
		id, err := d.store.CreateArtifact(ctx, &catalog.Artifact{
			Owner:         req.Owner,
			Kind:          kind,
			Title:         displayName(msg.Name),
			HierarchyPath: req.HierarchyPath,
			Status:        catalog.StatusPending,
			SizeBytes:     msg.Size,
			MimeType:      msg.Mime,
		})
		if err != nil {
			return nil, fmt.Errorf("create artifact for message %d: %w", msg.ID, err)
		}
		ids = append(ids, id)

		if kind == catalog.KindPDF && d.cfg.MaxPDFSize > 0 && msg.Size > d.cfg.MaxPDFSize {
			fields := map[string]any{"error": fmt.Sprintf("PDF exceeds the %d byte limit", d.cfg.MaxPDFSize)}
			if terr := d.store.Transition(ctx, id, catalog.StatusFailed, fields); terr != nil {
				logger.Warn("oversize PDF rejection failed", "artifact_id", id, "error", terr)
			}
			continue
		}
		items = append(items, batchItem{artifactID: id, msg: msg})
	}

	d.wg.Add(1)
	go d.runBatch(channel, req.Owner, req.HierarchyPath, items)
	return ids, nil
}

func (d *Downloader) runBatch(channel, owner, path string, items []batchItem) {
	defer d.wg.Done()

	sem := semaphore.NewWeighted(int64(d.cfg.Concurrency))
	var wg sync.WaitGroup
	for _, it := range items {
		wg.Add(1)
		go func(it batchItem) {
			defer wg.Done()
			if err := sem.Acquire(d.ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			start := time.Now()
			metrics.JobStart(d.m, "chat_download")
			outcome := d.processMessage(d.ctx, channel, path, it.artifactID, it.msg)
			metrics.JobResult(d.m, "chat_download", outcome, time.Since(start))
		}(it)
	}
	wg.Wait()
	logger.Info("chat batch finished", "channel", channel, "owner", owner, "messages", len(items))
}

var errCancelled = errors.New("download cancelled")

// spoolWriter lands downloaded bytes on disk while feeding the speed tracker
// and observing the cancel flag between chunks.
type spoolWriter struct {
	f       *os.File
	ctrl    *pipeline.Controller
	id      uint
	written int64
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	if w.ctrl.IsCanceled(w.id) {
		return 0, errCancelled
	}
	n, err := w.f.Write(p)
	w.written += int64(n)
	w.ctrl.ObserveBytes(w.id, int64(n))
	return n, err
}

func (d *Downloader) processMessage(ctx context.Context, channel, path string, id uint, msg Message) string {
	kind := catalog.KindForMime(msg.Mime)
	local := filepath.Join(d.cfg.SpoolDir, "chat", fmt.Sprintf("%d_%s", id, SafeFileName(msg.Name)))

	d.ctrl.Register(&pipeline.Ticket{ArtifactID: id, SpoolPath: local})
	handedOff := false
	defer func() {
		if !handedOff {
			_ = os.Remove(local)
			d.ctrl.Unregister(id)
		}
	}()

	finalizeCancelled := func() string {
		fields := map[string]any{"progress": 0, "error": transcode.CancelMessage}
		if err := d.ctrl.CommitTransition(ctx, id, catalog.StatusCanceled, fields); err != nil {
			logger.Error("cancel commit failed", "artifact_id", id, "error", err)
		}
		logger.Info("chat download cancelled", "artifact_id", id)
		return "canceled"
	}

	fail := func(err error) string {
		if d.ctrl.IsCanceled(id) {
			return finalizeCancelled()
		}
		fields := map[string]any{"error": err.Error()}
		if cerr := d.ctrl.CommitTransition(ctx, id, catalog.StatusFailed, fields); cerr != nil {
			logger.Error("failure commit failed", "artifact_id", id, "error", cerr)
		}
		logger.Error("chat download failed", "artifact_id", id, "error", err)
		return "failed"
	}

	if d.ctrl.IsCanceled(id) {
		return finalizeCancelled()
	}

	// Download phase: the row stays PENDING, progress walks 5..40.
	d.ctrl.ForceProgress(id, 5)

	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fail(fmt.Errorf("open spool: %w", err))
	}
	w := &spoolWriter{f: f, ctrl: d.ctrl, id: id}
	err = d.client.Download(ctx, channel, msg.ID, w, func(current, total int64) {
		if total > 0 {
			d.ctrl.ReportProgress(id, 5+int(current*35/total))
		}
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if errors.Is(err, errCancelled) || d.ctrl.IsCanceled(id) {
			return finalizeCancelled()
		}
		return fail(fmt.Errorf("download message %d: %w", msg.ID, err))
	}
	metrics.Bytes(d.m, "download", w.written)
	d.ctrl.ForceProgress(id, 40)

	if d.ctrl.IsCanceled(id) {
		return finalizeCancelled()
	}

	if kind == catalog.KindVideo {
		// Hand the spool file and lifecycle over to the transcode engine.
		// Unregister before enqueueing so the engine's ticket is never
		// clobbered; an already-set cancel flag survives the hand-off.
		handedOff = true
		d.ctrl.Unregister(id)
		job := transcode.TranscodeJob{
			ArtifactID:    id,
			SpoolPath:     local,
			OriginalName:  msg.Name,
			Title:         displayName(msg.Name),
			HierarchyPath: path,
		}
		if err := d.engine.Enqueue(ctx, job); err != nil {
			_ = os.Remove(local)
			return fail(fmt.Errorf("enqueue transcode: %w", err))
		}
		return "completed"
	}

	return d.uploadDirect(ctx, path, id, msg, local, w.written, finalizeCancelled, fail)
}

// uploadDirect pushes a non-video attachment straight to the object store,
// progress 45..95. PDFs are stored bare in the scope folder; other kinds get
// a wrapping folder like videos do.
func (d *Downloader) uploadDirect(ctx context.Context, path string, id uint, msg Message, local string, size int64, finalizeCancelled func() string, fail func(error) string) string {
	kind := catalog.KindForMime(msg.Mime)
	uploadName := displayName(msg.Name)

	if err := d.ctrl.CommitTransition(ctx, id, catalog.StatusProcessing, map[string]any{"progress": 45, "error": ""}); err != nil {
		logger.Warn("upload skipped", "artifact_id", id, "error", err)
		return "canceled"
	}

	var parentID, wrapFolderID string
	var err error
	if kind == catalog.KindPDF {
		parentID, err = d.drive.EnsurePath(ctx, path)
	} else {
		leaf := strings.TrimSuffix(uploadName, filepath.Ext(uploadName))
		if leaf == "" {
			leaf = uploadName
		}
		parentID, err = d.drive.EnsurePath(ctx, path+"/"+leaf)
		wrapFolderID = parentID
	}
	if err != nil {
		return fail(fmt.Errorf("create destination folder: %w", err))
	}

	cleanupRemote := func(fileID string) {
		if wrapFolderID != "" {
			_ = d.drive.DeleteFolder(ctx, wrapFolderID)
		} else if fileID != "" {
			_ = d.drive.DeleteFile(ctx, fileID)
		}
	}

	fileID, err := d.drive.UploadResumable(ctx, local, uploadName, parentID, msg.Mime, func(frac float64) {
		d.ctrl.ReportProgress(id, 45+int(frac*50))
	})
	if err != nil {
		if d.ctrl.IsCanceled(id) {
			cleanupRemote("")
			return finalizeCancelled()
		}
		return fail(fmt.Errorf("upload: %w", err))
	}
	metrics.Bytes(d.m, "upload", size)

	if d.ctrl.IsCanceled(id) {
		cleanupRemote(fileID)
		return finalizeCancelled()
	}

	fields := map[string]any{
		"progress":       100,
		"error":          "",
		"remote_file_id": fileID,
		"size_bytes":     size,
	}
	if wrapFolderID != "" {
		fields["remote_folder_id"] = wrapFolderID
	}
	if err := d.ctrl.CommitTransition(ctx, id, catalog.StatusCompleted, fields); err != nil {
		return fail(fmt.Errorf("commit: %w", err))
	}
	logger.Info("chat attachment stored", "artifact_id", id, "file_id", fileID, "kind", kind)
	return "completed"
}

// displayName is the cleaned attachment name, falling back to the raw name
// when cleaning leaves nothing.
func displayName(name string) string {
	if cleaned := CleanDisplayName(name); cleaned != "" {
		return cleaned
	}
	return name
}
