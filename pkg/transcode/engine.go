package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediavault/mediavault/internal/logger"
	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/drive"
	"github.com/mediavault/mediavault/pkg/metrics"
	"github.com/mediavault/mediavault/pkg/pipeline"
)

// CancelMessage is recorded on artifacts whose job was cancelled.
const CancelMessage = "Cancelled by user"

// Config tunes the engine.
type Config struct {
	// Workers is the pool size. Zero means DefaultWorkers().
	Workers int

	// QueueDepth bounds the FIFO job queue.
	QueueDepth int

	// TempDir receives intermediate transcode outputs. Defaults to the
	// system temp directory.
	TempDir string
}

// DefaultWorkers sizes the pool at max(1, min(4, NumCPU/2)).
func DefaultWorkers() int {
	n := runtime.NumCPU() / 2
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

const defaultQueueDepth = 128

type job interface {
	run(ctx context.Context, e *Engine)
}

// Engine drains a FIFO queue of transcode and sync-metadata jobs with a
// fixed-size worker pool.
type Engine struct {
	cfg   Config
	store *catalog.Store
	drive drive.Store
	ctrl  *pipeline.Controller
	proc  MediaProcessor
	m     metrics.PipelineMetrics

	queue  chan job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the engine. proc is usually NewProcessor(...).
func New(store *catalog.Store, dr drive.Store, ctrl *pipeline.Controller, proc MediaProcessor, m metrics.PipelineMetrics, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Engine{
		cfg:   cfg,
		store: store,
		drive: dr,
		ctrl:  ctrl,
		proc:  proc,
		m:     m,
		queue: make(chan job, cfg.QueueDepth),
	}
}

// Start sweeps rows left in PROCESSING by a previous run into FAILED and
// launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	swept, err := e.store.SweepProcessing(ctx)
	if err != nil {
		return fmt.Errorf("sweep interrupted jobs: %w", err)
	}
	if swept > 0 {
		logger.Warn("swept interrupted jobs", "count", swept)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case j := <-e.queue:
					j.run(workerCtx, e)
				}
			}
		}()
	}
	logger.Info("transcode engine started", "workers", e.cfg.Workers)
	return nil
}

// Stop halts the workers. In-flight jobs observe the cancelled context.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Enqueue queues a transcode job. Blocks while the queue is saturated.
func (e *Engine) Enqueue(ctx context.Context, j TranscodeJob) error {
	select {
	case e.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueSync queues a sync-metadata backfill job.
func (e *Engine) EnqueueSync(ctx context.Context, j SyncJob) error {
	select {
	case e.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TranscodeJob carries one spool file through probe, transform, derived
// asset generation, upload and commit.
type TranscodeJob struct {
	ArtifactID uint

	// SpoolPath is the assembled input. The job owns it and unlinks it when
	// done.
	SpoolPath string

	// OriginalName is the uploaded filename; the primary object is stored as
	// "Processed_<OriginalName>".
	OriginalName string

	// Title is the display name; its extension-stripped form names the
	// per-artifact folder.
	Title string

	HierarchyPath string
}

func (j TranscodeJob) run(ctx context.Context, e *Engine) {
	start := time.Now()
	metrics.JobStart(e.m, "transcode")
	outcome := e.runTranscode(ctx, j)
	metrics.JobResult(e.m, "transcode", outcome, time.Since(start))
}

// folderLeaf derives the per-artifact folder name from a title.
func folderLeaf(title string) string {
	leaf := strings.TrimSuffix(title, filepath.Ext(title))
	if leaf == "" {
		leaf = title
	}
	return leaf
}

func tempName(dir, prefix string, id uint, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d_%s%s", prefix, id, uuid.NewString()[:8], ext))
}

func (e *Engine) runTranscode(ctx context.Context, j TranscodeJob) (outcome string) {
	id := j.ArtifactID
	outPath := tempName(e.cfg.TempDir, "processed", id, ".mp4")
	thumbPath := tempName(e.cfg.TempDir, "thumb", id, ".jpg")
	previewPath := tempName(e.cfg.TempDir, "preview", id, ".mp4")

	e.ctrl.Register(&pipeline.Ticket{ArtifactID: id, SpoolPath: j.SpoolPath, OutputPath: outPath})
	defer func() {
		for _, p := range []string{j.SpoolPath, outPath, thumbPath, previewPath} {
			_ = os.Remove(p)
		}
		e.ctrl.Unregister(id)
	}()

	// The folder created for this job; torn down again if the job is
	// cancelled after creation.
	var folderID string

	finalizeCanceled := func() string {
		if folderID != "" {
			if err := e.drive.DeleteFolder(ctx, folderID); err != nil {
				logger.Warn("cancel cleanup failed", "artifact_id", id, "folder_id", folderID, "error", err)
			}
		}
		fields := map[string]any{"progress": 0, "error": CancelMessage}
		if err := e.ctrl.CommitTransition(ctx, id, catalog.StatusCanceled, fields); err != nil {
			logger.Error("cancel commit failed", "artifact_id", id, "error", err)
		}
		logger.Info("transcode cancelled", "artifact_id", id)
		return "canceled"
	}

	fail := func(err error) string {
		if e.ctrl.IsCanceled(id) {
			return finalizeCanceled()
		}
		fields := map[string]any{"error": err.Error()}
		if cerr := e.ctrl.CommitTransition(ctx, id, catalog.StatusFailed, fields); cerr != nil {
			logger.Error("failure commit failed", "artifact_id", id, "error", cerr)
		}
		logger.Error("transcode failed", "artifact_id", id, "error", err)
		return "failed"
	}

	if err := e.ctrl.CommitTransition(ctx, id, catalog.StatusProcessing, map[string]any{"progress": 5, "error": ""}); err != nil {
		// Typically the row was already cancelled or deleted while queued.
		logger.Warn("job skipped", "artifact_id", id, "error", err)
		return "canceled"
	}
	if e.ctrl.IsCanceled(id) {
		return finalizeCanceled()
	}

	logger.Info("transcode started", "artifact_id", id, "spool", j.SpoolPath)

	// Probe the original before transforming it.
	e.ctrl.ReportProgress(id, 7)
	duration, err := e.proc.Duration(ctx, j.SpoolPath)
	if err != nil {
		logger.Warn("duration probe failed", "artifact_id", id, "error", err)
		duration = 0
	}
	hasAudio, err := e.proc.HasAudio(ctx, j.SpoolPath)
	if err != nil {
		logger.Warn("audio probe failed", "artifact_id", id, "error", err)
	}

	e.ctrl.ReportProgress(id, 8)
	thumbOK := true
	if err := e.proc.Thumbnail(ctx, j.SpoolPath, thumbPath, duration); err != nil {
		logger.Warn("thumbnail generation failed", "artifact_id", id, "error", err)
		thumbOK = false
	}

	e.ctrl.ReportProgress(id, 9)
	previewOK := true
	if err := e.proc.Preview(ctx, j.SpoolPath, previewPath, duration); err != nil {
		logger.Warn("preview generation failed", "artifact_id", id, "error", err)
		previewOK = false
	}

	if e.ctrl.IsCanceled(id) {
		return finalizeCanceled()
	}

	e.ctrl.ForceProgress(id, 10)
	err = e.proc.SpeedUp(ctx, j.SpoolPath, outPath, hasAudio, func(p *os.Process) {
		e.ctrl.AttachProcess(id, p)
	})
	e.ctrl.DetachProcess(id)
	if err != nil {
		return fail(fmt.Errorf("transform: %w", err))
	}
	if e.ctrl.IsCanceled(id) {
		return finalizeCanceled()
	}
	e.ctrl.ForceProgress(id, 40)

	// The 2x variant halves the duration; re-probe only when the original
	// didn't report one.
	processedDuration := duration / 2
	if duration == 0 {
		if d, err := e.proc.Duration(ctx, outPath); err == nil {
			processedDuration = d
		}
	}

	folderID, err = e.drive.EnsurePath(ctx, j.HierarchyPath+"/"+folderLeaf(j.Title))
	if err != nil {
		return fail(fmt.Errorf("create artifact folder: %w", err))
	}
	e.ctrl.ForceProgress(id, 42)

	fileID, err := e.drive.UploadResumable(ctx, outPath, "Processed_"+j.OriginalName, folderID, "video/mp4", func(frac float64) {
		e.ctrl.ReportProgress(id, 42+int(frac*48))
	})
	if err != nil {
		return fail(fmt.Errorf("upload primary: %w", err))
	}
	if info, err := os.Stat(outPath); err == nil {
		metrics.Bytes(e.m, "upload", info.Size())
	}
	e.ctrl.ForceProgress(id, 92)

	var thumbRef, previewRef string
	if thumbOK {
		if thumbRef, err = e.drive.UploadResumable(ctx, thumbPath, drive.ThumbnailName, folderID, "image/jpeg", nil); err != nil {
			return fail(fmt.Errorf("upload thumbnail: %w", err))
		}
	}
	e.ctrl.ForceProgress(id, 95)
	if previewOK {
		if previewRef, err = e.drive.UploadResumable(ctx, previewPath, drive.PreviewName, folderID, "video/mp4", nil); err != nil {
			return fail(fmt.Errorf("upload preview: %w", err))
		}
	}
	e.ctrl.ForceProgress(id, 98)

	if e.ctrl.IsCanceled(id) {
		return finalizeCanceled()
	}

	// The commit is only valid while the uploaded primary is live.
	if ok, err := e.drive.Exists(ctx, fileID); err != nil || !ok {
		return fail(fmt.Errorf("uploaded object %s not visible at commit", fileID))
	}

	fields := map[string]any{
		"progress":         100,
		"error":            "",
		"remote_file_id":   fileID,
		"remote_folder_id": folderID,
	}
	if processedDuration > 0 {
		fields["duration_seconds"] = processedDuration
	}
	if thumbRef != "" {
		fields["thumbnail_ref"] = thumbRef
	}
	if previewRef != "" {
		fields["preview_ref"] = previewRef
	}
	if err := e.ctrl.CommitTransition(ctx, id, catalog.StatusCompleted, fields); err != nil {
		return fail(fmt.Errorf("commit: %w", err))
	}

	logger.Info("transcode completed", "artifact_id", id, "file_id", fileID, "folder_id", folderID)
	return "completed"
}
