// Package reconcile diffs the catalog against the object store, per scope
// path, in both directions: rows whose remote object vanished are removed,
// and objects unknown to the catalog are imported as completed artifacts.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mediavault/mediavault/internal/logger"
	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/drive"
	"github.com/mediavault/mediavault/pkg/metrics"
	"github.com/mediavault/mediavault/pkg/transcode"
)

// DefaultConcurrency bounds how many scope paths reconcile at once.
const DefaultConcurrency = 4

// Counters totals the net effect of one reconciliation run.
type Counters struct {
	VideosAdded   int `json:"videos_added"`
	VideosRemoved int `json:"videos_removed"`
	PDFsAdded     int `json:"pdfs_added"`
	PDFsRemoved   int `json:"pdfs_removed"`
}

func (c Counters) add(o Counters) Counters {
	c.VideosAdded += o.VideosAdded
	c.VideosRemoved += o.VideosRemoved
	c.PDFsAdded += o.PDFsAdded
	c.PDFsRemoved += o.PDFsRemoved
	return c
}

// Result is what a multi-path run reports: aggregate counters plus a
// per-path error message for every path that could not be reconciled.
type Result struct {
	Counters
	PathErrors map[string]string `json:"path_errors,omitempty"`
}

// SyncEnqueuer queues metadata backfill jobs for imported artifacts that are
// missing derived assets. Satisfied by *transcode.Engine.
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, j transcode.SyncJob) error
}

// Config tunes the reconciler.
type Config struct {
	// Concurrency bounds the parallel per-path fan-out. Zero means
	// DefaultConcurrency.
	Concurrency int
}

// Reconciler runs the per-path diff. Safe for concurrent use.
type Reconciler struct {
	store  *catalog.Store
	drive  drive.Store
	engine SyncEnqueuer
	m      metrics.PipelineMetrics
	cfg    Config
}

// New builds a reconciler. engine may be nil; imported videos then skip the
// metadata backfill.
func New(store *catalog.Store, dr drive.Store, engine SyncEnqueuer, m metrics.PipelineMetrics, cfg Config) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Reconciler{store: store, drive: dr, engine: engine, m: m, cfg: cfg}
}

// ReconcileAll reconciles every path the owner has artifacts under, fanning
// out with bounded concurrency. Path failures are collected, not fatal.
func (r *Reconciler) ReconcileAll(ctx context.Context, owner string) (Result, error) {
	paths, err := r.store.DistinctPaths(ctx, owner)
	if err != nil {
		return Result{}, fmt.Errorf("list scope paths: %w", err)
	}

	var (
		mu  sync.Mutex
		res = Result{PathErrors: map[string]string{}}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, path := range paths {
		g.Go(func() error {
			c, err := r.ReconcilePath(gctx, owner, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.PathErrors[path] = err.Error()
				return nil
			}
			res.Counters = res.Counters.add(c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if len(res.PathErrors) == 0 {
		res.PathErrors = nil
	}
	return res, nil
}

// ReconcilePath reconciles a single scope path for one owner.
func (r *Reconciler) ReconcilePath(ctx context.Context, owner, path string) (Counters, error) {
	folderID, err := r.drive.ResolvePath(ctx, path)
	if errors.Is(err, drive.ErrPathNotFound) {
		return r.purgePath(ctx, owner, path)
	}
	if err != nil {
		return Counters{}, fmt.Errorf("resolve %q: %w", path, err)
	}

	var c Counters

	videos, err := r.reconcileKind(ctx, owner, path, folderID, catalog.KindVideo)
	if err != nil {
		return c, err
	}
	c = c.add(videos)

	pdfs, err := r.reconcileKind(ctx, owner, path, folderID, catalog.KindPDF)
	if err != nil {
		return c, err
	}
	c = c.add(pdfs)

	r.recordCounters(c)
	if c != (Counters{}) {
		logger.Info("reconciled path",
			"path", path,
			"videos_added", c.VideosAdded,
			"videos_removed", c.VideosRemoved,
			"pdfs_added", c.PDFsAdded,
			"pdfs_removed", c.PDFsRemoved)
	}
	return c, nil
}

// purgePath removes every row under a path whose scope folder no longer
// exists in the object store.
func (r *Reconciler) purgePath(ctx context.Context, owner, path string) (Counters, error) {
	var c Counters
	for _, kind := range []catalog.Kind{catalog.KindVideo, catalog.KindPDF, catalog.KindOther} {
		rows, err := r.store.ListByPath(ctx, owner, path, kind)
		if err != nil {
			return c, fmt.Errorf("list %s rows at %q: %w", kind, path, err)
		}
		for _, row := range rows {
			if err := r.store.DeleteArtifact(ctx, row.ID); err != nil && !errors.Is(err, catalog.ErrArtifactNotFound) {
				return c, fmt.Errorf("purge artifact %d: %w", row.ID, err)
			}
			switch kind {
			case catalog.KindVideo:
				c.VideosRemoved++
			case catalog.KindPDF:
				c.PDFsRemoved++
			}
		}
	}
	r.recordCounters(c)
	logger.Warn("scope folder gone, purged catalog rows", "path", path,
		"videos", c.VideosRemoved, "pdfs", c.PDFsRemoved)
	return c, nil
}

// reconcileKind diffs one kind at one path: removes rows whose object is
// gone, then imports store children the catalog does not know.
func (r *Reconciler) reconcileKind(ctx context.Context, owner, path, folderID string, kind catalog.Kind) (Counters, error) {
	filter := drive.FilterVideo
	if kind == catalog.KindPDF {
		filter = drive.FilterPDF
	}

	children, err := r.drive.ListChildren(ctx, folderID, filter)
	if err != nil {
		return Counters{}, fmt.Errorf("list %s children of %q: %w", kind, path, err)
	}

	childIDs := make(map[string]bool, len(children))
	containerIDs := make(map[string]bool)
	for _, ch := range children {
		childIDs[ch.ID] = true
		if ch.ContainerFolderID != "" {
			containerIDs[ch.ContainerFolderID] = true
		}
	}

	rows, err := r.store.ListByPath(ctx, owner, path, kind)
	if err != nil {
		return Counters{}, fmt.Errorf("list %s rows at %q: %w", kind, path, err)
	}

	var c Counters
	known := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.RemoteFileID == "" {
			// Not uploaded yet (pending, failed or mid-flight). Leave it to
			// its job.
			continue
		}

		present := childIDs[row.RemoteFileID] ||
			(row.RemoteFolderID != "" && containerIDs[row.RemoteFolderID])
		if !present {
			// The listing can lag; confirm against the store before deleting.
			present, err = r.stillExists(ctx, row)
			if err != nil {
				return c, err
			}
		}
		if !present {
			logger.Info("removing artifact, object gone from store",
				"artifact_id", row.ID, "title", row.Title, "kind", kind)
			if err := r.store.DeleteArtifact(ctx, row.ID); err != nil && !errors.Is(err, catalog.ErrArtifactNotFound) {
				return c, fmt.Errorf("delete artifact %d: %w", row.ID, err)
			}
			if kind == catalog.KindVideo {
				c.VideosRemoved++
			} else {
				c.PDFsRemoved++
			}
			continue
		}
		known[row.RemoteFileID] = true
	}

	// Stable import order keeps repeated runs deterministic.
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	for _, ch := range children {
		if known[ch.ID] {
			continue
		}
		id, err := r.importChild(ctx, owner, path, kind, ch)
		if err != nil {
			return c, err
		}
		if kind == catalog.KindVideo {
			c.VideosAdded++
			r.maybeEnqueueSync(ctx, id, ch)
		} else {
			c.PDFsAdded++
		}
	}
	return c, nil
}

// stillExists confirms the remote objects behind a row are really gone,
// preferring the wrapping folder id when the row has one.
func (r *Reconciler) stillExists(ctx context.Context, row *catalog.Artifact) (bool, error) {
	id := row.RemoteFileID
	if row.RemoteFolderID != "" {
		id = row.RemoteFolderID
	}
	ok, err := r.drive.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("confirm artifact %d absence: %w", row.ID, err)
	}
	return ok, nil
}

// importChild creates a COMPLETED row for an object the store has and the
// catalog does not.
func (r *Reconciler) importChild(ctx context.Context, owner, path string, kind catalog.Kind, ch drive.Child) (uint, error) {
	a := &catalog.Artifact{
		Owner:           owner,
		Kind:            kind,
		Title:           ch.Name,
		HierarchyPath:   path,
		Status:          catalog.StatusCompleted,
		Progress:        100,
		RemoteFileID:    ch.ID,
		RemoteFolderID:  ch.ContainerFolderID,
		SizeBytes:       ch.Size,
		MimeType:        ch.Mime,
		DurationSeconds: ch.DurationSeconds,
		ThumbnailRef:    ch.ThumbnailID,
		PreviewRef:      ch.PreviewID,
	}
	id, err := r.store.CreateArtifact(ctx, a)
	if err != nil {
		return 0, fmt.Errorf("import %q at %q: %w", ch.Name, path, err)
	}
	logger.Info("imported artifact from store", "artifact_id", id,
		"title", ch.Name, "kind", kind, "path", path)
	return id, nil
}

// maybeEnqueueSync queues a metadata backfill when an imported video is
// missing a derived asset or its duration.
func (r *Reconciler) maybeEnqueueSync(ctx context.Context, id uint, ch drive.Child) {
	if r.engine == nil {
		return
	}
	if ch.ThumbnailID != "" && ch.PreviewID != "" && ch.DurationSeconds > 0 {
		return
	}
	if err := r.engine.EnqueueSync(ctx, transcode.SyncJob{ArtifactID: id}); err != nil {
		logger.Warn("enqueue metadata backfill failed", "artifact_id", id, "error", err)
	}
}

func (r *Reconciler) recordCounters(c Counters) {
	metrics.Reconcile(r.m, "videos_added", c.VideosAdded)
	metrics.Reconcile(r.m, "videos_removed", c.VideosRemoved)
	metrics.Reconcile(r.m, "pdfs_added", c.PDFsAdded)
	metrics.Reconcile(r.m, "pdfs_removed", c.PDFsRemoved)
}
