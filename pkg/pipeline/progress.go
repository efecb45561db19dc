package pipeline

import (
	"context"
	"time"

	"github.com/mediavault/mediavault/internal/logger"
	"github.com/mediavault/mediavault/pkg/catalog"
)

const (
	throttleStep     = 3
	throttleInterval = time.Second
)

// ReportProgress publishes a progress value for the artifact. Updates within
// throttleStep points and throttleInterval of the last committed value are
// dropped. The catalog write is asynchronous and best-effort: a failed write
// is logged, never retried, and never blocks the calling worker.
func (c *Controller) ReportProgress(id uint, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	c.throttleMu.Lock()
	last, seen := c.marks[id]
	now := time.Now()
	if seen && pct-last.pct < throttleStep && now.Sub(last.at) < throttleInterval {
		c.throttleMu.Unlock()
		return
	}
	c.marks[id] = mark{pct: pct, at: now}
	c.throttleMu.Unlock()

	c.enqueueProgress(id, pct)
}

// ForceProgress publishes a progress value bypassing the throttle. Used for
// band boundaries that accompany a state change.
func (c *Controller) ForceProgress(id uint, pct int) {
	c.throttleMu.Lock()
	c.marks[id] = mark{pct: pct, at: time.Now()}
	c.throttleMu.Unlock()

	c.enqueueProgress(id, pct)
}

func (c *Controller) enqueueProgress(id uint, pct int) {
	write := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.SetProgress(ctx, id, pct); err != nil {
			logger.Debug("progress write dropped", "artifact_id", id, "progress", pct, "error", err)
		}
	}
	select {
	case c.writerFor(id) <- write:
	default:
		// Writer saturated; progress is best-effort.
	}
}

// CommitTransition moves the artifact to a new status through the writer
// pool, so it serializes with in-flight progress writes for the same
// artifact. State transitions must not be lost: a failed write is retried
// once before the error is returned.
func (c *Controller) CommitTransition(ctx context.Context, id uint, to catalog.Status, fields map[string]any) error {
	done := make(chan error, 1)
	write := func() {
		err := c.store.Transition(ctx, id, to, fields)
		if err != nil && ctx.Err() == nil {
			logger.Warn("transition write failed, retrying", "artifact_id", id, "to", to, "error", err)
			err = c.store.Transition(ctx, id, to, fields)
		}
		done <- err
	}

	select {
	case c.writerFor(id) <- write:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
