// Package pipeline holds the process-wide coordination state for active
// ingest and transcode work: the job registry, the cancel set, the throttled
// progress writer, and the rolling download speed estimates. A single
// Controller is created at process start and passed explicitly to every
// component that runs jobs.
package pipeline

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/mediavault/mediavault/pkg/catalog"
)

// CatalogWriter is the slice of the catalog the controller writes through.
type CatalogWriter interface {
	SetProgress(ctx context.Context, id uint, progress int) error
	Transition(ctx context.Context, id uint, to catalog.Status, fields map[string]any) error
}

// Ticket is the in-memory handle for one active job.
type Ticket struct {
	ArtifactID uint
	SpoolPath  string
	OutputPath string

	proc *os.Process
}

// Config tunes the controller's writer pool.
type Config struct {
	// DBWriters is the number of catalog writer goroutines. Writes for one
	// artifact always land on the same writer, so per-artifact ordering holds.
	DBWriters int
}

const defaultDBWriters = 2

type mark struct {
	pct int
	at  time.Time
}

// Controller coordinates every active job in the process.
type Controller struct {
	store CatalogWriter

	mu       sync.Mutex
	jobs     map[uint]*Ticket
	canceled map[uint]struct{}

	throttleMu sync.Mutex
	marks      map[uint]mark

	speedMu sync.Mutex
	speeds  map[uint]*speedWindow

	writers []chan func()
	wg      sync.WaitGroup
}

// NewController creates the controller and starts its writer pool.
func NewController(store CatalogWriter, cfg Config) *Controller {
	n := cfg.DBWriters
	if n <= 0 {
		n = defaultDBWriters
	}
	c := &Controller{
		store:    store,
		jobs:     make(map[uint]*Ticket),
		canceled: make(map[uint]struct{}),
		marks:    make(map[uint]mark),
		speeds:   make(map[uint]*speedWindow),
		writers:  make([]chan func(), n),
	}
	for i := range c.writers {
		ch := make(chan func(), 64)
		c.writers[i] = ch
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for fn := range ch {
				fn()
			}
		}()
	}
	return c
}

// Close drains the writer pool. Pending writes complete before it returns.
func (c *Controller) Close() {
	for _, ch := range c.writers {
		close(ch)
	}
	c.wg.Wait()
}

// Register records a ticket for the artifact. A previously set cancel flag
// survives registration so a cancel racing the job start still lands.
func (c *Controller) Register(t *Ticket) {
	c.mu.Lock()
	c.jobs[t.ArtifactID] = t
	c.mu.Unlock()
}

// AttachProcess records the live subprocess for the artifact's ticket. If the
// job was cancelled while the process was being spawned, the process is
// terminated immediately.
func (c *Controller) AttachProcess(id uint, p *os.Process) {
	c.mu.Lock()
	t, ok := c.jobs[id]
	if ok {
		t.proc = p
	}
	_, cancelled := c.canceled[id]
	c.mu.Unlock()

	if cancelled && p != nil {
		_ = p.Kill()
	}
}

// DetachProcess clears the subprocess handle after the owning worker harvests
// it.
func (c *Controller) DetachProcess(id uint) {
	c.mu.Lock()
	if t, ok := c.jobs[id]; ok {
		t.proc = nil
	}
	c.mu.Unlock()
}

// Lookup returns a copy of the artifact's ticket.
func (c *Controller) Lookup(id uint) (Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.jobs[id]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

// Cancel flags the artifact for cancellation and terminates its registered
// subprocess if one is alive. Reports whether an active job was found.
func (c *Controller) Cancel(id uint) bool {
	c.mu.Lock()
	t, found := c.jobs[id]
	c.canceled[id] = struct{}{}
	var proc *os.Process
	if found {
		proc = t.proc
	}
	c.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
	c.ResetSpeed(id)
	return found
}

// IsCanceled reports whether the artifact has been flagged for cancellation.
func (c *Controller) IsCanceled(id uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.canceled[id]
	return ok
}

// Unregister removes every trace of the artifact from the controller. Called
// by the owning worker once the job reaches a terminal state.
func (c *Controller) Unregister(id uint) {
	c.mu.Lock()
	delete(c.jobs, id)
	delete(c.canceled, id)
	c.mu.Unlock()

	c.throttleMu.Lock()
	delete(c.marks, id)
	c.throttleMu.Unlock()

	c.ResetSpeed(id)
}

// ActiveJobs returns the ids of all registered jobs.
func (c *Controller) ActiveJobs() []uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint, 0, len(c.jobs))
	for id := range c.jobs {
		ids = append(ids, id)
	}
	return ids
}

func (c *Controller) writerFor(id uint) chan func() {
	return c.writers[int(id)%len(c.writers)]
}
