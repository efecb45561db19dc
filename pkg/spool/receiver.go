package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/mediavault/mediavault/internal/logger"
)

// Receiver assembles ordered chunk streams into spool files.
type Receiver struct {
	cfg Config
	db  *badger.DB

	// Per-upload locks so concurrent uploads append to disk independently.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewReceiver opens the metadata store under dir/meta and sweeps spool files
// orphaned by a previous run.
func NewReceiver(cfg Config) (*Receiver, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Dir, "meta")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open spool metadata store: %w", err)
	}

	r := &Receiver{cfg: cfg, db: db, locks: make(map[string]*sync.Mutex)}

	if err := sweepOrphans(cfg.Dir, cfg.TTL, r.hasMetaForName); err != nil {
		logger.Warn("spool orphan sweep failed", "error", err)
	}
	return r, nil
}

// Close shuts down the metadata store.
func (r *Receiver) Close() error { return r.db.Close() }

func keyMeta(uploadID string) []byte { return []byte("spool/" + SpoolName(uploadID)) }

func (r *Receiver) hasMetaForName(name string) bool {
	err := r.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("spool/" + name))
		return err
	})
	return err == nil
}

func (r *Receiver) lockFor(uploadID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[uploadID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[uploadID] = l
	}
	return l
}

func (r *Receiver) dropLock(uploadID string) {
	r.locksMu.Lock()
	delete(r.locks, uploadID)
	r.locksMu.Unlock()
}

func (r *Receiver) getMeta(uploadID string) (*Meta, error) {
	var m *Meta
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyMeta(uploadID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			m = &Meta{}
			return json.Unmarshal(val, m)
		})
	})
	return m, err
}

// putMeta writes the record with the TTL re-armed, implementing the
// last-touched retention floor.
func (r *Receiver) putMeta(uploadID string, m *Meta) error {
	return r.db.Update(func(txn *badger.Txn) error {
		val, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(keyMeta(uploadID), val).WithTTL(r.cfg.TTL))
	})
}

func (r *Receiver) deleteMeta(uploadID string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyMeta(uploadID))
	})
}

// AppendChunk appends one chunk to the upload's spool file.
//
// The first chunk creates the upload and captures the owner. Chunks must
// arrive in strictly ascending contiguous order starting at 0; a rejected
// append leaves the spool file byte-identical to its pre-call state.
func (r *Receiver) AppendChunk(ctx context.Context, owner, uploadID string, chunkIndex, totalChunks int, filename string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := r.lockFor(uploadID)
	l.Lock()
	defer l.Unlock()

	m, err := r.getMeta(uploadID)
	fresh := false
	switch {
	case err == ErrNotFound:
		fresh = true
		now := time.Now()
		m = &Meta{
			Owner:       owner,
			Filename:    filename,
			TotalChunks: totalChunks,
			CreatedAt:   now,
			LastTouched: now,
		}
	case err != nil:
		return fmt.Errorf("spool metadata read: %w", err)
	}

	if m.Owner != owner {
		return ErrUnauthorized
	}
	if chunkIndex != m.NextIndex {
		return fmt.Errorf("%w: expected %d, got %d", ErrOutOfOrder, m.NextIndex, chunkIndex)
	}
	if r.cfg.MaxUploadSize > 0 && m.CumulativeSize+int64(len(data)) > r.cfg.MaxUploadSize {
		return fmt.Errorf("%w: %d bytes over %d limit", ErrTooLarge, m.CumulativeSize+int64(len(data)), r.cfg.MaxUploadSize)
	}

	path := r.cfg.Path(uploadID)
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if fresh {
		// A new upload starts from an empty spool file; an expired upload may
		// have left bytes under the same hashed name.
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("open spool file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Truncate(path, m.CumulativeSize)
		return fmt.Errorf("append chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Truncate(path, m.CumulativeSize)
		return fmt.Errorf("append chunk: %w", err)
	}

	m.NextIndex++
	m.CumulativeSize += int64(len(data))
	m.TotalChunks = totalChunks
	m.LastTouched = time.Now()
	if err := r.putMeta(uploadID, m); err != nil {
		// Roll the file back so the metadata and bytes stay consistent.
		_ = os.Truncate(path, m.CumulativeSize-int64(len(data)))
		return fmt.Errorf("spool metadata write: %w", err)
	}
	return nil
}

// Complete validates that every chunk arrived, removes the metadata entry,
// and hands the spool file's ownership to the caller. At most one concurrent
// Complete for an upload id succeeds.
func (r *Receiver) Complete(ctx context.Context, owner, uploadID string, totalChunks int) (string, Meta, error) {
	if err := ctx.Err(); err != nil {
		return "", Meta{}, err
	}

	l := r.lockFor(uploadID)
	l.Lock()
	defer l.Unlock()

	m, err := r.getMeta(uploadID)
	if err != nil {
		return "", Meta{}, err
	}
	if m.Owner != owner {
		return "", Meta{}, ErrUnauthorized
	}
	if m.NextIndex != totalChunks {
		return "", Meta{}, fmt.Errorf("%w: %d of %d chunks received", ErrIncomplete, m.NextIndex, totalChunks)
	}

	if err := r.deleteMeta(uploadID); err != nil {
		return "", Meta{}, fmt.Errorf("spool metadata delete: %w", err)
	}
	r.dropLock(uploadID)
	return r.cfg.Path(uploadID), *m, nil
}

// Abort removes the spool file and its metadata. Idempotent.
func (r *Receiver) Abort(ctx context.Context, owner, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := r.lockFor(uploadID)
	l.Lock()
	defer l.Unlock()

	m, err := r.getMeta(uploadID)
	if err == ErrNotFound {
		_ = os.Remove(r.cfg.Path(uploadID))
		r.dropLock(uploadID)
		return nil
	}
	if err != nil {
		return err
	}
	if m.Owner != owner {
		return ErrUnauthorized
	}

	if err := r.deleteMeta(uploadID); err != nil {
		return err
	}
	_ = os.Remove(r.cfg.Path(uploadID))
	r.dropLock(uploadID)
	return nil
}
