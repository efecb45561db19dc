// Package spool implements the chunked resumable upload receiver. Chunks are
// appended to a local spool file; per-upload metadata lives in a badger store
// whose entry TTL enforces the spool retention floor, so abandoned uploads
// expire without a sweeper.
package spool

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultTTL is the spool retention floor since last touch.
const DefaultTTL = 24 * time.Hour

var (
	// ErrUnauthorized is returned when a chunk's owner does not match the
	// owner captured at the first chunk.
	ErrUnauthorized = errors.New("upload belongs to a different owner")

	// ErrOutOfOrder is returned when a chunk index breaks the strictly
	// contiguous ascending order.
	ErrOutOfOrder = errors.New("chunk out of order")

	// ErrTooLarge is returned when an append would push the spool past the
	// configured maximum upload size.
	ErrTooLarge = errors.New("upload exceeds maximum size")

	// ErrIncomplete is returned by Complete when chunks are missing.
	ErrIncomplete = errors.New("upload incomplete")

	// ErrNotFound is returned for an unknown or expired upload id.
	ErrNotFound = errors.New("unknown upload")
)

// Config holds receiver configuration.
type Config struct {
	// Dir is the directory spool files are written under.
	Dir string

	// TTL bounds how long an untouched upload is retained.
	TTL time.Duration

	// MaxUploadSize caps the cumulative spool size in bytes.
	MaxUploadSize int64
}

// Meta is the per-upload bookkeeping record.
type Meta struct {
	Owner          string    `json:"owner"`
	Filename       string    `json:"filename"`
	TotalChunks    int       `json:"total_chunks"`
	NextIndex      int       `json:"next_index"`
	CumulativeSize int64     `json:"cumulative_size"`
	CreatedAt      time.Time `json:"created_at"`
	LastTouched    time.Time `json:"last_touched"`
}

// SpoolName derives the on-disk file name for an upload id. Caller-supplied
// tokens never reach the filesystem directly.
func SpoolName(uploadID string) string {
	sum := sha256.Sum256([]byte(uploadID))
	return hex.EncodeToString(sum[:])
}

// Path returns the spool file path for an upload id.
func (c Config) Path(uploadID string) string {
	return filepath.Join(c.Dir, SpoolName(uploadID))
}

// sweepOrphans removes spool files older than the TTL that have no metadata
// entry. Runs once at startup; during operation badger expiry plus abort and
// complete keep directory and store aligned.
func sweepOrphans(dir string, ttl time.Duration, hasMeta func(name string) bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read spool dir: %w", err)
	}
	cutoff := time.Now().Add(-ttl)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) || hasMeta(e.Name()) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, e.Name()))
	}
	return nil
}
