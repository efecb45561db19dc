// Package drive adapts the Google Drive v3 API to the folder-and-blob
// contract the pipeline depends on: hierarchical path navigation with lazy
// folder creation, resumable chunked uploads, byte-range downloads, and
// move/rename/delete.
//
// The pipeline and its tests never touch the SDK directly; they consume the
// Store interface.
package drive

import (
	"context"
	"errors"
	"io"
	"time"
)

// Chunk sizes used by the adapter. Uploads go up in 10MiB chunks, downloads
// come back in ~2MiB chunks.
const (
	UploadChunkSize   = 10 * 1024 * 1024
	DownloadChunkSize = 2 * 1024 * 1024
)

// Companion names recognized when flattening a wrapping folder.
const (
	ThumbnailName = "thumbnail.jpg"
	PreviewName   = "preview.mp4"
)

// FolderMimeType is the Drive MIME type marking folders.
const FolderMimeType = "application/vnd.google-apps.folder"

var (
	// ErrPathNotFound is returned by ResolvePath when a path segment is
	// missing.
	ErrPathNotFound = errors.New("path not found in object store")

	// ErrNotFound is returned when a file or folder id does not exist.
	ErrNotFound = errors.New("object not found in store")
)

// ChildFilter selects which children ListChildren returns.
type ChildFilter string

const (
	FilterVideo ChildFilter = "video"
	FilterPDF   ChildFilter = "pdf"
	FilterAny   ChildFilter = "any"
)

// ChildShape distinguishes the two layouts a child can have.
type ChildShape int

const (
	// ShapeBare is a file sitting directly in the scope folder.
	ShapeBare ChildShape = iota

	// ShapeWrapped is a file found inside a subfolder that wraps a single
	// primary plus optional companion assets. The listing surfaces the
	// primary, flattened, with the wrapping folder and asset ids attached.
	ShapeWrapped
)

// Child is one direct child of a folder. Shape tags which layout it came
// from; ContainerFolderID, ThumbnailID and PreviewID are only meaningful for
// ShapeWrapped.
type Child struct {
	Shape ChildShape

	ID        string
	Name      string
	Size      int64
	Mime      string
	CreatedAt time.Time

	// DurationSeconds is the media duration when the store surfaces it,
	// 0 otherwise.
	DurationSeconds float64

	ContainerFolderID string
	ThumbnailID       string
	PreviewID         string
}

// Metadata is the result of a single-round-trip metadata lookup.
type Metadata struct {
	Size int64
	Mime string
}

// Store is the object-store contract consumed by the pipeline.
//
// All write operations must be tolerated as retried-after-crash by callers;
// the adapter never caches folder ids across invocations because
// reconciliation depends on fresh lookups.
type Store interface {
	// ResolvePath walks the /-separated path from the configured root without
	// creating anything. Returns ErrPathNotFound if any segment is missing.
	ResolvePath(ctx context.Context, path string) (string, error)

	// EnsurePath walks the path, creating missing segments as folders, and
	// returns the leaf folder id.
	EnsurePath(ctx context.Context, path string) (string, error)

	// ListChildren returns direct children matching the filter, flattening
	// the wrapped-subfolder layout into ShapeWrapped children.
	ListChildren(ctx context.Context, folderID string, filter ChildFilter) ([]Child, error)

	// UploadResumable uploads a local file in UploadChunkSize chunks.
	// progress, when non-nil, receives a 0.0..1.0 fraction after each chunk
	// and is guaranteed a final 1.0 call.
	UploadResumable(ctx context.Context, localPath, name, parentFolderID, mime string, progress func(float64)) (string, error)

	// DownloadRange streams bytes [start, end] inclusive. end < 0 streams to
	// EOF. The reader yields data in roughly DownloadChunkSize chunks; close
	// it to abandon the transfer.
	DownloadRange(ctx context.Context, fileID string, start, end int64) (io.ReadCloser, error)

	// GetMetadata fetches size and MIME type in a single round trip.
	GetMetadata(ctx context.Context, fileID string) (Metadata, error)

	// Exists reports whether the id refers to a live (non-trashed) object.
	Exists(ctx context.Context, id string) (bool, error)

	// Rename changes the display name of a file or folder.
	Rename(ctx context.Context, id, newName string) error

	// Move reparents a file under newParentID.
	Move(ctx context.Context, fileID, newParentID string) error

	// DeleteFile removes a file. Deleting an id that is already gone is not
	// an error.
	DeleteFile(ctx context.Context, id string) error

	// DeleteFolder removes a folder and everything beneath it.
	DeleteFolder(ctx context.Context, id string) error
}
