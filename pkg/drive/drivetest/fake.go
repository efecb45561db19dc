// Package drivetest provides an in-memory Store implementation for tests.
package drivetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mediavault/mediavault/pkg/drive"
)

type node struct {
	id      string
	name    string
	parent  string
	folder  bool
	mime    string
	data    []byte
	created time.Time
	trashed bool
}

// Fake is an in-memory folder-and-blob store. Safe for concurrent use.
type Fake struct {
	mu     sync.Mutex
	nodes  map[string]*node
	nextID int

	// RootID is the configured root folder.
	RootID string

	// UploadErr and DownloadErr, when set, are returned by the respective
	// operations. Used to exercise failure paths.
	UploadErr   error
	DownloadErr error
}

var _ drive.Store = (*Fake)(nil)

// New creates an empty fake store with a root folder.
func New() *Fake {
	f := &Fake{nodes: make(map[string]*node)}
	f.RootID = f.addNode(&node{name: "root", folder: true})
	return f
}

func (f *Fake) addNode(n *node) string {
	f.nextID++
	n.id = fmt.Sprintf("id-%d", f.nextID)
	if n.created.IsZero() {
		n.created = time.Now()
	}
	f.nodes[n.id] = n
	return n.id
}

// CreateFolder adds a folder under parentID and returns its id.
func (f *Fake) CreateFolder(parentID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addNode(&node{name: name, parent: parentID, folder: true, mime: drive.FolderMimeType})
}

// PutFile adds a file with the given contents and returns its id.
func (f *Fake) PutFile(parentID, name, mime string, data []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addNode(&node{name: name, parent: parentID, mime: mime, data: append([]byte(nil), data...)})
}

// FileData returns a copy of a file's contents, or nil if absent.
func (f *Fake) FileData(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok || n.folder {
		return nil
	}
	return append([]byte(nil), n.data...)
}

// FileName returns a node's current name, or "" if absent.
func (f *Fake) FileName(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[id]; ok {
		return n.name
	}
	return ""
}

// ParentOf returns a node's parent folder id, or "" if absent.
func (f *Fake) ParentOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[id]; ok {
		return n.parent
	}
	return ""
}

// ChildIDs lists the ids of a folder's live direct children.
func (f *Fake) ChildIDs(folderID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, n := range f.nodes {
		if n.parent == folderID && !n.trashed {
			ids = append(ids, n.id)
		}
	}
	return ids
}

func (f *Fake) childByName(parentID, name string, folder bool) *node {
	for _, n := range f.nodes {
		if n.parent == parentID && n.name == name && n.folder == folder && !n.trashed {
			return n
		}
	}
	return nil
}

func (f *Fake) ResolvePath(_ context.Context, path string) (string, error) {
	segments, err := drive.SplitPath(path)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	current := f.RootID
	for _, name := range segments {
		n := f.childByName(current, name, true)
		if n == nil {
			return "", fmt.Errorf("%w: %q", drive.ErrPathNotFound, path)
		}
		current = n.id
	}
	return current, nil
}

func (f *Fake) EnsurePath(_ context.Context, path string) (string, error) {
	segments, err := drive.SplitPath(path)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	current := f.RootID
	for _, name := range segments {
		n := f.childByName(current, name, true)
		if n == nil {
			id := f.addNode(&node{name: name, parent: current, folder: true, mime: drive.FolderMimeType})
			current = id
		} else {
			current = n.id
		}
	}
	return current, nil
}

func (f *Fake) ListChildren(_ context.Context, folderID string, filter drive.ChildFilter) ([]drive.Child, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	matches := func(mime string) bool {
		switch filter {
		case drive.FilterVideo:
			return strings.HasPrefix(mime, "video/")
		case drive.FilterPDF:
			return mime == "application/pdf"
		default:
			return true
		}
	}

	var children []drive.Child
	for _, n := range f.nodes {
		if n.parent != folderID || n.trashed {
			continue
		}
		if !n.folder {
			if matches(n.mime) {
				children = append(children, drive.Child{
					Shape:     drive.ShapeBare,
					ID:        n.id,
					Name:      n.name,
					Size:      int64(len(n.data)),
					Mime:      n.mime,
					CreatedAt: n.created,
				})
			}
			continue
		}

		// Wrapping subfolder: primary + companions.
		var primary *node
		var thumbID, prevID string
		for _, inner := range f.nodes {
			if inner.parent != n.id || inner.trashed || inner.folder {
				continue
			}
			switch {
			case inner.name == drive.ThumbnailName:
				thumbID = inner.id
			case inner.name == drive.PreviewName:
				prevID = inner.id
			case matches(inner.mime):
				primary = inner
			}
		}
		if primary == nil {
			continue
		}
		children = append(children, drive.Child{
			Shape:             drive.ShapeWrapped,
			ID:                primary.id,
			Name:              primary.name,
			Size:              int64(len(primary.data)),
			Mime:              primary.mime,
			CreatedAt:         n.created,
			ContainerFolderID: n.id,
			ThumbnailID:       thumbID,
			PreviewID:         prevID,
		})
	}
	return children, nil
}

func (f *Fake) UploadResumable(_ context.Context, localPath, name, parentFolderID, mime string, progress func(float64)) (string, error) {
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}

	if progress != nil {
		// Emit one fraction per chunk, as the real adapter does.
		total := int64(len(data))
		for off := int64(0); off < total; off += drive.UploadChunkSize {
			sent := off + drive.UploadChunkSize
			if sent > total {
				sent = total
			}
			progress(float64(sent) / float64(total))
		}
		progress(1.0)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addNode(&node{name: name, parent: parentFolderID, mime: mime, data: data}), nil
}

func (f *Fake) DownloadRange(_ context.Context, fileID string, start, end int64) (io.ReadCloser, error) {
	if f.DownloadErr != nil {
		return nil, f.DownloadErr
	}
	f.mu.Lock()
	n, ok := f.nodes[fileID]
	f.mu.Unlock()
	if !ok || n.folder || n.trashed {
		return nil, drive.ErrNotFound
	}

	size := int64(len(n.data))
	if start < 0 || start > size {
		return nil, fmt.Errorf("range start %d out of bounds", start)
	}
	if end < 0 || end >= size {
		end = size - 1
	}
	if end < start {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return io.NopCloser(bytes.NewReader(n.data[start : end+1])), nil
}

func (f *Fake) GetMetadata(_ context.Context, fileID string) (drive.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[fileID]
	if !ok || n.trashed {
		return drive.Metadata{}, drive.ErrNotFound
	}
	return drive.Metadata{Size: int64(len(n.data)), Mime: n.mime}, nil
}

func (f *Fake) Exists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	return ok && !n.trashed, nil
}

func (f *Fake) Rename(_ context.Context, id, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok || n.trashed {
		return drive.ErrNotFound
	}
	n.name = newName
	return nil
}

func (f *Fake) Move(_ context.Context, fileID, newParentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[fileID]
	if !ok || n.trashed {
		return drive.ErrNotFound
	}
	n.parent = newParentID
	return nil
}

func (f *Fake) DeleteFile(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, id)
	return nil
}

func (f *Fake) DeleteFolder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteTree(id)
	return nil
}

func (f *Fake) deleteTree(id string) {
	for _, n := range f.nodes {
		if n.parent == id {
			f.deleteTree(n.id)
		}
	}
	delete(f.nodes, id)
}
