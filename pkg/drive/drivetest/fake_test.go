package drivetest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/mediavault/mediavault/pkg/drive"
)

func TestEnsureAndResolvePath(t *testing.T) {
	f := New()
	ctx := context.Background()

	id, err := f.EnsurePath(ctx, "gate/dsp/ch1")
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := f.ResolvePath(ctx, "gate/dsp/ch1")
	if err != nil {
		t.Fatal(err)
	}
	if resolved != id {
		t.Errorf("resolved %s, ensured %s", resolved, id)
	}

	if _, err := f.ResolvePath(ctx, "gate/missing"); !errors.Is(err, drive.ErrPathNotFound) {
		t.Errorf("got %v, want ErrPathNotFound", err)
	}

	// EnsurePath is idempotent.
	again, _ := f.EnsurePath(ctx, "gate/dsp/ch1")
	if again != id {
		t.Errorf("second ensure created a duplicate: %s vs %s", again, id)
	}
}

func TestListChildrenShapes(t *testing.T) {
	f := New()
	ctx := context.Background()
	scope, _ := f.EnsurePath(ctx, "gate/dsp")

	bare := f.PutFile(scope, "loose.mp4", "video/mp4", []byte("vid"))
	wrap := f.CreateFolder(scope, "Lecture 1")
	primary := f.PutFile(wrap, "Processed_Lecture 1.mp4", "video/mp4", []byte("vvv"))
	thumb := f.PutFile(wrap, drive.ThumbnailName, "image/jpeg", []byte("jpg"))
	f.PutFile(scope, "notes.pdf", "application/pdf", []byte("pdf"))

	children, err := f.ListChildren(ctx, scope, drive.FilterVideo)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("got %d video children, want 2", len(children))
	}

	byID := map[string]drive.Child{}
	for _, c := range children {
		byID[c.ID] = c
	}
	if c, ok := byID[bare]; !ok || c.Shape != drive.ShapeBare {
		t.Errorf("bare child missing or mis-shaped: %+v", c)
	}
	if c, ok := byID[primary]; !ok || c.Shape != drive.ShapeWrapped ||
		c.ContainerFolderID != wrap || c.ThumbnailID != thumb || c.PreviewID != "" {
		t.Errorf("wrapped child wrong: %+v", c)
	}
}

func TestDownloadRange(t *testing.T) {
	f := New()
	ctx := context.Background()
	id := f.PutFile(f.RootID, "blob", "application/octet-stream", []byte("0123456789"))

	rc, err := f.DownloadRange(ctx, id, 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(rc)
	if string(got) != "2345" {
		t.Errorf("range body = %q", got)
	}

	rc, _ = f.DownloadRange(ctx, id, 4, -1)
	got, _ = io.ReadAll(rc)
	if string(got) != "456789" {
		t.Errorf("open-ended body = %q", got)
	}
}

func TestUploadProgressReachesOne(t *testing.T) {
	f := New()
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	var last float64
	id, err := f.UploadResumable(ctx, src, "up.bin", f.RootID, "application/octet-stream", func(fr float64) {
		if fr < last {
			t.Errorf("progress went backwards: %f -> %f", last, fr)
		}
		last = fr
	})
	if err != nil {
		t.Fatal(err)
	}
	if last != 1.0 {
		t.Errorf("final progress = %f, want 1.0", last)
	}
	if string(f.FileData(id)) != "payload" {
		t.Errorf("stored data mismatch")
	}
}

func TestDeleteFolderRecursive(t *testing.T) {
	f := New()
	ctx := context.Background()
	folder, _ := f.EnsurePath(ctx, "gate/dsp/Lecture 1")
	inner := f.PutFile(folder, "a.mp4", "video/mp4", nil)

	if err := f.DeleteFolder(ctx, folder); err != nil {
		t.Fatal(err)
	}
	if ok, _ := f.Exists(ctx, inner); ok {
		t.Error("inner file survived folder delete")
	}
	if ok, _ := f.Exists(ctx, folder); ok {
		t.Error("folder survived delete")
	}
	// Idempotent.
	if err := f.DeleteFolder(ctx, folder); err != nil {
		t.Errorf("second delete: %v", err)
	}
}
