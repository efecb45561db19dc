package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/drive/drivetest"
	"github.com/mediavault/mediavault/pkg/pipeline"
)

type fakeProcessor struct {
	duration    float64
	hasAudio    bool
	speedUpErr  error
	speedUpHook func()
}

func (f *fakeProcessor) HasAudio(context.Context, string) (bool, error) {
	return f.hasAudio, nil
}

func (f *fakeProcessor) Duration(context.Context, string) (float64, error) {
	return f.duration, nil
}

func (f *fakeProcessor) Thumbnail(_ context.Context, _, out string, _ float64) error {
	return os.WriteFile(out, []byte("jpeg-frame"), 0o600)
}

func (f *fakeProcessor) Preview(_ context.Context, _, out string, _ float64) error {
	return os.WriteFile(out, []byte("preview-clip"), 0o600)
}

func (f *fakeProcessor) SpeedUp(_ context.Context, _, out string, _ bool, _ func(*os.Process)) error {
	if f.speedUpHook != nil {
		f.speedUpHook()
	}
	if f.speedUpErr != nil {
		return f.speedUpErr
	}
	return os.WriteFile(out, []byte("processed-video"), 0o600)
}

type engineFixture struct {
	engine *Engine
	store  *catalog.Store
	drive  *drivetest.Fake
	ctrl   *pipeline.Controller
	proc   *fakeProcessor
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	store, err := catalog.Open(&catalog.Config{
		Type:   catalog.DatabaseTypeSQLite,
		SQLite: catalog.SQLiteConfig{Path: filepath.Join(t.TempDir(), "catalog.db")},
	})
	require.NoError(t, err)

	fake := drivetest.New()
	ctrl := pipeline.NewController(store, pipeline.Config{})
	proc := &fakeProcessor{duration: 42}
	engine := New(store, fake, ctrl, proc, nil, Config{Workers: 1, TempDir: t.TempDir()})
	require.NoError(t, engine.Start(context.Background()))

	t.Cleanup(func() {
		engine.Stop()
		ctrl.Close()
		_ = store.Close()
	})
	return &engineFixture{engine: engine, store: store, drive: fake, ctrl: ctrl, proc: proc}
}

func (fx *engineFixture) seedArtifact(t *testing.T, title string) uint {
	t.Helper()
	id, err := fx.store.CreateArtifact(context.Background(), &catalog.Artifact{
		Owner:         "alice",
		Kind:          catalog.KindVideo,
		Title:         title,
		HierarchyPath: "math/algebra/limits",
		Status:        catalog.StatusPending,
	})
	require.NoError(t, err)
	return id
}

func (fx *engineFixture) writeSpool(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spool")
	require.NoError(t, os.WriteFile(path, []byte("raw-video-bytes"), 0o600))
	return path
}

func (fx *engineFixture) waitTerminal(t *testing.T, id uint) *catalog.Artifact {
	t.Helper()
	var a *catalog.Artifact
	require.Eventually(t, func() bool {
		var err error
		a, err = fx.store.GetArtifact(context.Background(), id)
		return err == nil && a.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)
	return a
}

func TestTranscodeHappyPath(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	id := fx.seedArtifact(t, "lesson.mp4")
	spool := fx.writeSpool(t)
	require.NoError(t, fx.engine.Enqueue(ctx, TranscodeJob{
		ArtifactID:    id,
		SpoolPath:     spool,
		OriginalName:  "lesson.mp4",
		Title:         "lesson.mp4",
		HierarchyPath: "math/algebra/limits",
	}))

	a := fx.waitTerminal(t, id)
	require.Equal(t, catalog.StatusCompleted, a.Status)
	assert.Equal(t, 100, a.Progress)
	assert.InDelta(t, 21.0, a.DurationSeconds, 0.001, "2x variant halves the duration")
	assert.NotEmpty(t, a.RemoteFileID)
	assert.NotEmpty(t, a.ThumbnailRef)
	assert.NotEmpty(t, a.PreviewRef)

	folderID, err := fx.drive.ResolvePath(ctx, "math/algebra/limits/lesson")
	require.NoError(t, err)
	assert.Equal(t, folderID, a.RemoteFolderID)
	assert.Len(t, fx.drive.ChildIDs(folderID), 3)
	assert.Equal(t, "Processed_lesson.mp4", fx.drive.FileName(a.RemoteFileID))
	assert.Equal(t, []byte("processed-video"), fx.drive.FileData(a.RemoteFileID))

	assert.NoFileExists(t, spool, "spool is unlinked after the job")
	_, found := fx.ctrl.Lookup(id)
	assert.False(t, found, "job unregisters when done")
}

func TestTranscodeCancelledBeforeWork(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	id := fx.seedArtifact(t, "lesson.mp4")
	fx.ctrl.Cancel(id)
	require.NoError(t, fx.engine.Enqueue(ctx, TranscodeJob{
		ArtifactID:    id,
		SpoolPath:     fx.writeSpool(t),
		OriginalName:  "lesson.mp4",
		Title:         "lesson.mp4",
		HierarchyPath: "math/algebra/limits",
	}))

	a := fx.waitTerminal(t, id)
	assert.Equal(t, catalog.StatusCanceled, a.Status)
	assert.Equal(t, 0, a.Progress)
	assert.Equal(t, CancelMessage, a.Error)

	_, err := fx.drive.ResolvePath(ctx, "math/algebra/limits/lesson")
	assert.Error(t, err, "no folder reaches the store for a cancelled job")
}

func TestTranscodeCancelledMidTransform(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	id := fx.seedArtifact(t, "lesson.mp4")
	fx.proc.speedUpHook = func() { fx.ctrl.Cancel(id) }
	require.NoError(t, fx.engine.Enqueue(ctx, TranscodeJob{
		ArtifactID:    id,
		SpoolPath:     fx.writeSpool(t),
		OriginalName:  "lesson.mp4",
		Title:         "lesson.mp4",
		HierarchyPath: "math/algebra/limits",
	}))

	a := fx.waitTerminal(t, id)
	assert.Equal(t, catalog.StatusCanceled, a.Status)
	assert.Equal(t, 0, a.Progress)

	_, err := fx.drive.ResolvePath(ctx, "math/algebra/limits/lesson")
	assert.Error(t, err)
}

func TestTranscodeFailureRecordsDiagnostic(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	id := fx.seedArtifact(t, "lesson.mp4")
	fx.proc.speedUpErr = &CommandError{Name: "ffmpeg", Stderr: "moov atom not found", Err: errors.New("exit status 1")}
	require.NoError(t, fx.engine.Enqueue(ctx, TranscodeJob{
		ArtifactID:    id,
		SpoolPath:     fx.writeSpool(t),
		OriginalName:  "lesson.mp4",
		Title:         "lesson.mp4",
		HierarchyPath: "math/algebra/limits",
	}))

	a := fx.waitTerminal(t, id)
	assert.Equal(t, catalog.StatusFailed, a.Status)
	assert.Contains(t, a.Error, "moov atom not found")
}

func TestSweepOnStartFailsInterruptedJobs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	store, err := catalog.Open(&catalog.Config{
		Type:   catalog.DatabaseTypeSQLite,
		SQLite: catalog.SQLiteConfig{Path: dbPath},
	})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	id, err := store.CreateArtifact(ctx, &catalog.Artifact{
		Owner: "alice", Kind: catalog.KindVideo, Title: "stuck.mp4",
		HierarchyPath: "math/algebra", Status: catalog.StatusProcessing, Progress: 37,
	})
	require.NoError(t, err)

	ctrl := pipeline.NewController(store, pipeline.Config{})
	defer ctrl.Close()
	engine := New(store, drivetest.New(), ctrl, &fakeProcessor{}, nil, Config{Workers: 1})
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	a, err := store.GetArtifact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, a.Status)
	assert.Equal(t, "interrupted by restart", a.Error)
}

func TestSyncJobBackfillsFlatImport(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	scopeID, err := fx.drive.EnsurePath(ctx, "math/algebra/limits")
	require.NoError(t, err)
	fileID := fx.drive.PutFile(scopeID, "imported.mp4", "video/mp4", []byte("imported-bytes"))

	id, err := fx.store.CreateArtifact(ctx, &catalog.Artifact{
		Owner: "alice", Kind: catalog.KindVideo, Title: "imported.mp4",
		HierarchyPath: "math/algebra/limits",
		Status:        catalog.StatusCompleted, Progress: 100,
		RemoteFileID: fileID,
	})
	require.NoError(t, err)

	require.NoError(t, fx.engine.EnqueueSync(ctx, SyncJob{ArtifactID: id}))

	var a *catalog.Artifact
	require.Eventually(t, func() bool {
		a, err = fx.store.GetArtifact(ctx, id)
		return err == nil && a.ThumbnailRef != ""
	}, 5*time.Second, 20*time.Millisecond)

	assert.NotEmpty(t, a.RemoteFolderID)
	assert.NotEmpty(t, a.PreviewRef)
	assert.InDelta(t, 42.0, a.DurationSeconds, 0.001)

	wrapID, err := fx.drive.ResolvePath(ctx, "math/algebra/limits/imported")
	require.NoError(t, err)
	assert.Equal(t, wrapID, a.RemoteFolderID)
	assert.Equal(t, wrapID, fx.drive.ParentOf(fileID), "flat primary moved into its folder")
}

func TestFolderLeaf(t *testing.T) {
	assert.Equal(t, "lesson", folderLeaf("lesson.mp4"))
	assert.Equal(t, "lesson", folderLeaf("lesson"))
	assert.Equal(t, ".mp4", folderLeaf(".mp4"))
}
