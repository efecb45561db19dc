package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/drive"
	"github.com/mediavault/mediavault/pkg/drive/drivetest"
	"github.com/mediavault/mediavault/pkg/transcode"
)

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []uint
	err error
}

func (r *recordingEnqueuer) EnqueueSync(_ context.Context, j transcode.SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, j.ArtifactID)
	return nil
}

func (r *recordingEnqueuer) enqueued() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.ids...)
}

type reconcileFixture struct {
	rec    *Reconciler
	store  *catalog.Store
	drive  *drivetest.Fake
	engine *recordingEnqueuer
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	store, err := catalog.Open(&catalog.Config{
		Type:   catalog.DatabaseTypeSQLite,
		SQLite: catalog.SQLiteConfig{Path: filepath.Join(t.TempDir(), "catalog.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := drivetest.New()
	eng := &recordingEnqueuer{}
	return &reconcileFixture{
		rec:    New(store, fake, eng, nil, Config{}),
		store:  store,
		drive:  fake,
		engine: eng,
	}
}

// seedWrappedVideo lays out path/<leaf>/{video,thumbnail.jpg,preview.mp4}
// and a matching COMPLETED catalog row.
func (fx *reconcileFixture) seedWrappedVideo(t *testing.T, owner, path, name string) (uint, string, string) {
	t.Helper()
	ctx := context.Background()
	scopeID, err := fx.drive.EnsurePath(ctx, path)
	require.NoError(t, err)
	wrapID := fx.drive.CreateFolder(scopeID, name)
	fileID := fx.drive.PutFile(wrapID, "Processed_"+name+".mp4", "video/mp4", []byte("video-bytes"))
	thumbID := fx.drive.PutFile(wrapID, "thumbnail.jpg", "image/jpeg", []byte("jpg"))
	prevID := fx.drive.PutFile(wrapID, "preview.mp4", "video/mp4", []byte("prev"))

	id, err := fx.store.CreateArtifact(ctx, &catalog.Artifact{
		Owner: owner, Kind: catalog.KindVideo, Title: name + ".mp4",
		HierarchyPath: path, Status: catalog.StatusCompleted, Progress: 100,
		RemoteFileID: fileID, RemoteFolderID: wrapID,
		ThumbnailRef: thumbID, PreviewRef: prevID,
		MimeType: "video/mp4", DurationSeconds: 12,
	})
	require.NoError(t, err)
	return id, fileID, wrapID
}

func (fx *reconcileFixture) seedBarePDF(t *testing.T, owner, path, name string) (uint, string) {
	t.Helper()
	ctx := context.Background()
	scopeID, err := fx.drive.EnsurePath(ctx, path)
	require.NoError(t, err)
	fileID := fx.drive.PutFile(scopeID, name, "application/pdf", []byte("%PDF"))

	id, err := fx.store.CreateArtifact(ctx, &catalog.Artifact{
		Owner: owner, Kind: catalog.KindPDF, Title: name,
		HierarchyPath: path, Status: catalog.StatusCompleted, Progress: 100,
		RemoteFileID: fileID, MimeType: "application/pdf",
	})
	require.NoError(t, err)
	return id, fileID
}

func TestReconcileNoChangesIsIdempotent(t *testing.T) {
	fx := newReconcileFixture(t)
	ctx := context.Background()
	fx.seedWrappedVideo(t, "alice", "math/algebra/limits", "lesson")
	fx.seedBarePDF(t, "alice", "math/algebra/limits", "notes.pdf")

	for i := 0; i < 2; i++ {
		c, err := fx.rec.ReconcilePath(ctx, "alice", "math/algebra/limits")
		require.NoError(t, err)
		assert.Equal(t, Counters{}, c)
	}

	rows, _, err := fx.store.ListArtifacts(ctx, catalog.Filter{Owner: "alice"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Empty(t, fx.engine.enqueued())
}

func TestReconcileRemovesRowWhenObjectGone(t *testing.T) {
	fx := newReconcileFixture(t)
	ctx := context.Background()
	id, _, wrapID := fx.seedWrappedVideo(t, "alice", "math/algebra/limits", "lesson")
	keepID, _, _ := fx.seedWrappedVideo(t, "alice", "math/algebra/limits", "keeper")

	require.NoError(t, fx.drive.DeleteFolder(ctx, wrapID))

	c, err := fx.rec.ReconcilePath(ctx, "alice", "math/algebra/limits")
	require.NoError(t, err)
	assert.Equal(t, Counters{VideosRemoved: 1}, c)

	_, err = fx.store.GetArtifact(ctx, id)
	assert.ErrorIs(t, err, catalog.ErrArtifactNotFound)
	_, err = fx.store.GetArtifact(ctx, keepID)
	assert.NoError(t, err)

	// Second run is a no-op.
	c, err = fx.rec.ReconcilePath(ctx, "alice", "math/algebra/limits")
	require.NoError(t, err)
	assert.Equal(t, Counters{}, c)
}

func TestReconcileImportsUnknownVideo(t *testing.T) {
	fx := newReconcileFixture(t)
	ctx := context.Background()

	scopeID, err := fx.drive.EnsurePath(ctx, "math/algebra/limits")
	require.NoError(t, err)
	wrapID := fx.drive.CreateFolder(scopeID, "Imported Lesson")
	fileID := fx.drive.PutFile(wrapID, "Processed_Imported Lesson.mp4", "video/mp4", []byte("abcd"))
	thumbID := fx.drive.PutFile(wrapID, "thumbnail.jpg", "image/jpeg", []byte("jpg"))

	c, err := fx.rec.ReconcilePath(ctx, "alice", "math/algebra/limits")
	require.NoError(t, err)
	assert.Equal(t, Counters{VideosAdded: 1}, c)

	row, err := fx.store.GetArtifactByRemoteFileID(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, "alice", row.Owner)
	assert.Equal(t, catalog.KindVideo, row.Kind)
	assert.Equal(t, catalog.StatusCompleted, row.Status)
	assert.Equal(t, 100, row.Progress)
	assert.Equal(t, "Processed_Imported Lesson.mp4", row.Title)
	assert.Equal(t, "math/algebra/limits", row.HierarchyPath)
	assert.Equal(t, wrapID, row.RemoteFolderID)
	assert.Equal(t, thumbID, row.ThumbnailRef)
	assert.Empty(t, row.PreviewRef)
	assert.Equal(t, int64(4), row.SizeBytes)

	// Missing preview and duration queue a metadata backfill.
	assert.Equal(t, []uint{row.ID}, fx.engine.enqueued())

	// Second run imports nothing more.
	c, err = fx.rec.ReconcilePath(ctx, "alice", "math/algebra/limits")
	require.NoError(t, err)
	assert.Equal(t, Counters{}, c)
}

func TestReconcileImportsBareAndWrappedPDFs(t *testing.T) {
	fx := newReconcileFixture(t)
	ctx := context.Background()

	scopeID, err := fx.drive.EnsurePath(ctx, "math/algebra/limits")
	require.NoError(t, err)
	bareID := fx.drive.PutFile(scopeID, "notes.pdf", "application/pdf", []byte("%PDF"))

	// Legacy layout: PDF inside a wrapping folder.
	wrapID := fx.drive.CreateFolder(scopeID, "Worksheets")
	wrappedID := fx.drive.PutFile(wrapID, "sheet.pdf", "application/pdf", []byte("%PDF"))

	c, err := fx.rec.ReconcilePath(ctx, "alice", "math/algebra/limits")
	require.NoError(t, err)
	assert.Equal(t, Counters{PDFsAdded: 2}, c)

	bare, err := fx.store.GetArtifactByRemoteFileID(ctx, bareID)
	require.NoError(t, err)
	assert.Equal(t, catalog.KindPDF, bare.Kind)
	assert.Empty(t, bare.RemoteFolderID)

	wrapped, err := fx.store.GetArtifactByRemoteFileID(ctx, wrappedID)
	require.NoError(t, err)
	assert.Equal(t, wrapID, wrapped.RemoteFolderID)

	// PDFs never get derived-asset backfill jobs.
	assert.Empty(t, fx.engine.enqueued())
}

func TestReconcilePurgesPathWhenScopeFolderGone(t *testing.T) {
	fx := newReconcileFixture(t)
	ctx := context.Background()
	fx.seedWrappedVideo(t, "alice", "math/algebra/limits", "lesson")
	fx.seedBarePDF(t, "alice", "math/algebra/limits", "notes.pdf")

	scopeID, err := fx.drive.ResolvePath(ctx, "math/algebra/limits")
	require.NoError(t, err)
	require.NoError(t, fx.drive.DeleteFolder(ctx, scopeID))

	c, err := fx.rec.ReconcilePath(ctx, "alice", "math/algebra/limits")
	require.NoError(t, err)
	assert.Equal(t, Counters{VideosRemoved: 1, PDFsRemoved: 1}, c)

	rows, _, err := fx.store.ListArtifacts(ctx, catalog.Filter{Owner: "alice"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReconcileSkipsRowsWithoutRemoteFile(t *testing.T) {
	fx := newReconcileFixture(t)
	ctx := context.Background()

	_, err := fx.drive.EnsurePath(ctx, "math/algebra/limits")
	require.NoError(t, err)
	id, err := fx.store.CreateArtifact(ctx, &catalog.Artifact{
		Owner: "alice", Kind: catalog.KindVideo, Title: "inflight.mp4",
		HierarchyPath: "math/algebra/limits", Status: catalog.StatusPending,
	})
	require.NoError(t, err)

	c, err := fx.rec.ReconcilePath(ctx, "alice", "math/algebra/limits")
	require.NoError(t, err)
	assert.Equal(t, Counters{}, c)

	_, err = fx.store.GetArtifact(ctx, id)
	assert.NoError(t, err)
}

func TestReconcileAllAggregatesAcrossPaths(t *testing.T) {
	fx := newReconcileFixture(t)
	ctx := context.Background()
	fx.seedWrappedVideo(t, "alice", "math/algebra/limits", "lesson")
	fx.seedBarePDF(t, "alice", "physics/mechanics", "notes.pdf")
	fx.seedWrappedVideo(t, "bob", "math/geometry", "shapes")

	_, _, wrapID := fx.seedWrappedVideo(t, "alice", "physics/mechanics", "forces")
	require.NoError(t, fx.drive.DeleteFolder(ctx, wrapID))

	res, err := fx.rec.ReconcileAll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Counters{VideosRemoved: 1}, res.Counters)
	assert.Empty(t, res.PathErrors)

	// Only alice's paths are touched.
	other, err := fx.store.ListByPath(ctx, "bob", "math/geometry", catalog.KindVideo)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

// erroringStore fails every child listing to exercise per-path error
// collection.
type erroringStore struct {
	*drivetest.Fake
}

func (s *erroringStore) ListChildren(context.Context, string, drive.ChildFilter) ([]drive.Child, error) {
	return nil, errors.New("store unavailable")
}

func TestReconcileAllCollectsPathErrors(t *testing.T) {
	fx := newReconcileFixture(t)
	ctx := context.Background()
	fx.seedWrappedVideo(t, "alice", "math/algebra/limits", "lesson")
	fx.seedBarePDF(t, "alice", "physics/mechanics", "notes.pdf")

	rec := New(fx.store, &erroringStore{Fake: fx.drive}, fx.engine, nil, Config{})

	res, err := rec.ReconcileAll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Counters{}, res.Counters)
	require.Len(t, res.PathErrors, 2)
	assert.Contains(t, res.PathErrors["math/algebra/limits"], "store unavailable")

	// Nothing was deleted on a listing failure.
	rows, _, err := fx.store.ListArtifacts(ctx, catalog.Filter{Owner: "alice"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
