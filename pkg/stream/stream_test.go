package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/drive/drivetest"
)

type streamFixture struct {
	streamer *Streamer
	store    *catalog.Store
	drive    *drivetest.Fake
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()
	store, err := catalog.Open(&catalog.Config{
		Type:   catalog.DatabaseTypeSQLite,
		SQLite: catalog.SQLiteConfig{Path: filepath.Join(t.TempDir(), "catalog.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := drivetest.New()
	return &streamFixture{streamer: New(store, fake, nil, Config{}), store: store, drive: fake}
}

func (fx *streamFixture) seed(t *testing.T, data []byte, size int64) uint {
	t.Helper()
	folderID, err := fx.drive.EnsurePath(context.Background(), "math/algebra/vid")
	require.NoError(t, err)
	fileID := fx.drive.PutFile(folderID, "Processed_vid.mp4", "video/mp4", data)

	id, err := fx.store.CreateArtifact(context.Background(), &catalog.Artifact{
		Owner: "alice", Kind: catalog.KindVideo, Title: "vid.mp4",
		HierarchyPath: "math/algebra", Status: catalog.StatusCompleted,
		Progress: 100, RemoteFileID: fileID, RemoteFolderID: folderID,
		SizeBytes: size, MimeType: "video/mp4",
	})
	require.NoError(t, err)
	return id
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestServeFullWithoutRange(t *testing.T) {
	fx := newStreamFixture(t)
	data := payload(5000)
	id := fx.seed(t, data, 5000)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, fx.streamer.ServeArtifact(rec, req, id, "alice"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "5000", rec.Header().Get("Content-Length"))
	assert.Equal(t, data, rec.Body.Bytes())
}

func TestServeBoundedRange(t *testing.T) {
	fx := newStreamFixture(t)
	data := payload(10000)
	id := fx.seed(t, data, 10000)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=100-299")
	rec := httptest.NewRecorder()
	require.NoError(t, fx.streamer.ServeArtifact(rec, req, id, "alice"))

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 100-299/10000", rec.Header().Get("Content-Range"))
	assert.Equal(t, "200", rec.Header().Get("Content-Length"))
	assert.Equal(t, data[100:300], rec.Body.Bytes())
}

func TestServeOpenEndedRangeCapped(t *testing.T) {
	fx := newStreamFixture(t)
	size := int64(DefaultInitialRangeCap + 500000)
	data := payload(int(size))
	id := fx.seed(t, data, size)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=0-")
	rec := httptest.NewRecorder()
	require.NoError(t, fx.streamer.ServeArtifact(rec, req, id, "alice"))

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	wantEnd := int64(DefaultInitialRangeCap - 1)
	assert.Equal(t,
		fmt.Sprintf("bytes 0-%d/%d", wantEnd, size),
		rec.Header().Get("Content-Range"))
	assert.Equal(t, int(DefaultInitialRangeCap), rec.Body.Len())
	assert.Equal(t, data[:DefaultInitialRangeCap], rec.Body.Bytes())
}

func TestServeOpenEndedRangeShortFile(t *testing.T) {
	fx := newStreamFixture(t)
	data := payload(1000)
	id := fx.seed(t, data, 1000)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=600-")
	rec := httptest.NewRecorder()
	require.NoError(t, fx.streamer.ServeArtifact(rec, req, id, "alice"))

	assert.Equal(t, "bytes 600-999/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, data[600:], rec.Body.Bytes())
}

func TestServeRangeClampsEnd(t *testing.T) {
	fx := newStreamFixture(t)
	data := payload(1000)
	id := fx.seed(t, data, 1000)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=900-5000")
	rec := httptest.NewRecorder()
	require.NoError(t, fx.streamer.ServeArtifact(rec, req, id, "alice"))

	assert.Equal(t, "bytes 900-999/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, data[900:], rec.Body.Bytes())
}

func TestServeRangeErrors(t *testing.T) {
	fx := newStreamFixture(t)
	id := fx.seed(t, payload(100), 100)

	for _, header := range []string{"bytes=abc-", "lines=0-10", "bytes=0-10,20-30", "bytes=50-10"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Range", header)
		err := fx.streamer.ServeArtifact(httptest.NewRecorder(), req, id, "alice")
		assert.ErrorIs(t, err, ErrInvalidRange, "header %q", header)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=100-")
	err := fx.streamer.ServeArtifact(httptest.NewRecorder(), req, id, "alice")
	assert.ErrorIs(t, err, ErrInvalidRange, "start beyond size")
}

func TestServeEnforcesOwner(t *testing.T) {
	fx := newStreamFixture(t)
	id := fx.seed(t, payload(100), 100)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	err := fx.streamer.ServeArtifact(httptest.NewRecorder(), req, id, "mallory")
	assert.ErrorIs(t, err, catalog.ErrNotOwner)
}

func TestServeBackfillsMissingSize(t *testing.T) {
	fx := newStreamFixture(t)
	data := payload(4321)
	id := fx.seed(t, data, 0) // size unknown in the catalog

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=0-99")
	rec := httptest.NewRecorder()
	require.NoError(t, fx.streamer.ServeArtifact(rec, req, id, "alice"))
	assert.Equal(t, "bytes 0-99/4321", rec.Header().Get("Content-Range"))

	a, err := fx.store.GetArtifact(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(4321), a.SizeBytes)
}

func TestServeAsset(t *testing.T) {
	fx := newStreamFixture(t)
	ctx := context.Background()
	folderID, err := fx.drive.EnsurePath(ctx, "math/algebra/vid")
	require.NoError(t, err)
	thumbID := fx.drive.PutFile(folderID, "thumbnail.jpg", "image/jpeg", []byte("jpeg"))

	id, err := fx.store.CreateArtifact(ctx, &catalog.Artifact{
		Owner: "alice", Kind: catalog.KindVideo, Title: "vid.mp4",
		HierarchyPath: "math/algebra", Status: catalog.StatusCompleted,
		RemoteFolderID: folderID, ThumbnailRef: thumbID,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, fx.streamer.ServeAsset(rec, req, id, "alice", thumbID, "image"))
	assert.Equal(t, "public, max-age=86400, immutable", rec.Header().Get("Cache-Control"))
	assert.Equal(t, []byte("jpeg"), rec.Body.Bytes())

	// A ref not recorded on the artifact is refused.
	err = fx.streamer.ServeAsset(httptest.NewRecorder(), req, id, "alice", "someone-elses-ref", "image")
	assert.ErrorIs(t, err, ErrUnknownAsset)
}
