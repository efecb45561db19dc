package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediavault/mediavault/internal/bytesize"
	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/drive/drivetest"
	"github.com/mediavault/mediavault/pkg/metrics"
	"github.com/mediavault/mediavault/pkg/pipeline"
	"github.com/mediavault/mediavault/pkg/reconcile"
	"github.com/mediavault/mediavault/pkg/spool"
	"github.com/mediavault/mediavault/pkg/stream"
	"github.com/mediavault/mediavault/pkg/transcode"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeProcessor struct{}

func (fakeProcessor) HasAudio(context.Context, string) (bool, error)    { return true, nil }
func (fakeProcessor) Duration(context.Context, string) (float64, error) { return 42, nil }
func (fakeProcessor) Thumbnail(_ context.Context, _, out string, _ float64) error {
	return os.WriteFile(out, []byte("jpeg"), 0o600)
}
func (fakeProcessor) Preview(_ context.Context, _, out string, _ float64) error {
	return os.WriteFile(out, []byte("clip"), 0o600)
}
func (fakeProcessor) SpeedUp(_ context.Context, _, out string, _ bool, _ func(*os.Process)) error {
	return os.WriteFile(out, []byte("processed"), 0o600)
}

// recordingMetrics counts chunk outcomes for assertions.
type recordingMetrics struct {
	mu     sync.Mutex
	chunks map[string]int
}

func (m *recordingMetrics) RecordJobStart(string)                         {}
func (m *recordingMetrics) RecordJobResult(string, string, time.Duration) {}
func (m *recordingMetrics) RecordBytes(string, int64)                     {}
func (m *recordingMetrics) RecordReconcile(string, int)                   {}
func (m *recordingMetrics) RecordChunk(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks == nil {
		m.chunks = make(map[string]int)
	}
	m.chunks[outcome]++
}

func (m *recordingMetrics) chunkCount(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunks[outcome]
}

var _ metrics.PipelineMetrics = (*recordingMetrics)(nil)

type apiFixture struct {
	srv      http.Handler
	store    *catalog.Store
	drive    *drivetest.Fake
	ctrl     *pipeline.Controller
	engine   *transcode.Engine
	metrics  *recordingMetrics
	spoolDir string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store, err := catalog.Open(&catalog.Config{
		Type:   catalog.DatabaseTypeSQLite,
		SQLite: catalog.SQLiteConfig{Path: filepath.Join(t.TempDir(), "catalog.db")},
	})
	require.NoError(t, err)

	fake := drivetest.New()
	ctrl := pipeline.NewController(store, pipeline.Config{})
	engine := transcode.New(store, fake, ctrl, fakeProcessor{}, nil, transcode.Config{Workers: 1, TempDir: t.TempDir()})
	require.NoError(t, engine.Start(context.Background()))

	spoolDir := t.TempDir()
	receiver, err := spool.NewReceiver(spool.Config{Dir: spoolDir, MaxUploadSize: 1 << 20})
	require.NoError(t, err)

	rm := &recordingMetrics{}
	h := NewHandler(Deps{
		Store:      store,
		Drive:      fake,
		Spool:      receiver,
		Engine:     engine,
		Streamer:   stream.New(store, fake, nil, stream.Config{}),
		Reconciler: reconcile.New(store, fake, engine, nil, reconcile.Config{}),
		Controller: ctrl,
		Metrics:    rm,
		ChunkCap:   bytesize.MiB,
	})

	t.Cleanup(func() {
		engine.Stop()
		ctrl.Close()
		_ = receiver.Close()
		_ = store.Close()
	})
	return &apiFixture{
		srv:      NewRouter(h, testSecret),
		store:    store,
		drive:    fake,
		ctrl:     ctrl,
		engine:   engine,
		metrics:  rm,
		spoolDir: spoolDir,
	}
}

func (fx *apiFixture) do(t *testing.T, req *http.Request, owner string) *httptest.ResponseRecorder {
	t.Helper()
	if owner != "" {
		token, err := IssueToken(testSecret, owner, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	fx.srv.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func chunkRequest(t *testing.T, uploadID string, index, total int, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("upload_id", uploadID))
	require.NoError(t, mw.WriteField("filename", "lesson.mp4"))
	require.NoError(t, mw.WriteField("chunk_index", fmt.Sprint(index)))
	require.NoError(t, mw.WriteField("total_chunks", fmt.Sprint(total)))
	fw, err := mw.CreateFormFile("chunk", "blob")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (fx *apiFixture) waitStatus(t *testing.T, id uint, want catalog.Status) *catalog.Artifact {
	t.Helper()
	var a *catalog.Artifact
	require.Eventually(t, func() bool {
		got, err := fx.store.GetArtifact(context.Background(), id)
		if err != nil {
			return false
		}
		a = got
		return a.Status == want
	}, 5*time.Second, 20*time.Millisecond)
	return a
}

func seedCompleted(t *testing.T, fx *apiFixture, owner string) (uint, string) {
	t.Helper()
	ctx := context.Background()
	folderID, err := fx.drive.EnsurePath(ctx, "math/algebra/lesson")
	require.NoError(t, err)
	fileID := fx.drive.PutFile(folderID, "Processed_lesson.mp4", "video/mp4", []byte("0123456789"))

	id, err := fx.store.CreateArtifact(ctx, &catalog.Artifact{
		Owner: owner, Kind: catalog.KindVideo, Title: "lesson.mp4",
		HierarchyPath: "math/algebra", Status: catalog.StatusCompleted,
		Progress: 100, RemoteFileID: fileID, RemoteFolderID: folderID,
		SizeBytes: 10, MimeType: "video/mp4",
	})
	require.NoError(t, err)
	return id, fileID
}

func TestAuthRequired(t *testing.T) {
	fx := newAPIFixture(t)
	rec := fx.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/artifacts", nil), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ContentTypeProblemJSON, rec.Header().Get("Content-Type"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/artifacts", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	fx.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	fx := newAPIFixture(t)
	rec := fx.do(t, httptest.NewRequest(http.MethodGet, "/health", nil), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChunkedUploadEndToEnd(t *testing.T) {
	fx := newAPIFixture(t)

	payload := [][]byte{[]byte("first-"), []byte("second-"), []byte("third")}
	for i, part := range payload {
		rec := fx.do(t, chunkRequest(t, "up-1", i, len(payload), part), "alice")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp map[string]int
		decodeBody(t, rec, &resp)
		assert.Equal(t, i, resp["uploaded_index"])
	}

	rec := fx.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/uploads/complete", jsonBody(t, map[string]any{
		"upload_id":    "up-1",
		"filename":     "01) lesson.mp4",
		"total_chunks": 3,
		"category":     "math",
		"organization": "algebra",
		"chapter":      "limits",
	})), "alice")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ArtifactID uint   `json:"artifact_id"`
		Status     string `json:"status"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "PENDING", resp.Status)

	a := fx.waitStatus(t, resp.ArtifactID, catalog.StatusCompleted)
	assert.Equal(t, "lesson.mp4", a.Title)
	assert.Equal(t, 100, a.Progress)
	assert.NotEmpty(t, a.RemoteFileID)

	folderID, err := fx.drive.ResolvePath(context.Background(), "math/algebra/limits/lesson")
	require.NoError(t, err)
	assert.Equal(t, folderID, a.RemoteFolderID)
	assert.Equal(t, "Processed_01) lesson.mp4", fx.drive.FileName(a.RemoteFileID))
}

func TestChunkUploadRejectsOutOfOrder(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, chunkRequest(t, "up-2", 0, 2, []byte("aa")), "alice")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, chunkRequest(t, "up-2", 0, 2, []byte("aa")), "alice")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestChunkUploadEnforcesOwner(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, chunkRequest(t, "up-3", 0, 2, []byte("aa")), "alice")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, chunkRequest(t, "up-3", 1, 2, []byte("bb")), "mallory")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChunkUploadRecordsOutcomes(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, chunkRequest(t, "up-8", 0, 2, []byte("aa")), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = fx.do(t, chunkRequest(t, "up-8", 0, 2, []byte("aa")), "alice")
	require.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, 1, fx.metrics.chunkCount("accepted"))
	assert.Equal(t, 1, fx.metrics.chunkCount("rejected"))
}

func TestCompleteUploadCleansSpoolOnFailure(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, chunkRequest(t, "up-9", 0, 1, []byte("payload")), "alice")
	require.Equal(t, http.StatusOK, rec.Code)

	// Force artifact creation to fail after the spool hands the file off.
	require.NoError(t, fx.store.Close())

	rec = fx.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/uploads/complete", jsonBody(t, map[string]any{
		"upload_id":    "up-9",
		"filename":     "lesson.mp4",
		"total_chunks": 1,
		"category":     "math",
		"organization": "algebra",
	})), "alice")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	assert.NoFileExists(t, spool.Config{Dir: fx.spoolDir}.Path("up-9"))
}

func TestCompleteUploadRejectsNonVideo(t *testing.T) {
	fx := newAPIFixture(t)
	rec := fx.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/uploads/complete", jsonBody(t, map[string]any{
		"upload_id":    "up-4",
		"filename":     "notes.pdf",
		"total_chunks": 1,
		"category":     "math",
		"organization": "algebra",
	})), "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListArtifactsScopedAndPaginated(t *testing.T) {
	fx := newAPIFixture(t)
	seedCompleted(t, fx, "alice")
	seedCompleted(t, fx, "bob")

	rec := fx.do(t, httptest.NewRequest(http.MethodGet,
		"/api/v1/artifacts?category=math&organization=algebra&page=1&page_size=10", nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []map[string]any `json:"results"`
		Total   int64            `json:"total"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, int64(1), resp.Total)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "lesson.mp4", resp.Results[0]["title"])
}

func TestGetArtifactEnforcesOwner(t *testing.T) {
	fx := newAPIFixture(t)
	id, _ := seedCompleted(t, fx, "alice")

	rec := fx.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/artifacts/%d", id), nil), "mallory")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = fx.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/99999", nil), "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteArtifactRemovesRemoteFolder(t *testing.T) {
	fx := newAPIFixture(t)
	id, fileID := seedCompleted(t, fx, "alice")

	rec := fx.do(t, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/v1/artifacts/%d", id), nil), "alice")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := fx.store.GetArtifact(context.Background(), id)
	assert.ErrorIs(t, err, catalog.ErrArtifactNotFound)
	assert.Nil(t, fx.drive.FileData(fileID))
}

func TestRenameArtifactRenamesRemoteObjects(t *testing.T) {
	fx := newAPIFixture(t)
	id, fileID := seedCompleted(t, fx, "alice")

	rec := fx.do(t, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/artifacts/%d/rename", id),
		jsonBody(t, map[string]string{"new_title": "renamed.mp4"})), "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	a, err := fx.store.GetArtifact(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "renamed.mp4", a.Title)
	assert.Equal(t, "Processed_renamed.mp4", fx.drive.FileName(fileID))
	assert.Equal(t, "renamed", fx.drive.FileName(a.RemoteFolderID))
}

func TestStreamArtifactRange(t *testing.T) {
	fx := newAPIFixture(t)
	id, _ := seedCompleted(t, fx, "alice")

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/artifacts/%d/stream", id), nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := fx.do(t, req, "alice")

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "2345", string(body))
}

func TestStreamArtifactBadRangeIs416(t *testing.T) {
	fx := newAPIFixture(t)
	id, _ := seedCompleted(t, fx, "alice")

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/artifacts/%d/stream", id), nil)
	req.Header.Set("Range", "bytes=50-60")
	rec := fx.do(t, req, "alice")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
}

func TestChatEndpointsUnavailableWithoutProvider(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/chat/media?channel_id=c1", nil), "alice")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = fx.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/chat/batches", jsonBody(t, map[string]any{
		"channel_id":   "c1",
		"category":     "math",
		"organization": "algebra",
		"messages":     []map[string]any{{"id": 1, "name": "a.mp4", "mime": "video/mp4", "size": 10}},
	})), "alice")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatCredentialRoundTrip(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/chat/credential", nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]bool
	decodeBody(t, rec, &status)
	assert.False(t, status["configured"])

	rec = fx.do(t, httptest.NewRequest(http.MethodPut, "/api/v1/chat/credential",
		jsonBody(t, map[string]string{"blob": "opaque-session"})), "alice")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = fx.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/chat/credential", nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &status)
	assert.True(t, status["configured"])

	// Another owner sees nothing.
	rec = fx.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/chat/credential", nil), "bob")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &status)
	assert.False(t, status["configured"])
}

func TestCancelBatchCountsOwnActiveRows(t *testing.T) {
	fx := newAPIFixture(t)
	ctx := context.Background()

	active, err := fx.store.CreateArtifact(ctx, &catalog.Artifact{
		Owner: "alice", Kind: catalog.KindVideo, Title: "a.mp4",
		HierarchyPath: "math/algebra", Status: catalog.StatusPending,
	})
	require.NoError(t, err)
	done, _ := seedCompleted(t, fx, "alice")
	other, err := fx.store.CreateArtifact(ctx, &catalog.Artifact{
		Owner: "bob", Kind: catalog.KindVideo, Title: "b.mp4",
		HierarchyPath: "math/algebra", Status: catalog.StatusPending,
	})
	require.NoError(t, err)

	rec := fx.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/chat/cancel",
		jsonBody(t, map[string]any{"artifact_ids": []uint{active, done, other}})), "alice")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	decodeBody(t, rec, &resp)
	assert.Equal(t, 1, resp["cancelled_count"])
	assert.True(t, fx.ctrl.IsCanceled(active))
	assert.False(t, fx.ctrl.IsCanceled(other))
}

func TestBatchSpeedReportsRates(t *testing.T) {
	fx := newAPIFixture(t)
	fx.ctrl.ObserveBytes(7, 4*1024*1024)

	rec := fx.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/chat/speed",
		jsonBody(t, map[string]any{"artifact_ids": []uint{7}})), "alice")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Speeds map[string]float64 `json:"speeds"`
	}
	decodeBody(t, rec, &resp)
	assert.Contains(t, resp.Speeds, "7")
}

func TestReconcileScopeEndpoint(t *testing.T) {
	fx := newAPIFixture(t)
	seedCompleted(t, fx, "alice")

	folderID, err := fx.drive.ResolvePath(context.Background(), "math/algebra/lesson")
	require.NoError(t, err)
	require.NoError(t, fx.drive.DeleteFolder(context.Background(), folderID))

	rec := fx.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/reconcile",
		jsonBody(t, map[string]string{"category": "math", "organization": "algebra"})), "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var counters reconcile.Counters
	decodeBody(t, rec, &counters)
	assert.Equal(t, 1, counters.VideosRemoved)
}
