package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"europa/internal/blob"
	"europa/internal/cache"
	"europa/internal/logging"
	"europa/internal/shortlink"
	"europa/internal/store"
	"europa/internal/transfer"
	"europa/internal/upload"
)

type testDeps struct {
	handler http.Handler
	blobs   *blob.Memory
	store   *store.Memory
	metrics *Metrics
}

func newTestServer(t *testing.T, maxChunk int64, sweeps SweepReporter, checks map[string]Pinger) *testDeps {
	t.Helper()
	st := store.NewMemory()
	blobs := blob.NewMemory()
	mgr := upload.NewManager(blobs,
		cache.NewLRU[string, *upload.Session](0, time.Minute),
		upload.Config{StagingContainer: "tempuploads", FilesContainer: "encryptedfiles"},
		logging.Discard())
	links := shortlink.NewCachedResolver(shortlink.NewStoreResolver(st, nil),
		cache.NewLRU[string, *store.Transfer](0, time.Minute))
	svc := transfer.NewService(mgr, st, links, blobs,
		cache.NewLRU[string, *transfer.FileInfo](0, time.Minute),
		transfer.Config{BaseURL: "http://drop.test", FilesContainer: "encryptedfiles"},
		logging.Discard())
	srv := New(Config{Addr: ":0", MaxChunkBytes: maxChunk}, svc, sweeps, checks, logging.Discard())
	return &testDeps{handler: srv.Handler(), blobs: blobs, store: st, metrics: srv.Metrics()}
}

func (d *testDeps) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	d.handler.ServeHTTP(rec, req)
	return rec
}

func (d *testDeps) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return d.do(t, req)
}

func (d *testDeps) postChunk(t *testing.T, uploadID string, index int, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("chunk", "blob")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("uploadId", uploadID))
	require.NoError(t, mw.WriteField("chunkNumber", fmt.Sprint(index)))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return d.do(t, req)
}

func initBody(chunks int, option string) map[string]any {
	return map[string]any{
		"fileName":         "notes.txt",
		"totalChunks":      chunks,
		"totalSize":        12,
		"expirationOption": option,
		"iv":               "AAECAwQFBgcICQoL",
		"salt":             "AAECAwQFBgcICQoLDA0ODw==",
	}
}

func (d *testDeps) start(t *testing.T, chunks int) transfer.Started {
	t.Helper()
	rec := d.postJSON(t, "/api/upload/init", initBody(chunks, "3"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started transfer.Started
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.UploadID)
	require.NotEmpty(t, started.FileID)
	return started
}

func TestUploadResolveDownloadFlow(t *testing.T) {
	d := newTestServer(t, 0, nil, nil)
	started := d.start(t, 3)

	chunks := [][]byte{[]byte("abcd"), []byte("efgh"), []byte("ijkl")}
	for _, i := range []int{1, 0, 2} {
		rec := d.postChunk(t, started.UploadID, i, chunks[i])
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := d.do(t, httptest.NewRequest(http.MethodGet, "/api/upload/"+started.UploadID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":[0,1,2],"total":3}`, rec.Body.String())

	rec = d.postJSON(t, "/api/upload/finalize", map[string]string{
		"uploadId": started.UploadID, "fileId": started.FileID, "fileName": "notes.txt",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var link transfer.Link
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	assert.Equal(t, "http://drop.test/d/"+link.ShortURL, link.DownloadLink)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 3), link.ExpiresAt, time.Minute)

	rec = d.do(t, httptest.NewRequest(http.MethodGet, "/d/"+link.ShortURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info transfer.FileInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, started.FileID, info.FileID)
	assert.False(t, info.IsMultiFile)

	rec = d.do(t, httptest.NewRequest(http.MethodGet, "/f/"+started.FileID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abcdefghijkl", rec.Body.String())
	assert.Equal(t, "AAECAwQFBgcICQoL", rec.Header().Get("X-IV"))
	assert.Equal(t, "AAECAwQFBgcICQoLDA0ODw==", rec.Header().Get("X-Salt"))
	assert.Equal(t, "false", rec.Header().Get("X-Is-Multi-File"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))

	req := httptest.NewRequest(http.MethodGet, "/f/"+started.FileID, nil)
	req.Header.Set("Range", "bytes=4-7")
	rec = d.do(t, req)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "efgh", rec.Body.String())
	assert.Equal(t, "bytes 4-7/12", rec.Header().Get("Content-Range"))
}

func TestInitValidation(t *testing.T) {
	d := newTestServer(t, 0, nil, nil)

	rec := d.postJSON(t, "/api/upload/init", initBody(3, "5"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "retention")

	body := initBody(0, "1")
	rec = d.postJSON(t, "/api/upload/init", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = initBody(1, "1")
	body["iv"] = "not base64!"
	rec = d.postJSON(t, "/api/upload/init", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = initBody(1, "1")
	body["totalSize"] = int64(3) << 30
	rec = d.postJSON(t, "/api/upload/init", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds")

	req := httptest.NewRequest(http.MethodPost, "/api/upload/init", strings.NewReader("{"))
	rec = d.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, d.blobs.Keys("tempuploads"))
}

func TestChunkErrors(t *testing.T) {
	d := newTestServer(t, 8, nil, nil)
	started := d.start(t, 2)

	rec := d.postChunk(t, "nope", 0, []byte("x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = d.postChunk(t, started.UploadID, 0, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = d.postChunk(t, started.UploadID, 5, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = d.postChunk(t, started.UploadID, 0, bytes.Repeat([]byte("x"), 64))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/upload/chunk", strings.NewReader("plain"))
	rec = d.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFinalizeErrors(t *testing.T) {
	d := newTestServer(t, 0, nil, nil)
	started := d.start(t, 2)
	require.Equal(t, http.StatusOK, d.postChunk(t, started.UploadID, 0, []byte("a")).Code)

	rec := d.postJSON(t, "/api/upload/finalize", map[string]string{"uploadId": started.UploadID, "fileId": started.FileID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = d.postJSON(t, "/api/upload/finalize", map[string]string{"uploadId": "nope", "fileId": started.FileID})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = d.postJSON(t, "/api/upload/finalize", map[string]string{"uploadId": started.UploadID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAbort(t *testing.T) {
	d := newTestServer(t, 0, nil, nil)
	started := d.start(t, 2)
	require.Equal(t, http.StatusOK, d.postChunk(t, started.UploadID, 0, []byte("a")).Code)

	rec := d.do(t, httptest.NewRequest(http.MethodDelete, "/api/upload/"+started.UploadID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, d.blobs.Keys("tempuploads"))

	rec = d.do(t, httptest.NewRequest(http.MethodGet, "/api/upload/"+started.UploadID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveAndDownloadMissing(t *testing.T) {
	d := newTestServer(t, 0, nil, nil)

	rec := d.do(t, httptest.NewRequest(http.MethodGet, "/d/unknown1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = d.do(t, httptest.NewRequest(http.MethodGet, "/f/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadExpiredObject(t *testing.T) {
	d := newTestServer(t, 0, nil, nil)
	ctx := context.Background()
	require.NoError(t, d.blobs.EnsureContainer(ctx, "encryptedfiles"))
	require.NoError(t, d.blobs.Put(ctx, "encryptedfiles", "gone", strings.NewReader("x"), 1,
		blob.Metadata{ExpirationDate: time.Now().Add(-time.Hour)}))

	rec := d.do(t, httptest.NewRequest(http.MethodGet, "/f/gone", nil))
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	d := newTestServer(t, 0, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	req.Header.Set("X-Request-Id", "abc123")
	rec := d.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))

	rec = d.do(t, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Len(t, rec.Header().Get("X-Request-Id"), 36)
}

type fakeSweeps struct {
	run *store.CleanupRun
	err error
}

func (f fakeSweeps) LastRun(context.Context) (*store.CleanupRun, error) { return f.run, f.err }

func TestLastCleanup(t *testing.T) {
	end := time.Date(2024, 6, 1, 3, 5, 0, 0, time.UTC)
	run := &store.CleanupRun{
		ID: 7, StartTime: end.Add(-5 * time.Minute), EndTime: &end,
		FilesProcessed: 250, FilesDeleted: 249, ErrorCount: 1, Status: store.RunCompleted,
	}
	d := newTestServer(t, 0, fakeSweeps{run: run}, nil)
	rec := d.do(t, httptest.NewRequest(http.MethodGet, "/api/cleanup/last", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got store.CleanupRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 249, got.FilesDeleted)
	assert.Equal(t, store.RunCompleted, got.Status)

	d = newTestServer(t, 0, fakeSweeps{err: store.ErrNotFound}, nil)
	rec = d.do(t, httptest.NewRequest(http.MethodGet, "/api/cleanup/last", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	d = newTestServer(t, 0, nil, nil)
	rec = d.do(t, httptest.NewRequest(http.MethodGet, "/api/cleanup/last", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{upload.ErrSessionNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", upload.ErrSizeExceeded), http.StatusBadRequest},
		{upload.ErrInvalidRetention, http.StatusBadRequest},
		{upload.ErrIncompleteUpload, http.StatusConflict},
		{upload.ErrMissingChunk, http.StatusConflict},
		{transfer.ErrNotFound, http.StatusNotFound},
		{transfer.ErrExpired, http.StatusGone},
		{blob.Transient(errors.New("503")), http.StatusServiceUnavailable},
		{upload.ErrTooManySessions, http.StatusServiceUnavailable},
		{fmt.Errorf("record: %w", store.ErrTransient), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestServerErrorDetailWithheld(t *testing.T) {
	d := newTestServer(t, 0, nil, nil)
	d.store.SetFault(func(op string) error {
		if op == "TransferByShortURL" {
			return errors.New("password=hunter2")
		}
		return nil
	})
	rec := d.do(t, httptest.NewRequest(http.MethodGet, "/d/whatever", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.NotContains(t, string(body), "hunter2")
}

func TestJSONResponsesCompressed(t *testing.T) {
	d := newTestServer(t, 0, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/d/unknown", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := d.do(t, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"code":404`)
}
