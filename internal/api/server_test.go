package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"analysis-jobs/internal/auth"
	"analysis-jobs/internal/blob"
	"analysis-jobs/internal/config"
	"analysis-jobs/internal/dispatch"
	"analysis-jobs/internal/hub"
	"analysis-jobs/internal/inference"
	"analysis-jobs/internal/ingest"
	"analysis-jobs/internal/models"
	"analysis-jobs/internal/results"
	"analysis-jobs/internal/store"
)

type fakeBlobs struct {
	objects map[string][]byte
}

func (f *fakeBlobs) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return data, nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

type fakeAuth struct {
	owners map[string]int64
}

func (f *fakeAuth) Authenticate(_ context.Context, token string) (int64, error) {
	owner, ok := f.owners[token]
	if !ok {
		return 0, auth.ErrInvalidToken
	}
	return owner, nil
}

type nopRunner struct{}

func (nopRunner) Run(_ context.Context, req inference.Request) (inference.Result, error) {
	return inference.Result{JobUUID: req.JobUUID}, nil
}

type fixture struct {
	server *Server
	store  *store.Memory
	blobs  *fakeBlobs
	router http.Handler
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	st := store.NewMemory()
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	h := hub.New(nil)
	pipeline := ingest.New(blobs, ingest.Limits{MaxEntries: 10, MaxRatio: 50, MaxTotalBytes: 1 << 20}, "jobs/", nil)
	// The coordinator is never started: enqueued tasks stay buffered, so
	// handler tests observe jobs exactly as the request left them.
	coordinator := dispatch.New(st, h, nopRunner{}, dispatch.Options{}, nil)
	materializer := results.NewMaterializer(st, blobs, coordinator.Broadcast, nil)
	authn := &fakeAuth{owners: map[string]int64{"tok-alice": 1, "tok-bob": 2}}

	srv := New(cfg, st, blobs, pipeline, coordinator, materializer, h, authn, nil, nil)
	return &fixture{server: srv, store: st, blobs: blobs, router: srv.Router()}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, fields map[string]string, fileName string, fileContent []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		part, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(fileContent)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (f *fixture) createJob(t *testing.T, token string, fields map[string]string, fileName string, content []byte) models.Snapshot {
	t.Helper()
	body, contentType := multipartBody(t, fields, fileName, content)
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := f.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildResultsWorkbook(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	rows := [][]interface{}{
		{"study_uid", "series_uid", "probability_of_pathology", "pathology"},
		{"1.2.3", "4.5.6", "0.9", "yes"},
		{"7.8.9", "0.1.2", "0.1", "no"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestCreateJobWithoutFileStaysPending(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", map[string]string{"title": "manual review"}, "", nil)

	assert.Equal(t, models.StatusPending, snap.Status)
	assert.Equal(t, "manual review", *snap.Title)
	assert.Nil(t, snap.FileKind)
}

func TestCreateJobTitleDefaultsToFilename(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", nil, "scan.bin", []byte("raw bytes"))

	assert.Equal(t, models.StatusQueued, snap.Status)
	require.NotNil(t, snap.Title)
	assert.Equal(t, "scan.bin", *snap.Title)
	require.NotNil(t, snap.FileKind)
	assert.Equal(t, models.FileKindSingle, *snap.FileKind)
	assert.Len(t, f.blobs.objects, 1)
}

func TestCreateJobArchiveRecordsManifest(t *testing.T) {
	f := newFixture(t, config.Config{})
	archive := buildZip(t, map[string][]byte{"a.dcm": []byte("aaaa"), "b.dcm": []byte("bbbb")})
	snap := f.createJob(t, "tok-alice", nil, "study.zip", archive)

	assert.Equal(t, models.StatusQueued, snap.Status)
	require.NotNil(t, snap.FileKind)
	assert.Equal(t, models.FileKindArchive, *snap.FileKind)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+snap.ID+"/archive", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var manifest struct {
		Count   int                    `json:"count"`
		Entries []models.ManifestEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &manifest))
	assert.Equal(t, 2, manifest.Count)
}

func TestCreateJobRejectsBombAndRollsBack(t *testing.T) {
	f := newFixture(t, config.Config{})
	// A megabyte of zeros compresses far past the configured ratio ceiling.
	bomb := buildZip(t, map[string][]byte{"zeros.bin": make([]byte, 1<<20)})

	body, contentType := multipartBody(t, nil, "bomb.zip", bomb)
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := f.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_UPLOAD")
	assert.Empty(t, f.blobs.objects)

	jobs, err := f.store.ListByOwner(context.Background(), 1, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected upload leaves no job row behind")
}

type attachFailStore struct {
	*store.Memory
}

func (s *attachFailStore) AttachFile(context.Context, int64, models.FileMeta, []models.ManifestEntry) (models.Job, error) {
	return models.Job{}, errors.New("connection reset")
}

func TestCreateJobCleansUpWhenQueueingFails(t *testing.T) {
	st := &attachFailStore{Memory: store.NewMemory()}
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	h := hub.New(nil)
	pipeline := ingest.New(blobs, ingest.Limits{MaxEntries: 10, MaxRatio: 50, MaxTotalBytes: 1 << 20}, "jobs/", nil)
	coordinator := dispatch.New(st, h, nopRunner{}, dispatch.Options{}, nil)
	materializer := results.NewMaterializer(st, blobs, coordinator.Broadcast, nil)
	authn := &fakeAuth{owners: map[string]int64{"tok-alice": 1}}
	srv := New(config.Config{}, st, blobs, pipeline, coordinator, materializer, h, authn, nil, nil)
	router := srv.Router()

	body, contentType := multipartBody(t, nil, "scan.bin", []byte("raw"))
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, blobs.objects, "the stored blob must be cleaned up")

	jobs, err := st.ListByOwner(context.Background(), 1, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs, "the pending row must be rolled back")
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	f := newFixture(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := f.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetJobOwnershipAndNotFound(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", map[string]string{"title": "mine"}, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+snap.ID, nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	assert.Equal(t, http.StatusOK, f.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs/"+snap.ID, nil)
	req.Header.Set("Authorization", "Bearer tok-bob")
	assert.Equal(t, http.StatusForbidden, f.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs/00000000-0000-0000-0000-000000000000", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	assert.Equal(t, http.StatusNotFound, f.do(req).Code)
}

func TestUpdateJobDetails(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", map[string]string{"title": "before"}, "", nil)

	req := httptest.NewRequest(http.MethodPut, "/jobs/"+snap.ID, strings.NewReader(`{"title":"after"}`))
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "after", *updated.Title)
	assert.Equal(t, models.StatusPending, updated.Status, "detail edits never touch status")
}

func TestDeleteJobRemovesArtifact(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", nil, "scan.bin", []byte("raw"))
	require.Len(t, f.blobs.objects, 1)

	req := httptest.NewRequest(http.MethodDelete, "/jobs/"+snap.ID, nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	require.Equal(t, http.StatusOK, f.do(req).Code)

	assert.Empty(t, f.blobs.objects)
	req = httptest.NewRequest(http.MethodGet, "/jobs/"+snap.ID, nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	assert.Equal(t, http.StatusNotFound, f.do(req).Code)
}

func TestDownloadFile(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", nil, "scan.bin", []byte("raw bytes"))

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+snap.ID+"/file", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "raw bytes", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "scan.bin")
}

func TestDownloadFileWithoutArtifact(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", map[string]string{"title": "no file"}, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+snap.ID+"/file", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	assert.Equal(t, http.StatusNotFound, f.do(req).Code)
}

func TestCompletionCallbackRejectsBadToken(t *testing.T) {
	f := newFixture(t, config.Config{CompletionToken: "secret"})
	snap := f.createJob(t, "tok-alice", nil, "scan.bin", []byte("raw"))

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/"+snap.ID+"/completion",
		strings.NewReader(`{"status":"succeeded"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := f.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	job, err := f.store.Resolve(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status, "rejected callback leaves status untouched")
}

func TestCompletionCallbackFinalizesJob(t *testing.T) {
	f := newFixture(t, config.Config{CompletionToken: "secret"})
	snap := f.createJob(t, "tok-alice", nil, "scan.bin", []byte("raw"))

	job, err := f.store.Resolve(context.Background(), snap.ID)
	require.NoError(t, err)
	_, err = f.store.SetStatus(context.Background(), job.ID, models.StatusProcessing)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/"+snap.ID+"/completion",
		strings.NewReader(`{"status":"succeeded","output_object":"jobs/abc.xlsx","file_size":4096}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, models.StatusSucceeded, updated.Status)
	require.NotNil(t, updated.FileSizeBytes)
	assert.Equal(t, int64(4096), *updated.FileSizeBytes)
	assert.NotNil(t, updated.CompletedAt)

	job, err = f.store.Resolve(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "jobs/abc.xlsx", *job.FilePath)
}

func TestCompletionCallbackUnknownStatus(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", nil, "scan.bin", []byte("raw"))

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/"+snap.ID+"/completion",
		strings.NewReader(`{"status":"exploded"}`))
	rec := f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompletionCallbackSkipsCheckWhenUnconfigured(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", nil, "scan.bin", []byte("raw"))

	job, err := f.store.Resolve(context.Background(), snap.ID)
	require.NoError(t, err)
	_, err = f.store.SetStatus(context.Background(), job.ID, models.StatusProcessing)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/"+snap.ID+"/completion",
		strings.NewReader(`{"status":"failed"}`))
	rec := f.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResultsFreshThenCached(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", nil, "scan.bin", []byte("raw"))

	ctx := context.Background()
	job, err := f.store.Resolve(ctx, snap.ID)
	require.NoError(t, err)
	_, err = f.store.SetStatus(ctx, job.ID, models.StatusProcessing)
	require.NoError(t, err)
	_, err = f.store.SetStatus(ctx, job.ID, models.StatusSucceeded)
	require.NoError(t, err)
	out := "jobs/out.xlsx"
	f.blobs.objects[out] = buildResultsWorkbook(t)
	_, err = f.store.SetOutput(ctx, job.ID, &out, nil, nil)
	require.NoError(t, err)

	get := func() (int, results.Response) {
		req := httptest.NewRequest(http.MethodGet, "/jobs/"+snap.ID+"/results", nil)
		req.Header.Set("Authorization", "Bearer tok-alice")
		rec := f.do(req)
		var res results.Response
		_ = json.Unmarshal(rec.Body.Bytes(), &res)
		return rec.Code, res
	}

	code, fresh := get()
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, results.SourceFresh, fresh.Source)

	code, cached := get()
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, results.SourceCached, cached.Source)
	assert.JSONEq(t, string(fresh.Results), string(cached.Results))
}

func TestResultsNotReady(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", map[string]string{"title": "no artifact"}, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+snap.ID+"/results", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := f.do(req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_READY")
}

func TestListJobsScopedToOwner(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.createJob(t, "tok-alice", map[string]string{"title": "a1"}, "", nil)
	f.createJob(t, "tok-alice", map[string]string{"title": "a2"}, "", nil)
	f.createJob(t, "tok-bob", map[string]string{"title": "b1"}, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var jobs []models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 2)
}

func TestSubscribePushesSnapshotAndUpdates(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", nil, "scan.bin", []byte("raw"))

	ts := httptest.NewServer(f.router)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/" + snap.ID

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first models.UpdateMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, models.MessageJobUpdate, first.Type)
	assert.Equal(t, models.StatusQueued, first.Job.Status)

	// Registration happens before the snapshot push, so once the first frame
	// arrives the subscription is already live.
	assert.Equal(t, 1, f.server.hub.Subscribers(snap.ID))

	// Drive the job terminal and expect the pushed update followed by close.
	job, err := f.store.Resolve(context.Background(), snap.ID)
	require.NoError(t, err)
	job, err = f.store.SetStatus(context.Background(), job.ID, models.StatusFailed)
	require.NoError(t, err)
	f.server.coordinator.Broadcast(job)

	var second models.UpdateMessage
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, models.StatusFailed, second.Job.Status)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server closes the channel after a terminal push")
}

func TestSubscribeTerminalJobGetsSnapshotThenClose(t *testing.T) {
	f := newFixture(t, config.Config{})
	snap := f.createJob(t, "tok-alice", nil, "scan.bin", []byte("raw"))

	ctx := context.Background()
	job, err := f.store.Resolve(ctx, snap.ID)
	require.NoError(t, err)
	_, err = f.store.SetStatus(ctx, job.ID, models.StatusProcessing)
	require.NoError(t, err)
	_, err = f.store.SetStatus(ctx, job.ID, models.StatusFailed)
	require.NoError(t, err)

	ts := httptest.NewServer(f.router)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/" + snap.ID

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg models.UpdateMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.StatusFailed, msg.Job.Status)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "terminal snapshot is the last frame")

	assert.Equal(t, 0, f.server.hub.Subscribers(snap.ID))
}

func TestSubscribeUnknownJob(t *testing.T) {
	f := newFixture(t, config.Config{})
	ts := httptest.NewServer(f.router)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/00000000-0000-0000-0000-000000000000"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg models.NotFoundMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.MessageJobNotFound, msg.Type)
}
