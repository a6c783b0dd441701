package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"playtrack/internal/config"
	"playtrack/internal/job"
	"playtrack/internal/memq"
	"playtrack/internal/storage"
	"playtrack/internal/worker"
)

const testAPIKey = "test-secret-key"

// Minimal valid MP4 header so the mimetype sniffer sees video/mp4.
var mp4Bytes = append([]byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2',
	0x00, 0x00, 0x00, 0x00, 'm', 'p', '4', '2', 'i', 's', 'o', 'm'},
	bytes.Repeat([]byte{0x42}, 64)...)

type testEnv struct {
	handlers *Handlers
	router   http.Handler
	registry *job.Registry
	store    storage.Storage
	queue    memq.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	cfg := config.Config{
		APIKey:         testAPIKey,
		QueueBuf:       16,
		MaxUploadBytes: 16 << 20,
	}
	registry := job.NewRegistry(nil)
	q := memq.NewMemoryQueue(cfg.QueueBuf, time.Second)

	h := NewHandlers(registry, store, q, nil, cfg)
	r := chi.NewRouter()
	h.Routers(r)

	return &testEnv{handlers: h, router: r, registry: registry, store: store, queue: q}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func uploadRequest(t *testing.T, apiKey string, video []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "match.mp4")
	require.NoError(t, err)
	_, err = part.Write(video)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req
}

func resultsRequest(t *testing.T, jobID string, results any, charts map[int][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	raw, err := json.Marshal(results)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("results", string(raw)))

	for playerID, png := range charts {
		part, err := mw.CreateFormFile(fmt.Sprintf("chart_%d", playerID), fmt.Sprintf("%d.png", playerID))
		require.NoError(t, err)
		_, err = part.Write(png)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/results/"+jobID, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	return req
}

// processingJob drives a fresh job to processing, as a successful dispatch would.
func processingJob(t *testing.T, e *testEnv) job.Job {
	t.Helper()
	j := e.registry.Create(context.Background(), "videos/seed.mp4")
	require.NoError(t, e.registry.MarkProcessing(context.Background(), j.ID))
	return j
}

func completedJob(t *testing.T, e *testEnv, players []job.Player) job.Job {
	t.Helper()
	j := processingJob(t, e)
	require.NoError(t, e.registry.Complete(context.Background(), j.ID, players))
	got, err := e.registry.Get(context.Background(), j.ID)
	require.NoError(t, err)
	return got
}

func TestUpload_WrongKey(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(uploadRequest(t, "wrong-key", mp4Bytes))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, 0, e.registry.Len())

	// A guessed id after a rejected upload is still unknown.
	rec = e.do(httptest.NewRequest(http.MethodGet, "/status/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpload_MissingKey(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(uploadRequest(t, "", mp4Bytes))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpload_APIKeyQueryParam(t *testing.T) {
	e := newTestEnv(t)
	req := uploadRequest(t, "", mp4Bytes)
	req.URL.RawQuery = "api_key=" + testAPIKey
	rec := e.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestUpload_CreatesQueuedJob(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(uploadRequest(t, testAPIKey, mp4Bytes))
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, "queued", body["status"])
	jobID, err := uuid.Parse(body["job_id"].(string))
	require.NoError(t, err)

	// No consumers are running in this env, so the job must still be queued
	// and can certainly not be completed.
	rec = e.do(httptest.NewRequest(http.MethodGet, "/status/"+jobID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	require.Contains(t, []any{"queued", "processing"}, status["status"])
	require.NotEqual(t, "completed", status["status"])

	// The stored video is readable through the registry's video ref.
	j, err := e.registry.Get(context.Background(), jobID)
	require.NoError(t, err)
	rc, err := e.store.GetVideo(context.Background(), j.VideoRef)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, mp4Bytes, got)

	require.Equal(t, 1, e.queue.Len())
}

func TestUpload_RejectsNonVideoPayload(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(uploadRequest(t, testAPIKey, []byte("definitely a text file")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 0, e.registry.Len())
}

func TestUpload_MissingFilePart(t *testing.T) {
	e := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	rec := e.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 0, e.registry.Len())
}

func TestStatus_UnknownAndMalformedIDs(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/status/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(httptest.NewRequest(http.MethodGet, "/status/not-a-uuid", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatus_FailedJobCarriesError(t *testing.T) {
	e := newTestEnv(t)
	j := e.registry.Create(context.Background(), "videos/seed.mp4")
	require.NoError(t, e.registry.Fail(context.Background(), j.ID, "worker unreachable"))

	rec := e.do(httptest.NewRequest(http.MethodGet, "/status/"+j.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "failed", body["status"])
	require.Equal(t, "worker unreachable", body["error"])
}

func TestPlayers_BeforeCompletionReturnsStatusOnly(t *testing.T) {
	e := newTestEnv(t)
	j := processingJob(t, e)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/players/"+j.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "processing", body["status"])
	require.NotContains(t, body, "players")
}

func TestPlayers_CompletedReturnsSummaries(t *testing.T) {
	e := newTestEnv(t)
	j := completedJob(t, e, []job.Player{
		{ID: 1, Position: "GK", Analysis: map[string]any{"speed": 8.1}},
		{ID: 2, Analysis: map[string]any{"speed": 6.4}},
	})

	rec := e.do(httptest.NewRequest(http.MethodGet, "/players/"+j.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string          `json:"status"`
		Players []playerSummary `json:"players"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "completed", body.Status)
	require.Len(t, body.Players, 2)
	require.Equal(t, 1, body.Players[0].ID)
	require.Equal(t, "GK", body.Players[0].Position)
	require.Equal(t, 2, body.Players[1].ID)
}

func TestPlayers_UnknownJob(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/players/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalyze_CompletedPlayer(t *testing.T) {
	e := newTestEnv(t)
	j := completedJob(t, e, []job.Player{
		{ID: 1, Position: "GK", Analysis: map[string]any{"distance_km": 9.3, "sprints": float64(14)}},
	})

	rec := e.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/analyze/%s/1", j.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "completed", body["status"])
	require.Equal(t, fmt.Sprintf("/charts/%s/1.png", j.ID), body["chart_url"])

	analysis := body["analysis"].(map[string]any)
	require.Equal(t, 9.3, analysis["distance_km"])
	require.Equal(t, float64(14), analysis["sprints"])
}

func TestAnalyze_UnknownPlayer(t *testing.T) {
	e := newTestEnv(t)
	j := completedJob(t, e, []job.Player{{ID: 1}, {ID: 2}})

	rec := e.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/analyze/%s/99", j.ID), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalyze_BeforeCompletionReturnsStatusOnly(t *testing.T) {
	e := newTestEnv(t)
	j := e.registry.Create(context.Background(), "videos/seed.mp4")

	rec := e.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/analyze/%s/1", j.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "queued", body["status"])
	require.NotContains(t, body, "analysis")
}

func TestCharts_MissingAndStored(t *testing.T) {
	e := newTestEnv(t)
	j := completedJob(t, e, []job.Player{{ID: 1}})

	path := fmt.Sprintf("/charts/%s/1.png", j.ID)
	rec := e.do(httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	png := []byte("\x89PNG\r\n\x1a\nchart-bytes")
	require.NoError(t, e.store.SaveChart(context.Background(), j.ID.String(), 1, bytes.NewReader(png)))

	rec = e.do(httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, png, rec.Body.Bytes())
}

func TestResults_CompletesJobWithCharts(t *testing.T) {
	e := newTestEnv(t)
	j := processingJob(t, e)

	png := []byte("\x89PNG\r\n\x1a\nplayer-one-chart")
	req := resultsRequest(t, j.ID.String(), map[string]any{
		"players": []map[string]any{
			{"id": 1, "position": "ST", "analysis": map[string]any{"goals": 2}},
			{"id": 2, "position": "CM"},
		},
	}, map[int][]byte{1: png})

	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "completed", decodeBody(t, rec)["status"])

	got, err := e.registry.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Len(t, got.Players, 2)

	// The chart uploaded alongside the results is served byte-identical.
	rec = e.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/charts/%s/1.png", j.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, png, rec.Body.Bytes())
}

func TestResults_WorkerFailure(t *testing.T) {
	e := newTestEnv(t)
	j := processingJob(t, e)

	rec := e.do(resultsRequest(t, j.ID.String(), map[string]any{"error": "tracking lost after minute 12"}, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := e.registry.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Equal(t, "tracking lost after minute 12", got.Error)
}

func TestResults_DuplicateCallbackRejected(t *testing.T) {
	e := newTestEnv(t)
	j := processingJob(t, e)

	first := resultsRequest(t, j.ID.String(), map[string]any{"players": []map[string]any{{"id": 1}}}, nil)
	require.Equal(t, http.StatusOK, e.do(first).Code)

	second := resultsRequest(t, j.ID.String(), map[string]any{"error": "late duplicate"}, nil)
	require.Equal(t, http.StatusConflict, e.do(second).Code)

	got, err := e.registry.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Empty(t, got.Error)
}

func TestResults_DuplicatePlayerIDsRejected(t *testing.T) {
	e := newTestEnv(t)
	j := processingJob(t, e)

	req := resultsRequest(t, j.ID.String(), map[string]any{
		"players": []map[string]any{{"id": 5}, {"id": 5}},
	}, nil)
	rec := e.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	got, err := e.registry.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, got.Status)
}

func TestResults_QueuedJobNotCompletable(t *testing.T) {
	e := newTestEnv(t)
	j := e.registry.Create(context.Background(), "videos/seed.mp4")

	req := resultsRequest(t, j.ID.String(), map[string]any{"players": []map[string]any{{"id": 1}}}, nil)
	require.Equal(t, http.StatusConflict, e.do(req).Code)
}

func TestResults_Unauthorized(t *testing.T) {
	e := newTestEnv(t)
	j := processingJob(t, e)

	req := resultsRequest(t, j.ID.String(), map[string]any{"players": []map[string]any{}}, nil)
	req.Header.Set("Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, e.do(req).Code)
}

func TestResults_UnknownJob(t *testing.T) {
	e := newTestEnv(t)
	req := resultsRequest(t, uuid.NewString(), map[string]any{"players": []map[string]any{}}, nil)
	require.Equal(t, http.StatusNotFound, e.do(req).Code)
}

func TestResults_EmptyPayloadRejected(t *testing.T) {
	e := newTestEnv(t)
	j := processingJob(t, e)

	rec := e.do(resultsRequest(t, j.ID.String(), map[string]any{}, nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	got, err := e.registry.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, got.Status)
}

// TestUpload_EndToEndDispatch wires real consumers and a fake worker so the
// whole upload -> enqueue -> dispatch -> processing path runs.
func TestUpload_EndToEndDispatch(t *testing.T) {
	e := newTestEnv(t)

	workerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer workerSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := worker.NewNotifier(workerSrv.URL, testAPIKey, 2*time.Second, e.store, e.registry)
	e.queue.StartConsumers(ctx, 1, n.Dispatch)

	rec := e.do(uploadRequest(t, testAPIKey, mp4Bytes))
	require.Equal(t, http.StatusCreated, rec.Code)
	jobID := uuid.MustParse(decodeBody(t, rec)["job_id"].(string))

	require.Eventually(t, func() bool {
		j, err := e.registry.Get(context.Background(), jobID)
		return err == nil && j.Status == job.StatusProcessing
	}, 3*time.Second, 20*time.Millisecond, "job never reached processing")
}

// TestUpload_EndToEndDispatchFailure drives the timeout path: the worker
// never answers, so the job must end failed with a non-empty error.
func TestUpload_EndToEndDispatchFailure(t *testing.T) {
	e := newTestEnv(t)

	block := make(chan struct{})
	workerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer workerSrv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := worker.NewNotifier(workerSrv.URL, testAPIKey, 100*time.Millisecond, e.store, e.registry)
	e.queue.StartConsumers(ctx, 1, n.Dispatch)

	rec := e.do(uploadRequest(t, testAPIKey, mp4Bytes))
	require.Equal(t, http.StatusCreated, rec.Code)
	jobID := uuid.MustParse(decodeBody(t, rec)["job_id"].(string))

	require.Eventually(t, func() bool {
		j, err := e.registry.Get(context.Background(), jobID)
		return err == nil && j.Status == job.StatusFailed && j.Error != ""
	}, 3*time.Second, 20*time.Millisecond, "job never reached failed")
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, StatusHealthy, decodeBody(t, rec)["status"])
}

func TestReadyz(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Contains(t, body, "checks")
}
