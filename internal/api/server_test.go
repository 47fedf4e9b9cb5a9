package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicejobs/internal/admission"
	"voicejobs/internal/artifacts"
	"voicejobs/internal/capability"
	"voicejobs/internal/config"
	"voicejobs/internal/jobs"
	"voicejobs/internal/models"
	"voicejobs/internal/queue"
	"voicejobs/internal/store"
)

type testAPI struct {
	srv   *httptest.Server
	repo  *store.Memory
	fs    *artifacts.FS
	redis *miniredis.Miniredis
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := store.NewMemory()
	fs, err := artifacts.NewFS(t.TempDir())
	require.NoError(t, err)
	q := queue.NewRedisQueue(client, config.Config{VisibilityTimeout: time.Minute})
	svc := jobs.NewService(jobs.Deps{
		Repo:      repo,
		Admission: admission.New(repo, config.DefaultQuotas(), nil),
		Queue:     q,
		FS:        fs,
	}, jobs.Options{MinSamples: 3, MinTotalSeconds: 30, MaxTotalSeconds: 600})
	require.NoError(t, repo.CreateModel(context.Background(), models.Model{
		ID: "narrator", Name: "narrator", Type: models.ModelOfficial, Status: models.ModelActive, Public: true,
		SupportedEmotions: capability.Emotions,
	}))

	srv := httptest.NewServer(New(svc, nil).Router())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, repo: repo, fs: fs, redis: mr}
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if user == "ops" {
		req.Header.Set("X-User-Admin", "true")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	resp := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestHealthzReportsBrokerOutage(t *testing.T) {
	a := newTestAPI(t)
	a.redis.Close()

	resp := a.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "unavailable", body["status"])
	assert.True(t, strings.HasPrefix(body["error"], "queue:"), body["error"])
}

func TestAdminQueueStatus(t *testing.T) {
	a := newTestAPI(t)
	for _, user := range []string{"alice", "bob"} {
		resp := a.do(t, http.MethodPost, "/api/tts/jobs", user, models.TTSInput{Text: "hi", ModelID: "narrator"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp := a.do(t, http.MethodGet, "/api/admin/queue", "alice", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/api/admin/queue", "ops", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[jobs.QueueStatus](t, resp)
	assert.Equal(t, "ok", status.Broker)
	assert.Equal(t, 2, status.Jobs[models.KindTTS][models.StatusPending])
	assert.Equal(t, 0, status.Jobs[models.KindTTS][models.StatusProcessing])
	assert.Equal(t, 0, status.Jobs[models.KindVoiceClone][models.StatusPending])
	assert.Equal(t, int64(2), status.Ready["tts"])
	assert.Zero(t, status.Inflight)

	a.redis.Close()
	resp = a.do(t, http.MethodGet, "/api/admin/queue", "ops", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status = decode[jobs.QueueStatus](t, resp)
	assert.Equal(t, "unavailable", status.Broker)
	assert.Equal(t, 2, status.Jobs[models.KindTTS][models.StatusPending])
}

func TestSubmitAndPollTTSJob(t *testing.T) {
	a := newTestAPI(t)
	resp := a.do(t, http.MethodPost, "/api/tts/jobs", "alice", models.TTSInput{Text: "hello", ModelID: "narrator"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decode[submitResponse](t, resp)
	assert.Equal(t, models.StatusPending, created.Job.Status)

	resp = a.do(t, http.MethodGet, "/api/jobs/"+created.Job.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Job](t, resp)
	assert.Equal(t, created.Job.ID, got.ID)

	resp = a.do(t, http.MethodGet, "/api/jobs/"+created.Job.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/api/jobs/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitErrorMapping(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/api/tts/jobs", "alice", models.TTSInput{Text: "", ModelID: "narrator"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodPost, "/api/tts/jobs", "", models.TTSInput{Text: "hi", ModelID: "narrator"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	for i := 0; i < 5; i++ {
		resp = a.do(t, http.MethodPost, "/api/tts/jobs", "alice", models.TTSInput{Text: "hi", ModelID: "narrator"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp = a.do(t, http.MethodPost, "/api/tts/jobs", "alice", models.TTSInput{Text: "hi", ModelID: "narrator"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestSubmitReportsQueueOutage(t *testing.T) {
	a := newTestAPI(t)
	a.redis.Close()

	resp := a.do(t, http.MethodPost, "/api/tts/jobs", "alice", models.TTSInput{Text: "hi", ModelID: "narrator"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode[submitResponse](t, resp)
	assert.Equal(t, models.StatusPending, body.Job.Status)
	assert.NotEmpty(t, body.Error)
}

func TestCancelAndRetryConflicts(t *testing.T) {
	a := newTestAPI(t)
	created := decode[submitResponse](t, a.do(t, http.MethodPost, "/api/tts/jobs", "alice", models.TTSInput{Text: "hi", ModelID: "narrator"}))

	resp := a.do(t, http.MethodPost, "/api/jobs/"+created.Job.ID+"/retry", "alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = a.do(t, http.MethodPost, "/api/jobs/"+created.Job.ID+"/cancel", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[models.Job](t, resp)
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Equal(t, models.CancelReason, job.ErrorText())

	resp = a.do(t, http.MethodPost, "/api/jobs/"+created.Job.ID+"/cancel", "alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListAndCancelUserJobs(t *testing.T) {
	a := newTestAPI(t)
	for i := 0; i < 3; i++ {
		a.do(t, http.MethodPost, "/api/tts/jobs", "alice", models.TTSInput{Text: "hi", ModelID: "narrator"})
	}
	a.do(t, http.MethodPost, "/api/tts/jobs", "bob", models.TTSInput{Text: "hi", ModelID: "narrator"})

	resp := a.do(t, http.MethodGet, "/api/jobs?limit=2", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[listResponse](t, resp)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)

	resp = a.do(t, http.MethodGet, "/api/jobs?status=bogus", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodPost, "/api/users/alice/jobs/cancel", "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = a.do(t, http.MethodPost, "/api/users/alice/jobs/cancel?kind=tts", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int{"cancelled": 3}, decode[map[string]int](t, resp))

	resp = a.do(t, http.MethodGet, "/api/users/alice/limits", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decode[admission.Usage](t, resp)
	assert.Equal(t, 0, usage.Kinds[models.KindTTS].Concurrent)

	resp = a.do(t, http.MethodGet, "/api/users/alice/statistics?period_days=7", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[jobs.Statistics](t, resp)
	assert.Equal(t, 7, stats.PeriodDays)
	assert.Equal(t, 3, stats.Kinds[models.KindTTS].ByStatus[models.StatusCancelled])
}

func TestUploadAndDeleteArtifact(t *testing.T) {
	a := newTestAPI(t)

	src := filepath.Join(t.TempDir(), "sample.wav")
	require.NoError(t, capability.WriteWAV(src, capability.Clip{Samples: make([]float64, 16000), SampleRate: 16000}))
	raw, err := os.ReadFile(src)
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "sample.wav")
	require.NoError(t, err)
	_, err = part.Write(raw)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, a.srv.URL+"/api/artifacts", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	art := decode[models.Artifact](t, resp)
	assert.InDelta(t, 1.0, art.DurationSeconds, 0.01)
	assert.True(t, a.fs.Exists(art.Path))

	del := a.do(t, http.MethodDelete, "/api/artifacts/"+art.ID+"?owner=alice", "bob", nil)
	assert.Equal(t, http.StatusForbidden, del.StatusCode)
	del = a.do(t, http.MethodDelete, "/api/artifacts/"+art.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, del.StatusCode, "other owners' samples are invisible")
	del = a.do(t, http.MethodDelete, "/api/artifacts/"+art.ID+"?owner=alice", "alice", nil)
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
}

func TestDownloadServesGeneratedAudio(t *testing.T) {
	ctx := context.Background()
	a := newTestAPI(t)
	handle := "h1"
	require.NoError(t, a.repo.CreateJob(ctx, models.Job{
		ID: "t1", Kind: models.KindTTS, Owner: "alice", Status: models.StatusPending, WorkerHandle: &handle,
		Inputs:    models.JobInputs{TTS: &models.TTSInput{Text: "hi", ModelID: "narrator", Emotion: "neutral", Speed: 1}},
		CreatedAt: time.Now(),
	}))

	resp := a.do(t, http.MethodGet, "/api/tts/jobs/t1/download", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "pending jobs have no audio")

	rel := a.fs.GeneratedAudioPath("t1")
	require.NoError(t, capability.WriteWAV(a.fs.Abs(rel), capability.Clip{Samples: make([]float64, 800), SampleRate: 16000}))
	_, err := a.repo.MarkProcessing(ctx, "t1", handle)
	require.NoError(t, err)
	require.NoError(t, a.repo.Complete(ctx, "t1", handle, models.JobOutputs{TTS: &models.TTSOutput{AudioPath: rel}}, nil))

	resp = a.do(t, http.MethodGet, "/api/tts/jobs/t1/download", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Disposition"), "attachment"))

	job, err := a.repo.GetJob(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Outputs.TTS.DownloadCount)
}

func TestDLQRequiresAdmin(t *testing.T) {
	a := newTestAPI(t)
	resp := a.do(t, http.MethodGet, "/dlq", "alice", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/dlq", "ops", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestModelVisibility(t *testing.T) {
	ctx := context.Background()
	a := newTestAPI(t)
	require.NoError(t, a.repo.CreateModel(ctx, models.Model{ID: "private", Name: "mine", Owner: "bob", Type: models.ModelUserTrained, Status: models.ModelActive}))

	resp := a.do(t, http.MethodGet, "/api/models/narrator", "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = a.do(t, http.MethodGet, "/api/models/private", "alice", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
