package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicejobs/internal/artifacts"
	"voicejobs/internal/capability"
	"voicejobs/internal/models"
	"voicejobs/internal/store"
)

type harness struct {
	store *store.Memory
	fs    *artifacts.FS
	exec  *Executor
}

func newHarness(t *testing.T, caps Capabilities, opts Options) *harness {
	t.Helper()
	fs, err := artifacts.NewFS(t.TempDir())
	require.NoError(t, err)
	st := store.NewMemory()
	return &harness{store: st, fs: fs, exec: NewExecutor(st, fs, nil, caps, opts, nil)}
}

func writeTone(t *testing.T, path string, seconds float64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	n := int(seconds * 16000)
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.4 * math.Sin(2*math.Pi*220*float64(i)/16000)
	}
	require.NoError(t, capability.WriteWAV(path, capability.Clip{Samples: samples, SampleRate: 16000}))
}

func (h *harness) addSample(t *testing.T, id, owner string, valid bool) {
	t.Helper()
	rel := h.fs.UploadPath(owner, id, ".wav")
	if valid {
		writeTone(t, h.fs.Abs(rel), 1)
	} else {
		require.NoError(t, os.MkdirAll(filepath.Dir(h.fs.Abs(rel)), 0o755))
		require.NoError(t, os.WriteFile(h.fs.Abs(rel), []byte("not audio"), 0o644))
	}
	require.NoError(t, h.store.CreateArtifact(context.Background(), models.Artifact{
		ID: id, Owner: owner, Kind: models.ArtifactAudio, Path: rel, CreatedAt: time.Now(),
	}))
}

func (h *harness) startJob(t *testing.T, job models.Job) models.Job {
	t.Helper()
	ctx := context.Background()
	handle := "h-" + job.ID
	job.WorkerHandle = &handle
	job.Status = models.StatusPending
	job.CreatedAt = time.Now()
	require.NoError(t, h.store.CreateJob(ctx, job))
	started, err := h.store.MarkProcessing(ctx, job.ID, handle)
	require.NoError(t, err)
	return started
}

func voiceCloneJob(id string, samples ...string) models.Job {
	return models.Job{
		ID: id, Kind: models.KindVoiceClone, Owner: "alice", MaxRetries: 3,
		Inputs: models.JobInputs{VoiceClone: &models.VoiceCloneInput{SampleIDs: samples, ModelName: "my-voice"}},
	}
}

func ttsJob(id, modelID, emotion string, speed float64) models.Job {
	return models.Job{
		ID: id, Kind: models.KindTTS, Owner: "alice", MaxRetries: 3,
		Inputs: models.JobInputs{TTS: &models.TTSInput{Text: "hello", ModelID: modelID, Emotion: emotion, Speed: speed}},
	}
}

func TestVoiceCloneCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultCapabilities("en"), Options{})
	for _, id := range []string{"a1", "a2", "a3"} {
		h.addSample(t, id, "alice", true)
	}
	job := h.startJob(t, voiceCloneJob("vc1", "a1", "a2", "a3"))

	require.NoError(t, h.exec.Run(ctx, job))

	got, err := h.store.GetJob(ctx, "vc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Nil(t, got.WorkerHandle)
	require.NotNil(t, got.Outputs)
	require.NotNil(t, got.Outputs.VoiceClone)

	m, err := h.store.GetModel(ctx, got.Outputs.VoiceClone.ModelID)
	require.NoError(t, err)
	assert.Equal(t, "my-voice", m.Name)
	assert.Equal(t, models.ModelUserTrained, m.Type)
	assert.Equal(t, models.ModelActive, m.Status)
	assert.False(t, m.Public)
	assert.Equal(t, "Voice model trained from 3 audio samples", m.Description)
	assert.Equal(t, DefaultModelEmotions, m.SupportedEmotions)
	assert.Equal(t, DefaultModelLanguages, m.SupportedLanguages)
	assert.InDelta(t, 7.5, m.QualityScore, 0.001)
	assert.Equal(t, "vc1", m.SourceJobID)
	for _, p := range m.Paths() {
		assert.True(t, h.fs.Exists(p), p)
	}
	assert.Equal(t, "models/user_alice/my-voice/my-voice.pth", m.WeightsPath)

	_, err = os.Stat(h.fs.WorkDirFor(models.KindVoiceClone, "vc1").Root)
	assert.True(t, os.IsNotExist(err), "work dir is released")
}

func TestVoiceCloneSkipsUnreadableSamples(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultCapabilities("en"), Options{})
	h.addSample(t, "good", "alice", true)
	h.addSample(t, "bad", "alice", false)
	job := h.startJob(t, voiceCloneJob("vc1", "good", "bad"))

	require.NoError(t, h.exec.Run(ctx, job))
	got, err := h.store.GetJob(ctx, "vc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestVoiceCloneFailsWhenNoSampleSurvives(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultCapabilities("en"), Options{})
	h.addSample(t, "bad1", "alice", false)
	h.addSample(t, "bad2", "alice", false)
	job := h.startJob(t, voiceCloneJob("vc1", "bad1", "bad2"))

	err := h.exec.Run(ctx, job)
	var serr *models.StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "normalize", serr.Stage)

	got, err := h.store.GetJob(ctx, "vc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorText(), "normalize")
	assert.Nil(t, got.Outputs)
	_, err = os.Stat(h.fs.WorkDirFor(models.KindVoiceClone, "vc1").Root)
	assert.True(t, os.IsNotExist(err), "work dir is removed on failure")
}

func TestVoiceCloneFailsOnDeletedSample(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultCapabilities("en"), Options{})
	h.addSample(t, "a1", "alice", true)
	require.NoError(t, os.Remove(h.fs.Abs(h.fs.UploadPath("alice", "a1", ".wav"))))
	job := h.startJob(t, voiceCloneJob("vc1", "a1"))

	err := h.exec.Run(ctx, job)
	assert.ErrorIs(t, err, models.ErrStageFailure)
	assert.ErrorIs(t, err, models.ErrInputInvalid)
}

type trainerFunc func(ctx context.Context, progress func(float64) error) error

func (f trainerFunc) Train(ctx context.Context, bundle capability.FeatureBundle, name string, cfg models.TrainingConfig,
	dir string, progress func(float64) error) (artifacts.ModelFiles, error) {
	if err := f(ctx, progress); err != nil {
		return artifacts.ModelFiles{}, err
	}
	return capability.SimulatedTrainer{}.Train(ctx, bundle, name, cfg, dir, nil)
}

func TestCancelDuringTrainingWinsOverExecutor(t *testing.T) {
	ctx := context.Background()
	caps := DefaultCapabilities("en")
	h := newHarness(t, caps, Options{})
	h.exec.caps.Trainer = trainerFunc(func(ctx context.Context, progress func(float64) error) error {
		if err := progress(0.5); err != nil {
			return err
		}
		if _, err := h.store.Cancel(ctx, "vc1"); err != nil {
			return err
		}
		return progress(1)
	})
	h.addSample(t, "a1", "alice", true)
	job := h.startJob(t, voiceCloneJob("vc1", "a1"))

	err := h.exec.Run(ctx, job)
	assert.ErrorIs(t, err, models.ErrStaleRun)

	got, err := h.store.GetJob(ctx, "vc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.CancelReason, got.ErrorText())
	assert.Equal(t, 65, got.Progress)
	taken, err := h.store.ModelNameTaken(ctx, "alice", "my-voice")
	require.NoError(t, err)
	assert.False(t, taken)
	_, err = os.Stat(h.fs.WorkDirFor(models.KindVoiceClone, "vc1").Root)
	assert.True(t, os.IsNotExist(err))
}

func TestVoiceCloneRejectsTakenName(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultCapabilities("en"), Options{})
	require.NoError(t, h.store.CreateModel(ctx, models.Model{ID: "m0", Name: "my-voice", Owner: "alice", Type: models.ModelUserTrained}))
	h.addSample(t, "a1", "alice", true)
	job := h.startJob(t, voiceCloneJob("vc1", "a1"))

	err := h.exec.Run(ctx, job)
	var serr *models.StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "persist", serr.Stage)
	assert.False(t, h.fs.Exists("models/user_alice/my-voice/my-voice.pth"))
}

// completeHook runs before delegating Complete to the memory store.
type completeHook struct {
	*store.Memory
	before func(id string)
}

func (c completeHook) Complete(ctx context.Context, id, handle string, outputs models.JobOutputs, model *models.Model) error {
	if c.before != nil {
		c.before(id)
	}
	return c.Memory.Complete(ctx, id, handle, outputs, model)
}

func TestConcurrentJobsForSameModelNameDoNotShareFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultCapabilities("en"), Options{})
	for _, id := range []string{"a1", "a2", "b1"} {
		h.addSample(t, id, "alice", true)
	}
	first := h.startJob(t, voiceCloneJob("vc1", "a1", "a2"))
	second := h.startJob(t, voiceCloneJob("vc2", "b1"))

	weights := "models/user_alice/my-voice/my-voice.pth"
	var before []byte
	var secondErr error
	hook := &completeHook{Memory: h.store}
	exec := NewExecutor(hook, h.fs, nil, DefaultCapabilities("en"), Options{}, nil)
	hook.before = func(id string) {
		if id != "vc1" {
			return
		}
		var err error
		before, err = os.ReadFile(h.fs.Abs(weights))
		require.NoError(t, err)
		secondErr = exec.Run(ctx, second)
	}

	require.NoError(t, exec.Run(ctx, first))

	var serr *models.StageError
	require.ErrorAs(t, secondErr, &serr)
	assert.Equal(t, "persist", serr.Stage)
	assert.Contains(t, serr.Error(), "already being trained")

	after, err := os.ReadFile(h.fs.Abs(weights))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := h.store.GetJob(ctx, "vc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	m, err := h.store.GetModel(ctx, got.Outputs.VoiceClone.ModelID)
	require.NoError(t, err)
	assert.Equal(t, weights, m.WeightsPath)
	failed, err := h.store.GetJob(ctx, "vc2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
}

func TestLostCompletionReleasesModelFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultCapabilities("en"), Options{})
	h.addSample(t, "a1", "alice", true)
	job := h.startJob(t, voiceCloneJob("vc1", "a1"))

	hook := &completeHook{Memory: h.store, before: func(id string) {
		_, err := h.store.Cancel(ctx, id)
		require.NoError(t, err)
	}}
	exec := NewExecutor(hook, h.fs, nil, DefaultCapabilities("en"), Options{}, nil)

	err := exec.Run(ctx, job)
	require.ErrorIs(t, err, models.ErrStaleRun)
	_, err = os.Stat(h.fs.Abs("models/user_alice/my-voice"))
	assert.True(t, os.IsNotExist(err))

	// the name is free again for a fresh job
	h.addSample(t, "a2", "alice", true)
	require.NoError(t, h.exec.Run(ctx, h.startJob(t, voiceCloneJob("vc2", "a2"))))
	assert.True(t, h.fs.Exists("models/user_alice/my-voice/my-voice.pth"))
}

func (h *harness) addModel(t *testing.T, m models.Model) {
	t.Helper()
	require.NoError(t, h.store.CreateModel(context.Background(), m))
}

func publicModel() models.Model {
	return models.Model{
		ID: "official-1", Name: "narrator", Type: models.ModelOfficial, Status: models.ModelActive,
		Public: true, SupportedEmotions: []string{"neutral", "happy"},
	}
}

func TestTTSCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultCapabilities("en"), Options{})
	h.addModel(t, publicModel())
	job := h.startJob(t, ttsJob("t1", "official-1", "happy", 2))

	require.NoError(t, h.exec.Run(ctx, job))

	got, err := h.store.GetJob(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	out := got.Outputs.TTS
	require.NotNil(t, out)
	assert.Equal(t, "/api/tts/jobs/t1/download", out.AudioURL)
	assert.True(t, h.fs.Exists(out.AudioPath))
	assert.True(t, h.fs.Exists(out.PreviewPath))
	assert.Positive(t, out.SizeBytes)
	// five characters at 0.15s each, played at double speed
	assert.InDelta(t, 0.375, out.DurationSeconds, 0.05)

	clip, err := capability.ReadWAV(h.fs.Abs(out.AudioPath))
	require.NoError(t, err)
	assert.InDelta(t, capability.OutputPeak, capability.Peak(clip.Samples), 0.01)
}

func TestTTSRejectsUnsupportedEmotion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultCapabilities("en"), Options{})
	h.addModel(t, publicModel())
	job := h.startJob(t, ttsJob("t1", "official-1", "angry", 1))

	err := h.exec.Run(ctx, job)
	assert.ErrorIs(t, err, models.ErrInputInvalid)

	got, err := h.store.GetJob(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorText(), "resolve_model")
}

func TestTTSRejectsPrivateModelOfAnotherOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultCapabilities("en"), Options{})
	m := publicModel()
	m.Public = false
	m.Owner = "bob"
	h.addModel(t, m)
	job := h.startJob(t, ttsJob("t1", "official-1", "neutral", 1))

	assert.ErrorIs(t, h.exec.Run(ctx, job), models.ErrInputInvalid)
}

type blockingSynth struct{}

func (blockingSynth) Synthesize(ctx context.Context, _ string, _ models.Model, _ string, _ float64) (capability.Clip, error) {
	<-ctx.Done()
	return capability.Clip{}, ctx.Err()
}

func TestStageTimeoutFailsJob(t *testing.T) {
	ctx := context.Background()
	caps := DefaultCapabilities("en")
	caps.Synthesizer = blockingSynth{}
	h := newHarness(t, caps, Options{StageTimeout: 20 * time.Millisecond})
	h.addModel(t, publicModel())
	job := h.startJob(t, ttsJob("t1", "official-1", "neutral", 1))

	err := h.exec.Run(ctx, job)
	var serr *models.StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "synthesize", serr.Stage)

	got, err := h.store.GetJob(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorText(), "timed out")
}

func TestInterruptedRunLeavesJobProcessing(t *testing.T) {
	errShutdown := errors.New("worker shutting down")
	caps := DefaultCapabilities("en")
	caps.Synthesizer = blockingSynth{}
	h := newHarness(t, caps, Options{})
	h.addModel(t, publicModel())
	job := h.startJob(t, ttsJob("t1", "official-1", "neutral", 1))

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(errShutdown)
	}()
	err := h.exec.Run(ctx, job)
	assert.ErrorIs(t, err, errShutdown)

	got, err := h.store.GetJob(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, "h-t1", got.Handle())
}

func TestQualityScore(t *testing.T) {
	dir := t.TempDir()
	files := artifacts.ModelFiles{
		Weights: filepath.Join(dir, "v.pth"),
		Config:  filepath.Join(dir, "v_config.json"),
		Index:   filepath.Join(dir, "v.index"),
	}
	for _, p := range []string{files.Weights, files.Config, files.Index} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	assert.InDelta(t, 7.5, QualityScore(files, 3), 0.001)
	assert.InDelta(t, 8.0, QualityScore(files, 5), 0.001)
	assert.InDelta(t, 8.5, QualityScore(files, 12), 0.001)

	files.Index = filepath.Join(dir, "missing.index")
	assert.InDelta(t, 5.5, QualityScore(files, 3), 0.001)
	assert.InDelta(t, 1.5, QualityScore(artifacts.ModelFiles{}, 3), 0.001)
}
