package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicejobs/internal/models"
)

func newTTSJob(id, owner, handle string, created time.Time) models.Job {
	return models.Job{
		ID:           id,
		Kind:         models.KindTTS,
		Owner:        owner,
		Status:       models.StatusPending,
		Inputs:       models.JobInputs{TTS: &models.TTSInput{Text: "hello", ModelID: "m1", Emotion: "neutral", Speed: 1}},
		WorkerHandle: &handle,
		MaxRetries:   3,
		CreatedAt:    created,
	}
}

func TestMemoryRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()
	require.NoError(t, s.CreateJob(ctx, newTTSJob("j1", "alice", "h1", now)))

	job, err := s.MarkProcessing(ctx, "j1", "h1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.StartedAt)

	require.NoError(t, s.UpdateProgress(ctx, "j1", "h1", 60))
	require.NoError(t, s.UpdateProgress(ctx, "j1", "h1", 30))
	job, err = s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 60, job.Progress, "progress is monotonic")

	out := models.JobOutputs{TTS: &models.TTSOutput{AudioPath: "generated/a.wav"}}
	require.NoError(t, s.Complete(ctx, "j1", "h1", out, nil))
	job, err = s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Nil(t, job.WorkerHandle)
	require.NotNil(t, job.CompletedAt)

	require.NoError(t, s.RecordDownload(ctx, "j1"))
	job, _ = s.GetJob(ctx, "j1")
	assert.Equal(t, 1, job.Outputs.TTS.DownloadCount)
}

func TestMemoryStaleRunLosesAfterCancel(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.CreateJob(ctx, newTTSJob("j1", "alice", "h1", time.Now())))
	_, err := s.MarkProcessing(ctx, "j1", "h1")
	require.NoError(t, err)

	before, err := s.Cancel(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "h1", before.Handle())

	err = s.Complete(ctx, "j1", "h1", models.JobOutputs{TTS: &models.TTSOutput{}}, nil)
	assert.ErrorIs(t, err, models.ErrStaleRun)
	assert.ErrorIs(t, s.UpdateProgress(ctx, "j1", "h1", 80), models.ErrStaleRun)

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Equal(t, models.CancelReason, job.ErrorText())
	assert.Nil(t, job.Outputs)

	_, err = s.Cancel(ctx, "j1")
	assert.ErrorIs(t, err, models.ErrNotCancellable)
}

func TestMemoryRetryResetsRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.CreateJob(ctx, newTTSJob("j1", "alice", "h1", time.Now())))
	_, err := s.ResetForRetry(ctx, "j1", "h2")
	assert.ErrorIs(t, err, models.ErrNotRetryable)

	_, err = s.MarkProcessing(ctx, "j1", "h1")
	require.NoError(t, err)
	require.NoError(t, s.UpdateProgress(ctx, "j1", "h1", 30))
	require.NoError(t, s.Fail(ctx, "j1", "h1", "boom"))

	job, err := s.ResetForRetry(ctx, "j1", "h2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, 1, job.RetryCount)
	assert.Nil(t, job.Error)
	assert.Nil(t, job.StartedAt)
	assert.Equal(t, "h2", job.Handle())

	_, err = s.MarkProcessing(ctx, "j1", "h1")
	assert.ErrorIs(t, err, models.ErrStaleRun, "old handle cannot start the new run")
}

func TestMemoryCompleteCreatesModelAtomically(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.CreateModel(ctx, models.Model{ID: "m0", Name: "taken", Owner: "alice", Type: models.ModelUserTrained}))

	job := models.Job{
		ID: "vc1", Kind: models.KindVoiceClone, Owner: "alice", Status: models.StatusPending,
		Inputs:       models.JobInputs{VoiceClone: &models.VoiceCloneInput{SampleIDs: []string{"a1"}, ModelName: "taken"}},
		WorkerHandle: ptr("h1"), CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateJob(ctx, job))
	_, err := s.MarkProcessing(ctx, "vc1", "h1")
	require.NoError(t, err)

	model := models.Model{ID: "m1", Name: "taken", Owner: "alice", Type: models.ModelUserTrained}
	err = s.Complete(ctx, "vc1", "h1", models.JobOutputs{VoiceClone: &models.VoiceCloneOutput{ModelID: "m1"}}, &model)
	assert.ErrorIs(t, err, models.ErrInputInvalid)

	got, err := s.GetJob(ctx, "vc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status, "failed model insert leaves job untouched")
	_, err = s.GetModel(ctx, "m1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryCountJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()
	require.NoError(t, s.CreateJob(ctx, newTTSJob("old", "alice", "h0", now.Add(-48*time.Hour))))
	require.NoError(t, s.CreateJob(ctx, newTTSJob("j1", "alice", "h1", now)))
	require.NoError(t, s.CreateJob(ctx, newTTSJob("j2", "alice", "h2", now)))
	require.NoError(t, s.CreateJob(ctx, newTTSJob("bob", "bob", "h3", now)))
	_, err := s.Cancel(ctx, "j2")
	require.NoError(t, err)

	active, err := s.CountJobs(ctx, "alice", models.KindTTS, models.ActiveStatuses, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	daily, err := s.CountJobs(ctx, "alice", models.KindTTS, nil, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, daily, "cancelled jobs still count toward the daily total")
}

func TestMemoryArtifactInUse(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.CreateArtifact(ctx, models.Artifact{ID: "a1", Owner: "alice", Kind: models.ArtifactAudio, Path: "uploads/a1.wav"}))
	job := models.Job{
		ID: "vc1", Kind: models.KindVoiceClone, Owner: "alice", Status: models.StatusPending,
		Inputs:       models.JobInputs{VoiceClone: &models.VoiceCloneInput{SampleIDs: []string{"a1"}, ModelName: "v"}},
		WorkerHandle: ptr("h1"), CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateJob(ctx, job))

	assert.ErrorIs(t, s.SoftDeleteArtifact(ctx, "a1", "alice"), models.ErrArtifactInUse)

	_, err := s.Cancel(ctx, "vc1")
	require.NoError(t, err)
	require.NoError(t, s.SoftDeleteArtifact(ctx, "a1", "alice"))

	arts, err := s.GetArtifacts(ctx, []string{"a1", "missing"})
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.True(t, arts[0].Deleted)
}

func TestMemoryListJobsPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateJob(ctx, newTTSJob(id, "alice", "h"+id, base.Add(time.Duration(i)*time.Second))))
	}

	page, total, err := s.ListJobs(ctx, JobFilter{Owner: "alice", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ID)

	page, _, err = s.ListJobs(ctx, JobFilter{Owner: "alice", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].ID)
}

func TestMemoryJobStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	clock := time.Now().UTC()
	s.SetClock(func() time.Time { return clock })
	require.NoError(t, s.CreateJob(ctx, newTTSJob("j1", "alice", "h1", clock)))
	require.NoError(t, s.CreateJob(ctx, newTTSJob("j2", "alice", "h2", clock)))
	_, err := s.MarkProcessing(ctx, "j1", "h1")
	require.NoError(t, err)
	clock = clock.Add(4 * time.Second)
	require.NoError(t, s.Complete(ctx, "j1", "h1", models.JobOutputs{TTS: &models.TTSOutput{}}, nil))

	stats, err := s.JobStats(ctx, "alice", clock.Add(-time.Hour))
	require.NoError(t, err)
	tts := stats[models.KindTTS]
	assert.Equal(t, 2, tts.Total)
	assert.Equal(t, 1, tts.ByStatus[models.StatusCompleted])
	assert.InDelta(t, 4.0, tts.AvgProcessingSeconds, 0.001)
	assert.InDelta(t, 50.0, tts.SuccessRate(), 0.001)
	assert.Equal(t, 0, stats[models.KindVoiceClone].Total)
}

func TestMemoryReferencedPaths(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.CreateArtifact(ctx, models.Artifact{ID: "a1", Path: "uploads/a1.wav"}))
	require.NoError(t, s.CreateModel(ctx, models.Model{ID: "m1", Type: models.ModelOfficial, WeightsPath: "models/m1.pth"}))

	paths, err := s.ReferencedPaths(ctx)
	require.NoError(t, err)
	assert.Contains(t, paths, "uploads/a1.wav")
	assert.Contains(t, paths, "models/m1.pth")
}

func ptr(s string) *string { return &s }
