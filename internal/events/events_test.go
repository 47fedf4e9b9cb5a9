package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicejobs/internal/models"
)

func TestFromJobCarriesTerminalDetail(t *testing.T) {
	reason := "normalize: no sample survived normalization"
	job := models.Job{ID: "j1", Kind: models.KindVoiceClone, Owner: "alice", Status: models.StatusFailed, Error: &reason}

	body, err := FromJob(JobFailed, job).Marshal()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "job.failed", decoded["type"])
	assert.Equal(t, "j1", decoded["job_id"])
	assert.Equal(t, "voice_clone", decoded["kind"])
	assert.Equal(t, reason, decoded["error"])
	assert.NotContains(t, decoded, "outputs")
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	pub := NewLogPublisher(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, pub.Publish(context.Background(), Event{Type: JobCompleted, JobID: "j1"}))
	assert.Contains(t, buf.String(), "type=job.completed")
	assert.Contains(t, buf.String(), "job_id=j1")
	assert.NoError(t, pub.Close())
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error { return errors.New("broker down") }
func (failingPublisher) Close() error                         { return nil }

func TestEmitSwallowsDeliveryErrors(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	Emit(context.Background(), failingPublisher{}, log, Event{Type: JobSubmitted, JobID: "j1"})
	assert.Contains(t, buf.String(), "broker down")

	Emit(context.Background(), nil, log, Event{Type: JobSubmitted})
}
