// Package events publishes job lifecycle notifications for the external
// notification service.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"voicejobs/internal/models"
)

// Type names a lifecycle transition; it doubles as the routing key.
type Type string

const (
	JobSubmitted Type = "job.submitted"
	JobCompleted Type = "job.completed"
	JobFailed    Type = "job.failed"
	JobCancelled Type = "job.cancelled"
	JobRetried   Type = "job.retried"
)

// Event is the message body.
type Event struct {
	Type      Type               `json:"type"`
	JobID     string             `json:"job_id"`
	Kind      models.Kind        `json:"kind"`
	Owner     string             `json:"owner"`
	Status    models.Status      `json:"status"`
	Error     string             `json:"error,omitempty"`
	Outputs   *models.JobOutputs `json:"outputs,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

// FromJob builds an event from a job snapshot.
func FromJob(t Type, job models.Job) Event {
	return Event{
		Type:      t,
		JobID:     job.ID,
		Kind:      job.Kind,
		Owner:     job.Owner,
		Status:    job.Status,
		Error:     job.ErrorText(),
		Outputs:   job.Outputs,
		Timestamp: time.Now().Unix(),
	}
}

// Marshal encodes the event body.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers lifecycle events. Delivery is best effort; callers log and continue on error.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to the log when no broker is configured.
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher returns a publisher that only logs.
func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.log.Info("job event", "type", ev.Type, "job_id", ev.JobID, "kind", ev.Kind, "owner", ev.Owner, "status", ev.Status)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Emit publishes ev and logs a delivery failure instead of returning it.
func Emit(ctx context.Context, pub Publisher, log *slog.Logger, ev Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, ev); err != nil && log != nil {
		log.Warn("publish event failed", "type", ev.Type, "job_id", ev.JobID, "err", err)
	}
}
