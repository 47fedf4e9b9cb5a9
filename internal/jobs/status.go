package jobs

import (
	"context"
	"fmt"
	"os"
	"time"

	"voicejobs/internal/models"
)

// QueueStatus combines the job table's view of active work with the broker's.
type QueueStatus struct {
	Jobs     map[models.Kind]map[models.Status]int `json:"jobs"`
	Broker   string                                `json:"broker"`
	Ready    map[string]int64                      `json:"ready,omitempty"`
	Inflight int64                                 `json:"inflight"`
	At       time.Time                             `json:"at"`
}

// QueueStatus reports pending and processing counts per kind and the broker's depths.
// A broker outage is reported in Broker rather than failing the call. Administrators only.
func (s *Service) QueueStatus(ctx context.Context, req Requester) (QueueStatus, error) {
	if !req.Admin {
		return QueueStatus{}, models.ErrForbidden
	}
	out := QueueStatus{Jobs: make(map[models.Kind]map[models.Status]int, len(models.Kinds)), At: s.now()}
	for _, kind := range models.Kinds {
		counts := make(map[models.Status]int, len(models.ActiveStatuses))
		for _, st := range models.ActiveStatuses {
			n, err := s.repo.CountJobs(ctx, "", kind, []models.Status{st}, time.Time{})
			if err != nil {
				return QueueStatus{}, fmt.Errorf("count %s %s jobs: %w", st, kind, err)
			}
			counts[st] = n
		}
		out.Jobs[kind] = counts
	}

	if err := s.queue.Ping(ctx); err != nil {
		s.log.Warn("queue broker unreachable", "err", err)
		out.Broker = "unavailable"
		return out, nil
	}
	ready, err := s.queue.ReadyDepth(ctx)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("ready depth: %w", err)
	}
	inflight, err := s.queue.InflightDepth(ctx)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("inflight depth: %w", err)
	}
	out.Broker = "ok"
	out.Ready = ready
	out.Inflight = inflight
	return out, nil
}

// Health checks the dependencies a request needs: the store, the queue broker and the
// storage root. It returns the first failure, naming the dependency.
func (s *Service) Health(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := s.queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if s.fs != nil {
		if _, err := os.Stat(s.fs.Root()); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	return nil
}
