// Package store persists job records, the artifact catalog and trained models.
//
// Every mutation that races with another actor (executor, cancel/retry manager,
// sweeper) is a compare-and-set on status and, for executor writes, on the
// worker handle of the run. A lost CAS surfaces as models.ErrStaleRun or
// models.ErrNotCancellable / models.ErrNotRetryable.
package store

import (
	"context"
	"fmt"
	"time"

	"voicejobs/internal/config"
	"voicejobs/internal/models"
)

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	Owner  string
	Kind   models.Kind
	Status models.Status
	Limit  int
	Offset int
}

// KindStats aggregates jobs of one kind.
type KindStats struct {
	Total                int                   `json:"total"`
	ByStatus             map[models.Status]int `json:"by_status"`
	AvgProcessingSeconds float64               `json:"avg_processing_seconds"`
}

// SuccessRate returns completed/total as a percentage.
func (s KindStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.ByStatus[models.StatusCompleted]) / float64(s.Total) * 100
}

// JobRepository is the single authoritative update path for job records.
type JobRepository interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, int, error)
	// CountJobs counts owner's jobs of kind whose status is in statuses (all when empty)
	// and that were created at or after since. An empty owner counts every owner.
	CountJobs(ctx context.Context, owner string, kind models.Kind, statuses []models.Status, since time.Time) (int, error)

	MarkProcessing(ctx context.Context, id, handle string) (models.Job, error)
	UpdateProgress(ctx context.Context, id, handle string, progress int) error
	Complete(ctx context.Context, id, handle string, outputs models.JobOutputs, model *models.Model) error
	Fail(ctx context.Context, id, handle, reason string) error
	Cancel(ctx context.Context, id string) (models.Job, error)
	ResetForRetry(ctx context.Context, id, handle string) (models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	RecordDownload(ctx context.Context, id string) error

	// ListTerminalBefore returns jobs in statuses created before cutoff, ordered by
	// (created_at, id) and strictly after the cursor.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, statuses []models.Status, after Cursor, limit int) ([]models.Job, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error)
	JobStats(ctx context.Context, owner string, since time.Time) (map[models.Kind]KindStats, error)
}

// ArtifactCatalog tracks uploaded and generated files.
type ArtifactCatalog interface {
	CreateArtifact(ctx context.Context, a models.Artifact) error
	GetArtifacts(ctx context.Context, ids []string) ([]models.Artifact, error)
	// SoftDeleteArtifact refuses with models.ErrArtifactInUse while an active job references the artifact.
	SoftDeleteArtifact(ctx context.Context, id, owner string) error
	ArtifactInUse(ctx context.Context, id string) (bool, error)
}

// ModelCatalog stores trained and official voice models.
type ModelCatalog interface {
	CreateModel(ctx context.Context, m models.Model) error
	GetModel(ctx context.Context, id string) (models.Model, error)
	ModelNameTaken(ctx context.Context, owner, name string) (bool, error)
}

// Repository bundles every persistence concern; both the Postgres and the in-memory store satisfy it.
type Repository interface {
	JobRepository
	ArtifactCatalog
	ModelCatalog
	// ReferencedPaths returns every storage path still referenced by an artifact, model or job output.
	ReferencedPaths(ctx context.Context) (map[string]struct{}, error)
	Ping(ctx context.Context) error
	Close()
}

// Cursor is a keyset position in (created_at, id) order. The zero value starts at the beginning.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position of job.
func CursorOf(job models.Job) Cursor {
	return Cursor{CreatedAt: job.CreatedAt, ID: job.ID}
}

func (c Cursor) before(job models.Job) bool {
	if !job.CreatedAt.Equal(c.CreatedAt) {
		return c.CreatedAt.Before(job.CreatedAt)
	}
	return c.ID < job.ID
}

const defaultPageSize = 20

func pageBounds(f JobFilter) (int, int) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

// Open returns the repository selected by cfg.StoreDriver. The postgres driver
// applies pending migrations before returning.
func Open(ctx context.Context, cfg config.Config) (Repository, error) {
	switch cfg.StoreDriver {
	case "memory":
		return NewMemory(), nil
	case "postgres", "":
		pg, err := New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
