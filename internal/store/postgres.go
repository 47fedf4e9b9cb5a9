package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicejobs/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks that a pooled connection can reach the database.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, kind, owner, status, progress, inputs, outputs, error, worker_handle,
	retry_count, max_retries, attempts, created_at, started_at, completed_at, updated_at`

// CreateJob inserts a pending job and indexes the artifacts it consumes.
func (s *Postgres) CreateJob(ctx context.Context, job models.Job) error {
	inputsJSON, err := json.Marshal(job.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, kind, owner, status, progress, inputs, worker_handle, retry_count, max_retries, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, 0, $7, 0, $8, $8)
	`, job.ID, job.Kind, job.Owner, job.Status, inputsJSON, job.WorkerHandle, job.MaxRetries, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for i, artifactID := range job.Inputs.ArtifactIDs() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_inputs (job_id, artifact_id, position) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, job.ID, artifactID, i); err != nil {
			return fmt.Errorf("index job input %s: %w", artifactID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, err
}

// ListJobs returns a page of jobs, newest first, plus the unpaged total.
func (s *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, int, error) {
	limit, offset := pageBounds(f)
	where := `WHERE ($1 = '' OR owner = $1) AND ($2 = '' OR kind = $2) AND ($3 = '' OR status = $3)`

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs `+where, f.Owner, string(f.Kind), string(f.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs `+where+`
		ORDER BY created_at DESC, id LIMIT $4 OFFSET $5`,
		f.Owner, string(f.Kind), string(f.Status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	return jobs, total, err
}

// CountJobs counts jobs matching owner, kind, status set and creation floor.
func (s *Postgres) CountJobs(ctx context.Context, owner string, kind models.Kind, statuses []models.Status, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE ($1 = '' OR owner = $1) AND kind = $2
		  AND (cardinality($3::text[]) = 0 OR status = ANY($3))
		  AND created_at >= $4
	`, owner, kind, statusStrings(statuses), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// MarkProcessing moves a pending job owned by handle into processing and counts the delivery.
// A redelivered run (already processing under the same handle) only bumps attempts.
func (s *Postgres) MarkProcessing(ctx context.Context, id, handle string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, started_at = COALESCE(started_at, NOW()), attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND worker_handle = $2 AND status IN ($4, $3)
		RETURNING `+jobColumns,
		id, handle, models.StatusProcessing, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("start job %s: %w", id, models.ErrStaleRun)
	}
	return job, err
}

// UpdateProgress raises progress for the live run; progress never decreases.
func (s *Postgres) UpdateProgress(ctx context.Context, id, handle string, progress int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = GREATEST(progress, $3), updated_at = NOW()
		WHERE id = $1 AND worker_handle = $2 AND status = $4
	`, id, handle, progress, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("progress job %s: %w", id, models.ErrStaleRun)
	}
	return nil
}

// Complete commits outputs and, for voice_clone, the trained model in one transaction.
// Losing the CAS rolls back the model insert.
func (s *Postgres) Complete(ctx context.Context, id, handle string, outputs models.JobOutputs, model *models.Model) error {
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $3, progress = 100, outputs = $4, error = NULL, worker_handle = NULL,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND worker_handle = $2 AND status = $5
	`, id, handle, models.StatusCompleted, outputsJSON, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", id, models.ErrStaleRun)
	}

	if model != nil {
		if err := insertModel(ctx, tx, *model); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Fail records a terminal failure for the run owned by handle.
func (s *Postgres) Fail(ctx context.Context, id, handle, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, error = $4, worker_handle = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND worker_handle = $2 AND status IN ($5, $6)
	`, id, handle, models.StatusFailed, reason, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %s: %w", id, models.ErrStaleRun)
	}
	return nil
}

// Cancel moves an active job to cancelled and returns the record as it was before.
func (s *Postgres) Cancel(ctx context.Context, id string) (models.Job, error) {
	before, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error = $3, worker_handle = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.StatusCancelled, models.CancelReason, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, fmt.Errorf("cancel job %s: %w", id, models.ErrNotCancellable)
	}
	return before, nil
}

// ResetForRetry returns a failed job to pending under a fresh handle.
func (s *Postgres) ResetForRetry(ctx context.Context, id, handle string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, progress = 0, outputs = NULL, error = NULL, worker_handle = $2,
		    retry_count = retry_count + 1, attempts = 0, started_at = NULL, completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns,
		id, handle, models.StatusPending, models.StatusFailed)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("retry job %s: %w", id, models.ErrNotRetryable)
	}
	return job, err
}

// DeleteJob removes a terminal job record.
func (s *Postgres) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE id = $1 AND status IN ($2, $3, $4)
	`, id, models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete job %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// RecordDownload bumps the download counter of a completed tts job.
func (s *Postgres) RecordDownload(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET outputs = jsonb_set(outputs, '{tts,download_count}',
		    to_jsonb(COALESCE((outputs->'tts'->>'download_count')::int, 0) + 1))
		WHERE id = $1 AND status = $2 AND outputs ? 'tts'
	`, id, models.StatusCompleted)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("download job %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ListTerminalBefore returns jobs in statuses created before cutoff, oldest first, after the cursor.
func (s *Postgres) ListTerminalBefore(ctx context.Context, cutoff time.Time, statuses []models.Status, after Cursor, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE created_at < $1 AND status = ANY($2) AND (created_at, id) > ($3, $4)
		ORDER BY created_at, id LIMIT $5`, cutoff, statusStrings(statuses), after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweep candidates: %w", err)
	}
	return collectJobs(rows)
}

// ListStalePending returns pending jobs whose last update is older than olderThan.
func (s *Postgres) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at LIMIT $3`, models.StatusPending, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	return collectJobs(rows)
}

// JobStats aggregates owner's jobs created since the given time, per kind.
// An empty owner aggregates every owner.
func (s *Postgres) JobStats(ctx context.Context, owner string, since time.Time) (map[models.Kind]KindStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, status, COUNT(*),
		       COALESCE(AVG(EXTRACT(EPOCH FROM completed_at - started_at)) FILTER (WHERE completed_at IS NOT NULL AND started_at IS NOT NULL), 0)
		FROM jobs
		WHERE ($1 = '' OR owner = $1) AND created_at >= $2
		GROUP BY kind, status
	`, owner, since)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	out := emptyStats()
	for rows.Next() {
		var (
			kind   models.Kind
			status models.Status
			count  int
			avg    float64
		)
		if err := rows.Scan(&kind, &status, &count, &avg); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st, ok := out[kind]
		if !ok {
			continue
		}
		st.Total += count
		st.ByStatus[status] += count
		if status == models.StatusCompleted {
			st.AvgProcessingSeconds = avg
		}
		out[kind] = st
	}
	return out, rows.Err()
}

// CreateArtifact registers an uploaded or generated file.
func (s *Postgres) CreateArtifact(ctx context.Context, a models.Artifact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (id, owner, kind, path, size_bytes, duration_seconds, deleted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.Owner, a.Kind, a.Path, a.SizeBytes, a.DurationSeconds, a.Deleted, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// GetArtifacts returns the artifacts found among ids, in the order requested.
func (s *Postgres) GetArtifacts(ctx context.Context, ids []string) ([]models.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner, kind, path, size_bytes, duration_seconds, deleted, created_at
		FROM artifacts WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("get artifacts: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.Artifact, len(ids))
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.ID, &a.Owner, &a.Kind, &a.Path, &a.SizeBytes, &a.DurationSeconds, &a.Deleted, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Artifact, 0, len(byID))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// SoftDeleteArtifact marks an artifact deleted unless an active job still reads it.
func (s *Postgres) SoftDeleteArtifact(ctx context.Context, id, owner string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE artifacts SET deleted = TRUE
		WHERE id = $1 AND owner = $2 AND NOT deleted
		  AND NOT EXISTS (
		      SELECT 1 FROM job_inputs ji JOIN jobs j ON j.id = ji.job_id
		      WHERE ji.artifact_id = $1 AND j.status IN ($3, $4))
	`, id, owner, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	inUse, err := s.ArtifactInUse(ctx, id)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("artifact %s: %w", id, models.ErrArtifactInUse)
	}
	return fmt.Errorf("artifact %s: %w", id, models.ErrNotFound)
}

// ArtifactInUse reports whether an active job references the artifact.
func (s *Postgres) ArtifactInUse(ctx context.Context, id string) (bool, error) {
	var inUse bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
		    SELECT 1 FROM job_inputs ji JOIN jobs j ON j.id = ji.job_id
		    WHERE ji.artifact_id = $1 AND j.status IN ($2, $3))
	`, id, models.StatusPending, models.StatusProcessing).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("artifact in use: %w", err)
	}
	return inUse, nil
}

// CreateModel registers a model outside a job, e.g. an official voice.
func (s *Postgres) CreateModel(ctx context.Context, m models.Model) error {
	return insertModel(ctx, s.pool, m)
}

// GetModel fetches a model by id.
func (s *Postgres) GetModel(ctx context.Context, id string) (models.Model, error) {
	var (
		m          models.Model
		configPath pgtype.Text
		indexPath  pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, type, owner, weights_path, config_path, index_path,
		       supported_emotions, supported_languages, quality_score, status, public, source_job_id, created_at
		FROM voice_models WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.Description, &m.Type, &m.Owner, &m.WeightsPath, &configPath, &indexPath,
		&m.SupportedEmotions, &m.SupportedLanguages, &m.QualityScore, &m.Status, &m.Public, &m.SourceJobID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Model{}, fmt.Errorf("model %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Model{}, fmt.Errorf("scan model: %w", err)
	}
	m.ConfigPath = configPath.String
	m.IndexPath = indexPath.String
	return m, nil
}

// ModelNameTaken reports whether owner already has a trained model called name.
func (s *Postgres) ModelNameTaken(ctx context.Context, owner, name string) (bool, error) {
	var taken bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM voice_models WHERE owner = $1 AND name = $2 AND type = $3)
	`, owner, name, models.ModelUserTrained).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("model name lookup: %w", err)
	}
	return taken, nil
}

// ReferencedPaths collects every path still reachable from the catalog.
func (s *Postgres) ReferencedPaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT path FROM artifacts
		UNION SELECT weights_path FROM voice_models
		UNION SELECT config_path FROM voice_models WHERE config_path <> ''
		UNION SELECT index_path FROM voice_models WHERE index_path <> ''
		UNION SELECT outputs->'tts'->>'audio_path' FROM jobs WHERE outputs ? 'tts'
		UNION SELECT outputs->'tts'->>'preview_path' FROM jobs WHERE outputs->'tts' ? 'preview_path'
	`)
	if err != nil {
		return nil, fmt.Errorf("referenced paths: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var p pgtype.Text
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		if p.Valid && p.String != "" {
			out[p.String] = struct{}{}
		}
	}
	return out, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertModel(ctx context.Context, db execer, m models.Model) error {
	_, err := db.Exec(ctx, `
		INSERT INTO voice_models (id, name, description, type, owner, weights_path, config_path, index_path,
		    supported_emotions, supported_languages, quality_score, status, public, source_job_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, m.ID, m.Name, m.Description, m.Type, m.Owner, m.WeightsPath, m.ConfigPath, m.IndexPath,
		m.SupportedEmotions, m.SupportedLanguages, m.QualityScore, m.Status, m.Public, m.SourceJobID, m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.Invalid("model_name", "model %q already exists", m.Name)
		}
		return fmt.Errorf("insert model: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		inputsJSON  []byte
		outputsJSON []byte
		errText     pgtype.Text
		handle      pgtype.Text
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.Kind, &job.Owner, &job.Status, &job.Progress, &inputsJSON, &outputsJSON,
		&errText, &handle, &job.RetryCount, &job.MaxRetries, &job.Attempts,
		&job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(inputsJSON, &job.Inputs); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal inputs: %w", err)
	}
	if len(outputsJSON) > 0 {
		var out models.JobOutputs
		if err := json.Unmarshal(outputsJSON, &out); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal outputs: %w", err)
		}
		job.Outputs = &out
	}
	job.Error = textPtr(errText)
	job.WorkerHandle = textPtr(handle)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func emptyStats() map[models.Kind]KindStats {
	out := make(map[models.Kind]KindStats, len(models.Kinds))
	for _, k := range models.Kinds {
		out[k] = KindStats{ByStatus: map[models.Status]int{}}
	}
	return out
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
