package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"voicejobs/internal/models"
)

// Memory is an in-process Repository used for tests and STORE_DRIVER=memory.
// It applies the same compare-and-set rules as Postgres under a single mutex.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]models.Job
	artifacts map[string]models.Artifact
	models    map[string]models.Model
	now       func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]models.Job),
		artifacts: make(map[string]models.Artifact),
		models:    make(map[string]models.Model),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Close() {}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("insert job %s: duplicate id", job.ID)
	}
	job.Progress = 0
	job.Attempts = 0
	job.RetryCount = 0
	job.Outputs = nil
	job.Error = nil
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return cloneJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, f JobFilter) ([]models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []models.Job
	for _, job := range m.jobs {
		if f.Owner != "" && job.Owner != f.Owner {
			continue
		}
		if f.Kind != "" && job.Kind != f.Kind {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit, offset := pageBounds(f)
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]models.Job, 0, end-offset)
	for _, job := range matched[offset:end] {
		page = append(page, cloneJob(job))
	}
	return page, total, nil
}

func (m *Memory) CountJobs(_ context.Context, owner string, kind models.Kind, statuses []models.Status, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if (owner != "" && job.Owner != owner) || job.Kind != kind || job.CreatedAt.Before(since) {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, job.Status) {
			continue
		}
		n++
	}
	return n, nil
}

func (m *Memory) MarkProcessing(_ context.Context, id, handle string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Handle() != handle || !job.Status.Active() {
		return models.Job{}, fmt.Errorf("start job %s: %w", id, models.ErrStaleRun)
	}
	now := m.now()
	job.Status = models.StatusProcessing
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Attempts++
	job.UpdatedAt = now
	m.jobs[id] = job
	return cloneJob(job), nil
}

func (m *Memory) UpdateProgress(_ context.Context, id, handle string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Handle() != handle || job.Status != models.StatusProcessing {
		return fmt.Errorf("progress job %s: %w", id, models.ErrStaleRun)
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.UpdatedAt = m.now()
	m.jobs[id] = job
	return nil
}

func (m *Memory) Complete(_ context.Context, id, handle string, outputs models.JobOutputs, model *models.Model) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Handle() != handle || job.Status != models.StatusProcessing {
		return fmt.Errorf("complete job %s: %w", id, models.ErrStaleRun)
	}
	if model != nil {
		if err := m.checkModelLocked(*model); err != nil {
			return err
		}
	}
	now := m.now()
	job.Status = models.StatusCompleted
	job.Progress = 100
	out := cloneOutputs(&outputs)
	job.Outputs = out
	job.Error = nil
	job.WorkerHandle = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	m.jobs[id] = job
	if model != nil {
		m.models[model.ID] = cloneModel(*model)
	}
	return nil
}

func (m *Memory) Fail(_ context.Context, id, handle, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Handle() != handle || !job.Status.Active() {
		return fmt.Errorf("fail job %s: %w", id, models.ErrStaleRun)
	}
	now := m.now()
	job.Status = models.StatusFailed
	job.Error = &reason
	job.WorkerHandle = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	m.jobs[id] = job
	return nil
}

func (m *Memory) Cancel(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if !job.Status.Active() {
		return models.Job{}, fmt.Errorf("cancel job %s: %w", id, models.ErrNotCancellable)
	}
	before := cloneJob(job)
	now := m.now()
	reason := models.CancelReason
	job.Status = models.StatusCancelled
	job.Error = &reason
	job.WorkerHandle = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	m.jobs[id] = job
	return before, nil
}

func (m *Memory) ResetForRetry(_ context.Context, id, handle string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.Status != models.StatusFailed {
		return models.Job{}, fmt.Errorf("retry job %s: %w", id, models.ErrNotRetryable)
	}
	job.Status = models.StatusPending
	job.Progress = 0
	job.Outputs = nil
	job.Error = nil
	job.WorkerHandle = &handle
	job.RetryCount++
	job.Attempts = 0
	job.StartedAt = nil
	job.CompletedAt = nil
	job.UpdatedAt = m.now()
	m.jobs[id] = job
	return cloneJob(job), nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || !job.Status.Terminal() {
		return fmt.Errorf("delete job %s: %w", id, models.ErrNotFound)
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) RecordDownload(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusCompleted || job.Outputs == nil || job.Outputs.TTS == nil {
		return fmt.Errorf("download job %s: %w", id, models.ErrNotFound)
	}
	job.Outputs.TTS.DownloadCount++
	m.jobs[id] = job
	return nil
}

func (m *Memory) ListTerminalBefore(_ context.Context, cutoff time.Time, statuses []models.Status, after Cursor, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.CreatedAt.Before(cutoff) && hasStatus(statuses, job.Status) && after.before(job) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.Status == models.StatusPending && job.UpdatedAt.Before(olderThan) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) JobStats(_ context.Context, owner string, since time.Time) (map[models.Kind]KindStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := emptyStats()
	durations := map[models.Kind][]float64{}
	for _, job := range m.jobs {
		if (owner != "" && job.Owner != owner) || job.CreatedAt.Before(since) {
			continue
		}
		st, ok := out[job.Kind]
		if !ok {
			continue
		}
		st.Total++
		st.ByStatus[job.Status]++
		out[job.Kind] = st
		if job.Status == models.StatusCompleted && job.StartedAt != nil && job.CompletedAt != nil {
			durations[job.Kind] = append(durations[job.Kind], job.CompletedAt.Sub(*job.StartedAt).Seconds())
		}
	}
	for kind, ds := range durations {
		sum := 0.0
		for _, d := range ds {
			sum += d
		}
		st := out[kind]
		st.AvgProcessingSeconds = sum / float64(len(ds))
		out[kind] = st
	}
	return out, nil
}

func (m *Memory) CreateArtifact(_ context.Context, a models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[a.ID]; ok {
		return fmt.Errorf("insert artifact %s: duplicate id", a.ID)
	}
	m.artifacts[a.ID] = a
	return nil
}

func (m *Memory) GetArtifacts(_ context.Context, ids []string) ([]models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Artifact, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.artifacts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) SoftDeleteArtifact(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok || a.Owner != owner || a.Deleted {
		return fmt.Errorf("artifact %s: %w", id, models.ErrNotFound)
	}
	if m.inUseLocked(id) {
		return fmt.Errorf("artifact %s: %w", id, models.ErrArtifactInUse)
	}
	a.Deleted = true
	m.artifacts[id] = a
	return nil
}

func (m *Memory) ArtifactInUse(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUseLocked(id), nil
}

func (m *Memory) inUseLocked(artifactID string) bool {
	for _, job := range m.jobs {
		if !job.Status.Active() {
			continue
		}
		for _, id := range job.Inputs.ArtifactIDs() {
			if id == artifactID {
				return true
			}
		}
	}
	return false
}

func (m *Memory) CreateModel(_ context.Context, model models.Model) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkModelLocked(model); err != nil {
		return err
	}
	m.models[model.ID] = cloneModel(model)
	return nil
}

func (m *Memory) checkModelLocked(model models.Model) error {
	if _, ok := m.models[model.ID]; ok {
		return fmt.Errorf("insert model %s: duplicate id", model.ID)
	}
	if model.Type == models.ModelUserTrained && m.nameTakenLocked(model.Owner, model.Name) {
		return models.Invalid("model_name", "model %q already exists", model.Name)
	}
	return nil
}

func (m *Memory) GetModel(_ context.Context, id string) (models.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	model, ok := m.models[id]
	if !ok {
		return models.Model{}, fmt.Errorf("model %s: %w", id, models.ErrNotFound)
	}
	return cloneModel(model), nil
}

func (m *Memory) ModelNameTaken(_ context.Context, owner, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nameTakenLocked(owner, name), nil
}

func (m *Memory) nameTakenLocked(owner, name string) bool {
	for _, model := range m.models {
		if model.Type == models.ModelUserTrained && model.Owner == owner && model.Name == name {
			return true
		}
	}
	return false
}

func (m *Memory) ReferencedPaths(_ context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{})
	for _, a := range m.artifacts {
		out[a.Path] = struct{}{}
	}
	for _, model := range m.models {
		for _, p := range model.Paths() {
			out[p] = struct{}{}
		}
	}
	for _, job := range m.jobs {
		for _, p := range job.Outputs.Paths() {
			out[p] = struct{}{}
		}
	}
	return out, nil
}

func hasStatus(statuses []models.Status, s models.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func cloneJob(j models.Job) models.Job {
	out := j
	if j.Inputs.VoiceClone != nil {
		vc := *j.Inputs.VoiceClone
		vc.SampleIDs = append([]string(nil), vc.SampleIDs...)
		vc.Extra = cloneMap(vc.Extra)
		out.Inputs.VoiceClone = &vc
	}
	if j.Inputs.TTS != nil {
		tts := *j.Inputs.TTS
		tts.Extra = cloneMap(tts.Extra)
		out.Inputs.TTS = &tts
	}
	out.Outputs = cloneOutputs(j.Outputs)
	out.Error = clonePtr(j.Error)
	out.WorkerHandle = clonePtr(j.WorkerHandle)
	out.StartedAt = clonePtr(j.StartedAt)
	out.CompletedAt = clonePtr(j.CompletedAt)
	return out
}

func cloneOutputs(o *models.JobOutputs) *models.JobOutputs {
	if o == nil {
		return nil
	}
	out := &models.JobOutputs{}
	if o.VoiceClone != nil {
		vc := *o.VoiceClone
		out.VoiceClone = &vc
	}
	if o.TTS != nil {
		tts := *o.TTS
		out.TTS = &tts
	}
	return out
}

func cloneModel(m models.Model) models.Model {
	m.SupportedEmotions = append([]string(nil), m.SupportedEmotions...)
	m.SupportedLanguages = append([]string(nil), m.SupportedLanguages...)
	return m
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
