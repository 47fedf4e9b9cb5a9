// Package jobs is the service façade over job submission, polling, listing and
// the retry/cancel manager. Every state change goes through the repository's
// compare-and-set transitions; queue signalling is best effort around them.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"voicejobs/internal/admission"
	"voicejobs/internal/artifacts"
	"voicejobs/internal/config"
	"voicejobs/internal/events"
	"voicejobs/internal/models"
	"voicejobs/internal/queue"
	"voicejobs/internal/store"
	"voicejobs/internal/telemetry"
)

// Queue is the part of the queue runtime the service signals.
type Queue interface {
	Submit(ctx context.Context, jobID, kind, handle string) error
	Revoke(ctx context.Context, handle string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
	ReadyDepth(ctx context.Context) (map[string]int64, error)
	InflightDepth(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// RateLimiter throttles submissions per owner.
type RateLimiter interface {
	Allow(ctx context.Context, owner string) (bool, float64, error)
}

// Locker serializes admission and creation per owner.
type Locker interface {
	Acquire(ctx context.Context, owner string) (func(), error)
}

// Requester is the authenticated caller as asserted by the outer auth layer.
type Requester struct {
	ID    string
	Admin bool
}

func (r Requester) may(owner string) bool {
	return r.Admin || (r.ID != "" && r.ID == owner)
}

// Options holds submission validation bounds and retry policy.
type Options struct {
	MaxRetries        int
	EnforceRetryLimit bool
	MinSamples        int
	MinTotalSeconds   float64
	MaxTotalSeconds   float64
	TTSMaxText        int
}

// OptionsFromConfig maps runtime config onto service options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxRetries:        cfg.MaxRetries,
		EnforceRetryLimit: cfg.EnforceRetryLimit,
		MinSamples:        cfg.MinSamples,
		MinTotalSeconds:   cfg.MinTotalSeconds,
		MaxTotalSeconds:   cfg.MaxTotalSeconds,
		TTSMaxText:        cfg.TTSMaxText,
	}
}

// Deps are the collaborators of the service. Limiter, Lock and Events are optional.
type Deps struct {
	Repo      store.Repository
	Admission *admission.Controller
	Queue     Queue
	FS        *artifacts.FS
	Limiter   RateLimiter
	Lock      Locker
	Events    events.Publisher
	Log       *slog.Logger
}

// Service implements the collaborator-facing job operations.
type Service struct {
	repo    store.Repository
	admit   *admission.Controller
	queue   Queue
	fs      *artifacts.FS
	limiter RateLimiter
	lock    Locker
	events  events.Publisher
	opts    Options
	log     *slog.Logger
	now     func() time.Time
}

// NewService wires the service.
func NewService(d Deps, opts Options) *Service {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.TTSMaxText <= 0 {
		opts.TTSMaxText = 200
	}
	return &Service{
		repo:    d.Repo,
		admit:   d.Admission,
		queue:   d.Queue,
		fs:      d.FS,
		limiter: d.Limiter,
		lock:    d.Lock,
		events:  d.Events,
		opts:    opts,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates inputs, admits the job against the owner's quota, records it as pending
// and hands it to the queue. Validation, rate-limit and quota errors never create a record.
//
// When the queue rejects the hand-off the job is returned together with an error wrapping
// models.ErrQueueUnavailable; it stays pending until the worker's reconciler re-submits it.
func (s *Service) Submit(ctx context.Context, req Requester, in models.JobInputs) (models.Job, error) {
	owner := req.ID
	if owner == "" {
		return models.Job{}, models.ErrForbidden
	}
	kind := in.Kind()
	if kind == "" {
		return models.Job{}, models.Invalid("inputs", "exactly one of voice_clone or tts is required")
	}
	if err := s.validate(ctx, owner, &in); err != nil {
		telemetry.AdmissionDenials.WithLabelValues("invalid_input").Inc()
		return models.Job{}, err
	}

	if s.limiter != nil {
		ok, _, err := s.limiter.Allow(ctx, owner)
		if err != nil {
			return models.Job{}, fmt.Errorf("rate limit: %w", err)
		}
		if !ok {
			telemetry.AdmissionDenials.WithLabelValues("rate_limited").Inc()
			return models.Job{}, fmt.Errorf("%w: owner %s", models.ErrRateLimited, owner)
		}
	}

	job, err := s.admitAndCreate(ctx, owner, kind, in)
	if err != nil {
		return models.Job{}, err
	}
	log := s.log.With("job_id", job.ID, "kind", kind, "owner", owner)
	telemetry.JobsSubmitted.WithLabelValues(string(kind)).Inc()

	if err := s.queue.Submit(ctx, job.ID, string(kind), job.Handle()); err != nil {
		log.Error("queue submit failed, job left pending", "err", err)
		return job, fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
	}
	log.Info("job submitted", "handle", job.Handle())
	events.Emit(ctx, s.events, s.log, events.FromJob(events.JobSubmitted, job))
	return job, nil
}

func (s *Service) admitAndCreate(ctx context.Context, owner string, kind models.Kind, in models.JobInputs) (models.Job, error) {
	if s.lock != nil {
		unlock, err := s.lock.Acquire(ctx, owner)
		if err != nil {
			return models.Job{}, fmt.Errorf("admission lock: %w", err)
		}
		defer unlock()
	}
	if in.VoiceClone != nil {
		if err := s.claimModelName(ctx, owner, in.VoiceClone.ModelName); err != nil {
			if errors.Is(err, models.ErrInputInvalid) {
				telemetry.AdmissionDenials.WithLabelValues("invalid_input").Inc()
			}
			return models.Job{}, err
		}
	}
	if err := s.admit.TryAdmit(ctx, owner, kind); err != nil {
		var qe *models.QuotaError
		if errors.As(err, &qe) {
			telemetry.AdmissionDenials.WithLabelValues(qe.Bound).Inc()
		}
		return models.Job{}, err
	}

	now := s.now()
	handle := queue.NewHandle()
	job := models.Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		Owner:        owner,
		Status:       models.StatusPending,
		Inputs:       in,
		WorkerHandle: &handle,
		MaxRetries:   s.opts.MaxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// claimModelName rejects a model name that is registered or targeted by one of the
// owner's active voice_clone jobs. Callers hold the owner's admission lock.
func (s *Service) claimModelName(ctx context.Context, owner, name string) error {
	taken, err := s.repo.ModelNameTaken(ctx, owner, name)
	if err != nil {
		return fmt.Errorf("check model name: %w", err)
	}
	if taken {
		return models.Invalid("model_name", "model %q already exists", name)
	}
	active, err := s.activeJobs(ctx, owner, models.KindVoiceClone)
	if err != nil {
		return fmt.Errorf("check model name: %w", err)
	}
	for _, job := range active {
		if vc := job.Inputs.VoiceClone; vc != nil && vc.ModelName == name {
			return models.Invalid("model_name", "model %q is already being trained by job %s", name, job.ID)
		}
	}
	return nil
}

// Get returns the latest committed snapshot of a job.
func (s *Service) Get(ctx context.Context, req Requester, id string) (models.Job, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if !req.may(job.Owner) {
		return models.Job{}, models.ErrForbidden
	}
	return job, nil
}

// List pages through jobs, newest first. Non-administrators only see their own jobs.
func (s *Service) List(ctx context.Context, req Requester, f store.JobFilter) ([]models.Job, int, error) {
	if !req.Admin {
		if req.ID == "" {
			return nil, 0, models.ErrForbidden
		}
		f.Owner = req.ID
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, 0, models.Invalid("kind", "unknown kind %q", f.Kind)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, models.Invalid("status", "unknown status %q", f.Status)
	}
	return s.repo.ListJobs(ctx, f)
}

// Cancel revokes the job's outstanding run and moves it to cancelled without waiting
// for the worker. A lingering executor loses its next compare-and-set write.
func (s *Service) Cancel(ctx context.Context, req Requester, id string) (models.Job, error) {
	job, err := s.Get(ctx, req, id)
	if err != nil {
		return models.Job{}, err
	}
	if !job.Status.Active() {
		return models.Job{}, fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrNotCancellable)
	}
	return s.cancel(ctx, job)
}

func (s *Service) cancel(ctx context.Context, job models.Job) (models.Job, error) {
	log := s.log.With("job_id", job.ID, "kind", job.Kind, "owner", job.Owner)
	s.revoke(ctx, log, job.Handle())

	before, err := s.repo.Cancel(ctx, job.ID)
	if err != nil {
		return models.Job{}, err
	}
	if h := before.Handle(); h != job.Handle() {
		s.revoke(ctx, log, h)
	}

	cancelled, err := s.repo.GetJob(ctx, job.ID)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsCancelled.WithLabelValues(string(job.Kind)).Inc()
	log.Info("job cancelled", "previous_status", before.Status)
	events.Emit(ctx, s.events, s.log, events.FromJob(events.JobCancelled, cancelled))
	return cancelled, nil
}

// revoke signals the queue; failure only delays the worker noticing the cancel.
func (s *Service) revoke(ctx context.Context, log *slog.Logger, handle string) {
	if handle == "" {
		return
	}
	if err := s.queue.Revoke(ctx, handle); err != nil {
		log.Warn("revoke worker handle failed", "handle", handle, "err", err)
	}
}

// Retry resets a failed job to pending under a fresh worker handle and re-submits it.
// The retry budget is advisory unless EnforceRetryLimit is set.
func (s *Service) Retry(ctx context.Context, req Requester, id string) (models.Job, error) {
	job, err := s.Get(ctx, req, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusFailed {
		return models.Job{}, fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrNotRetryable)
	}
	log := s.log.With("job_id", job.ID, "kind", job.Kind, "owner", job.Owner)
	if job.RetryCount >= job.MaxRetries {
		if s.opts.EnforceRetryLimit {
			return models.Job{}, fmt.Errorf("job %s reached %d retries: %w", id, job.MaxRetries, models.ErrNotRetryable)
		}
		log.Info("retry budget exhausted, retrying anyway", "retry_count", job.RetryCount, "max_retries", job.MaxRetries)
	}

	handle := queue.NewHandle()
	reset, err := s.repo.ResetForRetry(ctx, id, handle)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsRetried.WithLabelValues(string(reset.Kind)).Inc()
	if err := s.queue.Submit(ctx, reset.ID, string(reset.Kind), handle); err != nil {
		log.Error("queue submit failed on retry, job left pending", "err", err)
		return reset, fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
	}
	log.Info("job retried", "retry_count", reset.RetryCount, "handle", handle)
	events.Emit(ctx, s.events, s.log, events.FromJob(events.JobRetried, reset))
	return reset, nil
}

// CancelUserJobs cancels every active job of owner, optionally restricted to kind.
// It returns how many jobs this call cancelled.
func (s *Service) CancelUserJobs(ctx context.Context, req Requester, owner string, kind models.Kind) (int, error) {
	if !req.may(owner) {
		return 0, models.ErrForbidden
	}
	active, err := s.activeJobs(ctx, owner, kind)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, job := range active {
		if _, err := s.cancel(ctx, job); err != nil {
			if errors.Is(err, models.ErrNotCancellable) {
				continue
			}
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// activeJobs lists the owner's pending and processing jobs, optionally of one kind.
func (s *Service) activeJobs(ctx context.Context, owner string, kind models.Kind) ([]models.Job, error) {
	var active []models.Job
	for _, st := range models.ActiveStatuses {
		for offset := 0; ; {
			page, total, err := s.repo.ListJobs(ctx, store.JobFilter{Owner: owner, Kind: kind, Status: st, Limit: 100, Offset: offset})
			if err != nil {
				return nil, err
			}
			active = append(active, page...)
			offset += len(page)
			if len(page) == 0 || offset >= total {
				break
			}
		}
	}
	return active, nil
}

// Model returns a model the requester may use.
func (s *Service) Model(ctx context.Context, req Requester, id string) (models.Model, error) {
	m, err := s.repo.GetModel(ctx, id)
	if err != nil {
		return models.Model{}, err
	}
	if !req.Admin && !m.UsableBy(req.ID) {
		return models.Model{}, models.ErrForbidden
	}
	return m, nil
}

// DeadLetters lists job ids that exhausted their redeliveries. Administrators only.
func (s *Service) DeadLetters(ctx context.Context, req Requester, count int64) ([]string, error) {
	if !req.Admin {
		return nil, models.ErrForbidden
	}
	if count <= 0 {
		count = 50
	}
	return s.queue.DLQPeek(ctx, count)
}
