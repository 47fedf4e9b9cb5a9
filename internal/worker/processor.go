package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"voicejobs/internal/config"
	"voicejobs/internal/events"
	"voicejobs/internal/models"
	"voicejobs/internal/queue"
	"voicejobs/internal/store"
	"voicejobs/internal/telemetry"
)

// Executor runs one leased job to a terminal state or abandons it.
type Executor interface {
	Run(ctx context.Context, job models.Job) error
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    store.JobRepository
	exec     Executor
	events   events.Publisher
	log      *slog.Logger
	workerID string
	slots    chan struct{}
	wg       sync.WaitGroup
}

// NewProcessor creates a processor with a worker ID used in logs.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st store.JobRepository, exec Executor,
	pub events.Publisher, log *slog.Logger, workerID string) *Processor {
	if log == nil {
		log = slog.Default()
	}
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	if cfg.LeaseHeartbeat <= 0 || cfg.LeaseHeartbeat >= cfg.VisibilityTimeout {
		cfg.LeaseHeartbeat = cfg.VisibilityTimeout / 3
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		exec:     exec,
		events:   pub,
		log:      log.With("worker_id", workerID),
		workerID: workerID,
		slots:    make(chan struct{}, concurrency),
	}
}

// Run starts the main worker loop until context cancellation. In-flight runs are
// interrupted on shutdown and left leased, so another worker picks them up once
// the lease expires.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	defer p.wg.Wait()

	p.maintain(ctx)
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.maintain(ctx)
			continue
		case p.slots <- struct{}{}:
		}

		d, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			<-p.slots
			failures++
			wait := backoffWithJitter(p.cfg.WorkerPollInterval, 30*time.Second, failures)
			p.log.Warn("dequeue failed", "err", err, "retry_in", wait)
			sleep(ctx, wait)
			continue
		}
		failures = 0
		if d == nil {
			<-p.slots
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		p.wg.Add(1)
		go func(d queue.Delivery) {
			defer p.wg.Done()
			defer func() { <-p.slots }()
			p.handle(ctx, d)
		}(*d)
	}
}

// handle takes one delivery through MarkProcessing, the executor and acknowledgement.
func (p *Processor) handle(ctx context.Context, d queue.Delivery) {
	log := p.log.With("job_id", d.JobID, "kind", d.Kind, "handle", d.Handle)

	job, err := p.store.MarkProcessing(ctx, d.JobID, d.Handle)
	if errors.Is(err, models.ErrStaleRun) || errors.Is(err, models.ErrNotFound) {
		log.Info("dropping delivery for a superseded run", "err", err)
		p.ack(ctx, log, d.Handle)
		return
	}
	if err != nil {
		log.Error("mark processing failed, leaving lease to expire", "err", err)
		return
	}
	log = log.With("owner", job.Owner, "attempt", job.Attempts)

	if redeliveries := job.Attempts - 1; redeliveries > job.MaxRetries {
		p.workerLost(ctx, log, job, d.Handle, redeliveries)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := p.heartbeat(runCtx, cancel, d.Handle, log)
	err = p.exec.Run(runCtx, job)
	stop()

	switch {
	case err == nil:
		telemetry.JobsCompleted.WithLabelValues(string(job.Kind)).Inc()
		p.ack(ctx, log, d.Handle)
		p.emit(ctx, log, events.JobCompleted, job.ID)
	case errors.Is(err, models.ErrStageFailure):
		telemetry.JobsFailed.WithLabelValues(string(job.Kind)).Inc()
		p.ack(ctx, log, d.Handle)
		p.emit(ctx, log, events.JobFailed, job.ID)
	case errors.Is(err, models.ErrStaleRun), errors.Is(context.Cause(runCtx), models.ErrCancelledByUser):
		log.Info("run abandoned after cancellation or retry")
		p.ack(ctx, log, d.Handle)
	case ctx.Err() != nil:
		log.Info("run interrupted by shutdown, left for redelivery")
	default:
		log.Error("run ended without a recorded outcome, left for redelivery", "err", err)
	}
}

// workerLost fails a job whose run kept losing its lease.
func (p *Processor) workerLost(ctx context.Context, log *slog.Logger, job models.Job, handle string, redeliveries int) {
	reason := fmt.Sprintf("worker lost: run redelivered %d times", redeliveries)
	if err := p.store.Fail(ctx, job.ID, handle, reason); err != nil {
		log.Warn("could not fail lost run", "err", err)
		p.ack(ctx, log, handle)
		return
	}
	telemetry.WorkerLost.Inc()
	telemetry.JobsFailed.WithLabelValues(string(job.Kind)).Inc()
	p.ack(ctx, log, handle)
	if err := p.queue.DLQPush(ctx, job.ID); err != nil {
		log.Warn("dead-letter push failed", "err", err)
	}
	log.Warn("job dead-lettered", "redeliveries", redeliveries)
	p.emit(ctx, log, events.JobFailed, job.ID)
}

// heartbeat extends the lease and watches for revocation until stop is called.
// A revoked handle cancels the run with models.ErrCancelledByUser.
func (p *Processor) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, handle string, log *slog.Logger) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.LeaseHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			revoked, err := p.queue.IsRevoked(ctx, handle)
			if err != nil {
				log.Warn("revocation check failed", "err", err)
			} else if revoked {
				log.Info("run revoked, stopping executor")
				cancel(models.ErrCancelledByUser)
				return
			}
			if err := p.queue.ExtendLease(ctx, handle, p.cfg.VisibilityTimeout); err != nil {
				log.Warn("lease extension failed", "err", err)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// maintain reclaims expired leases, re-submits pending jobs the queue lost and refreshes gauges.
func (p *Processor) maintain(ctx context.Context) {
	if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
		p.log.Warn("requeue expired leases", "err", err)
	} else if len(reclaimed) > 0 {
		telemetry.LeasesReclaimed.Add(float64(len(reclaimed)))
		p.log.Info("expired leases requeued", "count", len(reclaimed))
	}
	p.reconcilePending(ctx)
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		for kind, n := range depth {
			telemetry.QueueDepthGauge.WithLabelValues(kind).Set(float64(n))
		}
	}
}

// reconcilePending re-submits pending jobs whose hand-off to the queue never landed.
func (p *Processor) reconcilePending(ctx context.Context) {
	stale, err := p.store.ListStalePending(ctx, time.Now().Add(-p.cfg.VisibilityTimeout), 50)
	if err != nil {
		p.log.Warn("list stale pending jobs", "err", err)
		return
	}
	for _, job := range stale {
		handle := job.Handle()
		if handle == "" {
			continue
		}
		known, err := p.queue.Known(ctx, handle)
		if err != nil {
			p.log.Warn("queue lookup failed", "job_id", job.ID, "err", err)
			return
		}
		if known {
			continue
		}
		if err := p.queue.Submit(ctx, job.ID, string(job.Kind), handle); err != nil {
			p.log.Warn("re-submit pending job", "job_id", job.ID, "err", err)
			return
		}
		telemetry.PendingResubmits.Inc()
		p.log.Info("pending job re-submitted", "job_id", job.ID, "kind", job.Kind, "handle", handle)
	}
}

func (p *Processor) ack(ctx context.Context, log *slog.Logger, handle string) {
	if err := p.queue.Ack(ctx, handle); err != nil {
		log.Warn("ack failed", "err", err)
	}
}

func (p *Processor) emit(ctx context.Context, log *slog.Logger, t events.Type, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		log.Warn("load job for event", "err", err)
		return
	}
	events.Emit(ctx, p.events, log, events.FromJob(t, job))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
