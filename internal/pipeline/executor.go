package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voicejobs/internal/artifacts"
	"voicejobs/internal/capability"
	"voicejobs/internal/models"
	"voicejobs/internal/telemetry"
)

// Options tunes stage behaviour.
type Options struct {
	SampleRate       int
	LoudnessTargetDB float64
	StageTimeout     time.Duration
	TrainingTimeout  time.Duration
	PreviewWidth     int
	PreviewHeight    int
}

// Executor runs a leased job through its kind's stage sequence.
type Executor struct {
	store  Store
	fs     *artifacts.FS
	mirror artifacts.Mirror
	caps   Capabilities
	opts   Options
	log    *slog.Logger
}

// NewExecutor builds an executor. mirror may be nil.
func NewExecutor(st Store, fs *artifacts.FS, mirror artifacts.Mirror, caps Capabilities, opts Options, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.PreviewWidth <= 0 {
		opts.PreviewWidth = 640
	}
	if opts.PreviewHeight <= 0 {
		opts.PreviewHeight = 120
	}
	return &Executor{store: st, fs: fs, mirror: mirror, caps: caps, opts: opts, log: log}
}

// stage is one step of a pipeline. checkpoint is committed as progress when the stage starts.
type stage struct {
	name       string
	checkpoint int
	timeout    time.Duration
	run        func(ctx context.Context, r *run) error
}

// run carries state between the stages of one execution.
type run struct {
	job    models.Job
	handle string
	log    *slog.Logger

	// voice_clone
	samples    []models.Artifact
	workDir    artifacts.WorkDir
	normalized []string
	bundle     capability.FeatureBundle
	trained    artifacts.ModelFiles
	score      float64
	persisting bool

	// tts
	model models.Model
	text  string
	clip  capability.Clip

	outputs models.JobOutputs
	created *models.Model
}

// Run executes job, which must already be processing under its current worker handle.
//
// It returns nil once the job is completed, a *models.StageError once the failure
// has been recorded, models.ErrStaleRun when another writer (cancel, retry) took the
// job over, and the context's cause when ctx ended mid-run. In the last case no
// terminal state is written; the lease expires and the run is redelivered.
func (e *Executor) Run(ctx context.Context, job models.Job) error {
	r := &run{
		job:    job,
		handle: job.Handle(),
		log:    e.log.With("job_id", job.ID, "kind", job.Kind, "owner", job.Owner),
	}
	var stages []stage
	switch job.Kind {
	case models.KindVoiceClone:
		stages = e.voiceCloneStages()
	case models.KindTTS:
		stages = e.ttsStages()
	default:
		return e.fail(ctx, r, "dispatch", fmt.Errorf("unknown job kind %q", job.Kind))
	}

	for _, st := range stages {
		if ctx.Err() != nil {
			return e.abandon(ctx, r, st.name)
		}
		if err := e.progress(ctx, r, st.checkpoint); err != nil {
			e.cleanup(r)
			return err
		}
		start := time.Now()
		err := e.runStage(ctx, st, r)
		telemetry.StageDuration.WithLabelValues(string(job.Kind), st.name).Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, models.ErrStaleRun) {
				e.cleanup(r)
				return err
			}
			return e.fail(ctx, r, st.name, err)
		}
		r.log.Debug("stage done", "stage", st.name, "elapsed", time.Since(start))
	}

	if err := e.store.Complete(ctx, job.ID, r.handle, r.outputs, r.created); err != nil {
		if errors.Is(err, models.ErrStaleRun) {
			r.log.Info("completion lost to a concurrent write", "err", err)
			e.cleanup(r)
			return err
		}
		return e.fail(ctx, r, "persist", err)
	}
	r.log.Info("job completed")
	return nil
}

func (e *Executor) runStage(ctx context.Context, st stage, r *run) error {
	timeout := st.timeout
	if timeout == 0 {
		timeout = e.opts.StageTimeout
	}
	stageCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := st.run(stageCtx, r)
	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return err
}

// progress commits a checkpoint. Only a lost CAS stops the run; other store errors are logged.
func (e *Executor) progress(ctx context.Context, r *run, value int) error {
	if value <= 0 {
		return nil
	}
	err := e.store.UpdateProgress(ctx, r.job.ID, r.handle, value)
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrStaleRun) {
		r.log.Info("run superseded", "progress", value)
		return err
	}
	r.log.Warn("progress update failed", "progress", value, "err", err)
	return nil
}

func (e *Executor) fail(ctx context.Context, r *run, stageName string, cause error) error {
	if ctx.Err() != nil {
		return e.abandon(ctx, r, stageName)
	}
	e.cleanup(r)
	serr := &models.StageError{Stage: stageName, Err: cause}
	if err := e.store.Fail(ctx, r.job.ID, r.handle, serr.Error()); err != nil {
		if errors.Is(err, models.ErrStaleRun) {
			r.log.Info("failure not recorded, run superseded", "stage", stageName, "err", cause)
			return err
		}
		r.log.Error("record failure", "stage", stageName, "err", err)
		return fmt.Errorf("record failure of %s: %w", serr, err)
	}
	r.log.Warn("job failed", "stage", stageName, "err", cause)
	return serr
}

func (e *Executor) abandon(ctx context.Context, r *run, stageName string) error {
	e.cleanup(r)
	cause := context.Cause(ctx)
	r.log.Info("run interrupted", "stage", stageName, "cause", cause)
	return cause
}

func (e *Executor) cleanup(r *run) {
	if r.job.Kind != models.KindVoiceClone {
		return
	}
	if err := e.fs.RemoveWorkDir(r.job.Kind, r.job.ID); err != nil {
		r.log.Warn("remove work dir", "err", err)
	}
	// Files copied into the model tree belong to no model until Complete commits.
	if r.persisting {
		if err := e.fs.ReleaseModel(r.job.Owner, r.job.Inputs.VoiceClone.ModelName, r.job.ID, r.handle); err != nil {
			r.log.Warn("release model dir", "err", err)
		}
	}
}

// mirrorFile copies a stored file to the remote mirror when one is configured.
// Mirror failures are logged and never fail the job.
func (e *Executor) mirrorFile(ctx context.Context, r *run, rel string) string {
	if e.mirror == nil || rel == "" {
		return ""
	}
	uri, err := e.mirror.Put(ctx, rel, e.fs.Abs(rel), artifacts.ContentType(rel))
	if err != nil {
		r.log.Warn("mirror upload failed", "path", rel, "err", err)
		return ""
	}
	return uri
}
