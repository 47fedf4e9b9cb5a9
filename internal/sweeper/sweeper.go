// Package sweeper reclaims storage held by finished jobs: lingering working
// directories, generated outputs of expired jobs, their records, and files no
// record references any more.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voicejobs/internal/artifacts"
	"voicejobs/internal/models"
	"voicejobs/internal/store"
	"voicejobs/internal/telemetry"
)

// Store is the repository surface the sweeper needs.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time, statuses []models.Status, after store.Cursor, limit int) ([]models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	ReferencedPaths(ctx context.Context) (map[string]struct{}, error)
}

// Report summarizes one pass.
type Report struct {
	JobsDeleted     int
	JobsRetained    int
	FilesDeleted    int
	WorkDirsRemoved int
	OrphansRemoved  int
}

// Sweeper deletes expired terminal jobs and unreferenced files.
type Sweeper struct {
	store  Store
	fs     *artifacts.FS
	mirror artifacts.Mirror
	log    *slog.Logger
	batch  int
	now    func() time.Time
}

// New builds a sweeper. mirror may be nil.
func New(st Store, fs *artifacts.FS, mirror artifacts.Mirror, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{store: st, fs: fs, mirror: mirror, log: log, batch: 200, now: time.Now}
}

// Sweep deletes terminal jobs created more than age ago. With keepCompleted set, completed
// jobs and their outputs are kept. Artifacts go first and the record last; a job whose
// files could not be removed keeps its record and is retried on the next pass.
func (s *Sweeper) Sweep(ctx context.Context, age time.Duration, keepCompleted bool) (Report, error) {
	var rep Report
	statuses := []models.Status{models.StatusFailed, models.StatusCancelled}
	if !keepCompleted {
		statuses = append(statuses, models.StatusCompleted)
	}
	cutoff := s.now().Add(-age)

	var cursor store.Cursor
	for {
		jobs, err := s.store.ListTerminalBefore(ctx, cutoff, statuses, cursor, s.batch)
		if err != nil {
			return rep, fmt.Errorf("list expired jobs: %w", err)
		}
		for _, job := range jobs {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			s.sweepJob(ctx, job, &rep)
			cursor = store.CursorOf(job)
		}
		if len(jobs) < s.batch {
			break
		}
	}
	telemetry.SweptJobs.Add(float64(rep.JobsDeleted))
	return rep, nil
}

func (s *Sweeper) sweepJob(ctx context.Context, listed models.Job, rep *Report) {
	log := s.log.With("job_id", listed.ID, "kind", listed.Kind, "status", listed.Status)
	// A retry between the listing and now hands the job and its work dir to a new run.
	job, err := s.store.GetJob(ctx, listed.ID)
	if errors.Is(err, models.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn("sweep: re-read failed, keeping record", "err", err)
		rep.JobsRetained++
		return
	}
	if job.Status != listed.Status || !job.UpdatedAt.Equal(listed.UpdatedAt) {
		log.Debug("sweep: job changed since listing, skipped", "now", job.Status)
		return
	}
	if err := s.fs.RemoveWorkDir(job.Kind, job.ID); err != nil {
		log.Warn("sweep: work dir not removed, keeping record", "err", err)
		rep.JobsRetained++
		return
	}
	deleted, err := s.deleteOutputs(ctx, job)
	rep.FilesDeleted += deleted
	if err != nil {
		log.Warn("sweep: outputs not removed, keeping record", "err", err)
		rep.JobsRetained++
		return
	}
	if err := s.store.DeleteJob(ctx, job.ID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return
		}
		log.Warn("sweep: delete record failed", "err", err)
		rep.JobsRetained++
		return
	}
	rep.JobsDeleted++
	log.Debug("sweep: job deleted")
}

// deleteOutputs removes generated files and their remote copies. Models created by
// voice_clone jobs are catalog entries in their own right and are not touched.
func (s *Sweeper) deleteOutputs(ctx context.Context, job models.Job) (int, error) {
	if job.Outputs == nil {
		return 0, nil
	}
	deleted := 0
	for _, rel := range job.Outputs.Paths() {
		if err := s.fs.Remove(rel); err != nil {
			return deleted, err
		}
		deleted++
	}
	if tts := job.Outputs.TTS; tts != nil && tts.MirrorURI != "" && s.mirror != nil {
		if err := s.mirror.Delete(ctx, tts.MirrorURI); err != nil {
			return deleted, fmt.Errorf("delete mirror copy: %w", err)
		}
	}
	return deleted, nil
}

// ReclaimWorkDirs removes working directories whose job is terminal or gone and
// that have not been touched for grace. Directories of active runs are left alone.
func (s *Sweeper) ReclaimWorkDirs(ctx context.Context, grace time.Duration) (int, error) {
	entries, err := s.fs.ListWorkDirs()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-grace)
	removed := 0
	for _, e := range entries {
		if e.ModTime.After(cutoff) {
			continue
		}
		job, err := s.store.GetJob(ctx, e.JobID)
		switch {
		case errors.Is(err, models.ErrNotFound):
		case err != nil:
			return removed, err
		case job.Status.Active():
			continue
		}
		if err := s.fs.RemoveWorkDir(e.Kind, e.JobID); err != nil {
			s.log.Warn("reclaim work dir", "job_id", e.JobID, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// ReclaimOrphans deletes stored files older than grace that no artifact, model or job references.
func (s *Sweeper) ReclaimOrphans(ctx context.Context, grace time.Duration) (int, error) {
	refs, err := s.store.ReferencedPaths(ctx)
	if err != nil {
		return 0, fmt.Errorf("load referenced paths: %w", err)
	}
	orphans, err := s.fs.ScanOrphans(refs, s.now().Add(-grace))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rel := range orphans {
		if err := s.fs.Remove(rel); err != nil {
			s.log.Warn("reclaim orphan", "path", rel, "err", err)
			continue
		}
		removed++
	}
	telemetry.OrphansReclaimed.Add(float64(removed))
	if removed > 0 {
		s.log.Info("orphans reclaimed", "count", removed)
	}
	return removed, nil
}

// Policy configures the periodic pass.
type Policy struct {
	Interval      time.Duration
	Age           time.Duration
	KeepCompleted bool
	OrphanGrace   time.Duration
}

// RunOnce performs one full pass: expired jobs, stale work dirs, then orphans.
func (s *Sweeper) RunOnce(ctx context.Context, p Policy) (Report, error) {
	rep, err := s.Sweep(ctx, p.Age, p.KeepCompleted)
	if err != nil {
		return rep, err
	}
	if rep.WorkDirsRemoved, err = s.ReclaimWorkDirs(ctx, p.OrphanGrace); err != nil {
		return rep, err
	}
	if rep.OrphansRemoved, err = s.ReclaimOrphans(ctx, p.OrphanGrace); err != nil {
		return rep, err
	}
	return rep, nil
}

// Run sweeps every p.Interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context, p Policy) {
	if p.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rep, err := s.RunOnce(ctx, p)
		if err != nil {
			s.log.Error("sweep failed", "err", err)
			continue
		}
		s.log.Info("sweep done", "jobs_deleted", rep.JobsDeleted, "jobs_retained", rep.JobsRetained,
			"files_deleted", rep.FilesDeleted, "work_dirs", rep.WorkDirsRemoved, "orphans", rep.OrphansRemoved)
	}
}
