package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"voicejobs/internal/artifacts"
	"voicejobs/internal/models"
)

// Persisted defaults for models produced by voice_clone jobs.
var (
	DefaultModelEmotions  = []string{"neutral", "happy", "sad", "angry"}
	DefaultModelLanguages = []string{"zh-CN"}
)

// Training progress is mapped into this band.
const (
	trainProgressFrom = 50
	trainProgressTo   = 80
)

func (e *Executor) voiceCloneStages() []stage {
	return []stage{
		{name: "validate_inputs", run: e.validateSamples},
		{name: "prepare", checkpoint: 5, run: e.prepareWorkDir},
		{name: "normalize", checkpoint: 10, run: e.normalizeSamples},
		{name: "extract", checkpoint: 30, run: e.extractFeatures},
		{name: "train", checkpoint: trainProgressFrom, timeout: e.opts.TrainingTimeout, run: e.train},
		{name: "validate", checkpoint: trainProgressTo, run: e.scoreModel},
		{name: "persist", checkpoint: 90, run: e.persistModel},
		{name: "release", run: e.releaseWorkDir},
	}
}

func (e *Executor) validateSamples(ctx context.Context, r *run) error {
	in := r.job.Inputs.VoiceClone
	if in == nil || len(in.SampleIDs) == 0 {
		return models.Invalid("sample_ids", "no samples")
	}
	found, err := e.store.GetArtifacts(ctx, in.SampleIDs)
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}
	byID := make(map[string]models.Artifact, len(found))
	for _, a := range found {
		byID[a.ID] = a
	}
	samples := make([]models.Artifact, 0, len(in.SampleIDs))
	for _, id := range in.SampleIDs {
		a, ok := byID[id]
		switch {
		case !ok || a.Deleted:
			return models.Invalid("sample_ids", "sample %s no longer exists", id)
		case a.Owner != r.job.Owner:
			return models.Invalid("sample_ids", "sample %s is not owned by %s", id, r.job.Owner)
		case a.Kind != models.ArtifactAudio:
			return models.Invalid("sample_ids", "sample %s is not audio", id)
		case !e.fs.Exists(a.Path):
			return models.Invalid("sample_ids", "sample %s is missing from storage", id)
		}
		samples = append(samples, a)
	}
	r.samples = samples
	return nil
}

func (e *Executor) prepareWorkDir(_ context.Context, r *run) error {
	wd, err := e.fs.CreateWorkDir(r.job.Kind, r.job.ID)
	if err != nil {
		return err
	}
	r.workDir = wd
	return nil
}

// normalizeSamples drops samples that fail to normalize; the stage fails only when none survive.
func (e *Executor) normalizeSamples(ctx context.Context, r *run) error {
	r.normalized = r.normalized[:0]
	for i, a := range r.samples {
		dst := filepath.Join(r.workDir.Processed, fmt.Sprintf("sample_%03d.wav", i))
		secs, err := e.caps.Normalizer.Normalize(ctx, e.fs.Abs(a.Path), dst, e.opts.SampleRate, e.opts.LoudnessTargetDB)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn("sample skipped", "artifact_id", a.ID, "err", err)
			continue
		}
		r.log.Debug("sample normalized", "artifact_id", a.ID, "seconds", secs)
		r.normalized = append(r.normalized, dst)
	}
	if len(r.normalized) == 0 {
		return errors.New("no sample survived normalization")
	}
	return nil
}

func (e *Executor) extractFeatures(ctx context.Context, r *run) error {
	bundle, err := e.caps.Extractor.Extract(ctx, r.normalized, r.workDir.Features)
	if err != nil {
		return err
	}
	r.bundle = bundle
	return nil
}

func (e *Executor) train(ctx context.Context, r *run) error {
	in := r.job.Inputs.VoiceClone
	report := func(frac float64) error {
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		value := trainProgressFrom + int(frac*float64(trainProgressTo-trainProgressFrom))
		return e.progress(ctx, r, value)
	}
	files, err := e.caps.Trainer.Train(ctx, r.bundle, in.ModelName, in.Training.WithDefaults(), r.workDir.Models, report)
	if err != nil {
		return err
	}
	r.trained = files
	return nil
}

func (e *Executor) scoreModel(_ context.Context, r *run) error {
	r.score = QualityScore(r.trained, len(r.normalized))
	if !fileExists(r.trained.Weights) {
		return errors.New("training produced no weights")
	}
	return nil
}

func (e *Executor) persistModel(ctx context.Context, r *run) error {
	in := r.job.Inputs.VoiceClone
	// The permanent tree is keyed by name, so a taken name must not reach the copy.
	taken, err := e.store.ModelNameTaken(ctx, r.job.Owner, in.ModelName)
	if err != nil {
		return fmt.Errorf("check model name: %w", err)
	}
	if taken {
		return models.Invalid("model_name", "model %q already exists", in.ModelName)
	}
	r.persisting = true
	stored, err := e.fs.PersistModel(r.job.Owner, in.ModelName, r.job.ID, r.handle, r.trained)
	if errors.Is(err, artifacts.ErrModelDirClaimed) {
		r.persisting = false
		return models.Invalid("model_name", "model %q is already being trained", in.ModelName)
	}
	if err != nil {
		return err
	}
	for _, rel := range []string{stored.Weights, stored.Config, stored.Index} {
		e.mirrorFile(ctx, r, rel)
	}
	model := models.Model{
		ID:                 uuid.NewString(),
		Name:               in.ModelName,
		Description:        fmt.Sprintf("Voice model trained from %d audio samples", len(r.samples)),
		Type:               models.ModelUserTrained,
		Owner:              r.job.Owner,
		WeightsPath:        stored.Weights,
		ConfigPath:         stored.Config,
		IndexPath:          stored.Index,
		SupportedEmotions:  append([]string(nil), DefaultModelEmotions...),
		SupportedLanguages: append([]string(nil), DefaultModelLanguages...),
		QualityScore:       r.score,
		Status:             models.ModelActive,
		SourceJobID:        r.job.ID,
		CreatedAt:          time.Now().UTC(),
	}
	r.created = &model
	r.outputs = models.JobOutputs{VoiceClone: &models.VoiceCloneOutput{ModelID: model.ID, QualityScore: r.score}}
	return nil
}

func (e *Executor) releaseWorkDir(_ context.Context, r *run) error {
	if err := e.fs.RemoveWorkDir(r.job.Kind, r.job.ID); err != nil {
		r.log.Warn("release work dir", "err", err)
	}
	return nil
}
