// Package pipeline runs the fixed stage sequence of each job kind against the
// job store, committing progress and terminal state with compare-and-set writes
// keyed by the run's worker handle.
package pipeline

import (
	"context"

	"voicejobs/internal/artifacts"
	"voicejobs/internal/capability"
	"voicejobs/internal/models"
	"voicejobs/internal/textnorm"
)

// SampleNormalizer cleans one audio sample into dst and returns its duration in seconds.
type SampleNormalizer interface {
	Normalize(ctx context.Context, src, dst string, sampleRate int, loudnessTargetDB float64) (float64, error)
}

// FeatureExtractor turns normalized samples into a feature bundle written under dir.
type FeatureExtractor interface {
	Extract(ctx context.Context, files []string, dir string) (capability.FeatureBundle, error)
}

// ModelTrainer trains a voice model and reports completed fractions through progress.
type ModelTrainer interface {
	Train(ctx context.Context, bundle capability.FeatureBundle, name string, cfg models.TrainingConfig,
		dir string, progress func(float64) error) (artifacts.ModelFiles, error)
}

// SpeechSynthesizer renders text with a voice model.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string, model models.Model, emotion string, speed float64) (capability.Clip, error)
}

// AudioPostProcessor finishes synthesized audio.
type AudioPostProcessor interface {
	Process(ctx context.Context, clip capability.Clip, speed float64) (capability.Clip, error)
}

// TextNormalizer canonicalizes tts input text.
type TextNormalizer interface {
	Normalize(text string) string
}

// Capabilities bundles the engines the executor drives.
type Capabilities struct {
	Normalizer    SampleNormalizer
	Extractor     FeatureExtractor
	Trainer       ModelTrainer
	Synthesizer   SpeechSynthesizer
	PostProcessor AudioPostProcessor
	Text          TextNormalizer
}

// DefaultCapabilities wires the reference engines.
func DefaultCapabilities(locale string) Capabilities {
	return Capabilities{
		Normalizer:    capability.Normalizer{},
		Extractor:     capability.Extractor{},
		Trainer:       capability.SimulatedTrainer{},
		Synthesizer:   capability.ToneSynthesizer{},
		PostProcessor: capability.PostProcessor{},
		Text:          textnorm.New(locale),
	}
}

// Store is the slice of the job repository the executor writes through.
type Store interface {
	UpdateProgress(ctx context.Context, id, handle string, progress int) error
	Complete(ctx context.Context, id, handle string, outputs models.JobOutputs, model *models.Model) error
	Fail(ctx context.Context, id, handle, reason string) error
	GetArtifacts(ctx context.Context, ids []string) ([]models.Artifact, error)
	GetModel(ctx context.Context, id string) (models.Model, error)
	ModelNameTaken(ctx context.Context, owner, name string) (bool, error)
}
