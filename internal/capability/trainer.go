package capability

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"voicejobs/internal/artifacts"
	"voicejobs/internal/models"
)

// trainingSteps is the number of progress reports the simulated trainer emits.
const trainingSteps = 6

// SimulatedTrainer writes placeholder model files derived from the feature bundle.
type SimulatedTrainer struct {
	// StepDelay is slept between progress reports.
	StepDelay time.Duration
}

// Train produces <name>.pth, <name>_config.json and <name>.index in dir.
// progress receives the completed fraction in (0, 1].
func (t SimulatedTrainer) Train(ctx context.Context, bundle FeatureBundle, name string, cfg models.TrainingConfig,
	dir string, progress func(float64) error) (artifacts.ModelFiles, error) {
	features, err := os.ReadFile(bundle.Path)
	if err != nil {
		return artifacts.ModelFiles{}, fmt.Errorf("read features: %w", err)
	}
	cfg = cfg.WithDefaults()

	for step := 1; step <= trainingSteps; step++ {
		if t.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return artifacts.ModelFiles{}, ctx.Err()
			case <-time.After(t.StepDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return artifacts.ModelFiles{}, err
		}
		if progress != nil {
			if err := progress(float64(step) / trainingSteps); err != nil {
				return artifacts.ModelFiles{}, err
			}
		}
	}

	files := artifacts.ModelFiles{
		Weights: filepath.Join(dir, name+".pth"),
		Config:  filepath.Join(dir, name+"_config.json"),
		Index:   filepath.Join(dir, name+".index"),
	}
	digest := sha256.Sum256(features)
	if err := os.WriteFile(files.Weights, digest[:], 0o644); err != nil {
		return artifacts.ModelFiles{}, fmt.Errorf("write weights: %w", err)
	}
	meta, err := json.MarshalIndent(map[string]any{
		"model_name":    name,
		"epochs":        cfg.Epochs,
		"batch_size":    cfg.BatchSize,
		"learning_rate": cfg.LearningRate,
		"samples":       bundle.Samples,
		"total_seconds": bundle.TotalSeconds,
	}, "", "  ")
	if err != nil {
		return artifacts.ModelFiles{}, fmt.Errorf("marshal model config: %w", err)
	}
	if err := os.WriteFile(files.Config, meta, 0o644); err != nil {
		return artifacts.ModelFiles{}, fmt.Errorf("write model config: %w", err)
	}
	if err := os.WriteFile(files.Index, []byte(fmt.Sprintf("%x\n", digest[:8])), 0o644); err != nil {
		return artifacts.ModelFiles{}, fmt.Errorf("write index: %w", err)
	}
	return files, nil
}
