package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FeatureBundle is the opaque result of feature extraction.
type FeatureBundle struct {
	Path         string
	Samples      int
	TotalSeconds float64
}

type sampleFeatures struct {
	File             string  `json:"file"`
	Seconds          float64 `json:"seconds"`
	RMS              float64 `json:"rms"`
	Peak             float64 `json:"peak"`
	ZeroCrossingRate float64 `json:"zero_crossing_rate"`
	// PitchHz is a zero-crossing estimate, adequate for the simulated trainer.
	PitchHz float64 `json:"pitch_hz"`
}

// Extractor computes per-sample summary features and writes them as one JSON bundle.
type Extractor struct{}

// Extract reads every file and writes features.json into dir.
func (Extractor) Extract(ctx context.Context, files []string, dir string) (FeatureBundle, error) {
	if len(files) == 0 {
		return FeatureBundle{}, fmt.Errorf("no samples to extract")
	}
	feats := make([]sampleFeatures, 0, len(files))
	total := 0.0
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return FeatureBundle{}, err
		}
		clip, err := ReadWAV(file)
		if err != nil {
			return FeatureBundle{}, err
		}
		zcr := ZeroCrossingRate(clip.Samples)
		feats = append(feats, sampleFeatures{
			File:             filepath.Base(file),
			Seconds:          clip.Seconds(),
			RMS:              RMS(clip.Samples),
			Peak:             Peak(clip.Samples),
			ZeroCrossingRate: zcr,
			PitchHz:          zcr * float64(clip.SampleRate) / 2,
		})
		total += clip.Seconds()
	}

	path := filepath.Join(dir, "features.json")
	data, err := json.MarshalIndent(feats, "", "  ")
	if err != nil {
		return FeatureBundle{}, fmt.Errorf("marshal features: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return FeatureBundle{}, fmt.Errorf("write features: %w", err)
	}
	return FeatureBundle{Path: path, Samples: len(feats), TotalSeconds: total}, nil
}
