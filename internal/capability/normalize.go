package capability

import (
	"context"
	"errors"
	"fmt"
)

// ErrSilent is returned when a sample has no audible content after trimming.
var ErrSilent = errors.New("sample is silent")

// SilenceTopDB is the trim threshold below the loudest frame.
const SilenceTopDB = 20

// Normalizer resamples, trims and loudness-normalizes WAV samples.
type Normalizer struct{}

// Normalize writes a cleaned copy of src to dst and returns its duration in seconds.
func (Normalizer) Normalize(ctx context.Context, src, dst string, sampleRate int, loudnessTargetDB float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	clip, err := ReadWAV(src)
	if err != nil {
		return 0, err
	}
	samples := Resample(clip.Samples, clip.SampleRate, sampleRate)
	samples = TrimSilence(samples, SilenceTopDB)
	if len(samples) == 0 {
		return 0, fmt.Errorf("%s: %w", src, ErrSilent)
	}
	samples = NormalizeRMS(samples, loudnessTargetDB)
	out := Clip{Samples: samples, SampleRate: sampleRate}
	if err := WriteWAV(dst, out); err != nil {
		return 0, err
	}
	return out.Seconds(), nil
}
