package capability

import "context"

// OutputPeak is the full-scale fraction generated audio is normalized to.
const OutputPeak = 0.8

// PostProcessor applies speed and loudness finishing to synthesized audio.
type PostProcessor struct{}

// Process time-stretches by speed unless the synthesizer already applied it, then peak-normalizes.
func (PostProcessor) Process(ctx context.Context, clip Clip, speed float64) (Clip, error) {
	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}
	samples := clip.Samples
	if speed > 0 && speed != 1 && !clip.SpeedApplied {
		samples = TimeStretch(samples, speed)
	}
	samples = PeakNormalize(samples, OutputPeak)
	return Clip{Samples: samples, SampleRate: clip.SampleRate, SpeedApplied: true}, nil
}
