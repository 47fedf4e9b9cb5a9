package capability

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicejobs/internal/models"
)

func tone(seconds float64, rate int, amp float64) []float64 {
	n := int(seconds * float64(rate))
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*220*float64(i)/float64(rate))
	}
	return out
}

func TestWAVRoundTripKeepsDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	require.NoError(t, WriteWAV(path, Clip{Samples: tone(1.5, 8000, 0.5), SampleRate: 8000}))

	clip, err := ReadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, clip.SampleRate)
	assert.InDelta(t, 1.5, clip.Seconds(), 0.01)
	assert.InDelta(t, 0.5, Peak(clip.Samples), 0.01)

	secs, err := WAVDuration(path)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, secs, 0.01)
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.wav")
	require.NoError(t, os.WriteFile(path, []byte("definitely not audio"), 0o644))
	_, err := ReadWAV(path)
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestTrimSilence(t *testing.T) {
	rate := 16000
	silence := make([]float64, rate)
	samples := append(append(append([]float64{}, silence...), tone(1, rate, 0.5)...), silence...)

	trimmed := TrimSilence(samples, SilenceTopDB)
	assert.Less(t, len(trimmed), len(samples))
	assert.InDelta(t, float64(rate), float64(len(trimmed)), float64(2*trimFrame))
	assert.Nil(t, TrimSilence(make([]float64, 5000), SilenceTopDB))
}

func TestNormalizeRMSHitsTarget(t *testing.T) {
	out := NormalizeRMS(tone(1, 8000, 0.05), -20)
	assert.InDelta(t, math.Pow(10, -20.0/20), RMS(out), 0.001)

	loud := NormalizeRMS(tone(1, 8000, 0.05), 0)
	assert.LessOrEqual(t, Peak(loud), 1.0, "clip protection")
}

func TestResampleLength(t *testing.T) {
	out := Resample(tone(1, 44100, 0.5), 44100, 16000)
	assert.InDelta(t, 16000, len(out), 1)
}

func TestTimeStretchChangesDuration(t *testing.T) {
	in := tone(2, 22050, 0.5)
	fast := TimeStretch(in, 2)
	slow := TimeStretch(in, 0.5)
	assert.InDelta(t, len(in)/2, len(fast), 1)
	assert.InDelta(t, len(in)*2, len(slow), 1)
	assert.Equal(t, len(in), len(TimeStretch(in, 1)))
}

func TestNormalizerWritesCleanSample(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.wav")
	dst := filepath.Join(dir, "out.wav")
	samples := append(make([]float64, 22050), tone(2, 22050, 0.9)...)
	require.NoError(t, WriteWAV(src, Clip{Samples: samples, SampleRate: 22050}))

	secs, err := Normalizer{}.Normalize(context.Background(), src, dst, 16000, -20)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, secs, 0.2)

	clip, err := ReadWAV(dst)
	require.NoError(t, err)
	assert.Equal(t, 16000, clip.SampleRate)
}

func TestNormalizerRejectsSilence(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "quiet.wav")
	require.NoError(t, WriteWAV(src, Clip{Samples: make([]float64, 16000), SampleRate: 16000}))
	_, err := Normalizer{}.Normalize(context.Background(), src, filepath.Join(dir, "out.wav"), 16000, -20)
	assert.ErrorIs(t, err, ErrSilent)
}

func TestExtractAndTrain(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var files []string
	for _, name := range []string{"a.wav", "b.wav", "c.wav"} {
		p := filepath.Join(dir, name)
		require.NoError(t, WriteWAV(p, Clip{Samples: tone(1, 16000, 0.4), SampleRate: 16000}))
		files = append(files, p)
	}

	bundle, err := Extractor{}.Extract(ctx, files, dir)
	require.NoError(t, err)
	assert.Equal(t, 3, bundle.Samples)
	assert.InDelta(t, 3.0, bundle.TotalSeconds, 0.01)

	var reports []float64
	out, err := SimulatedTrainer{}.Train(ctx, bundle, "voice", models.TrainingConfig{}, dir, func(f float64) error {
		reports = append(reports, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, reports, trainingSteps)
	assert.InDelta(t, 1.0, reports[len(reports)-1], 1e-9)
	for _, p := range []string{out.Weights, out.Config, out.Index} {
		assert.FileExists(t, p)
	}
}

func TestTrainerHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	features := filepath.Join(dir, "features.json")
	require.NoError(t, os.WriteFile(features, []byte("[]"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SimulatedTrainer{StepDelay: time.Second}.Train(ctx, FeatureBundle{Path: features}, "v", models.TrainingConfig{}, dir, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSynthesizeAndPostProcess(t *testing.T) {
	ctx := context.Background()
	model := models.Model{ID: "m1"}

	clip, err := ToneSynthesizer{}.Synthesize(ctx, "hello", model, "happy", 2)
	require.NoError(t, err)
	assert.Equal(t, 22050, clip.SampleRate)
	assert.InDelta(t, 0.75, clip.Seconds(), 0.01)
	assert.InDelta(t, 0.0, clip.Samples[0], 1e-9, "fade in")

	again, err := ToneSynthesizer{}.Synthesize(ctx, "hello", model, "happy", 2)
	require.NoError(t, err)
	assert.Equal(t, clip.Samples, again.Samples, "deterministic")

	out, err := PostProcessor{}.Process(ctx, clip, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.375, out.Seconds(), 0.01)
	assert.InDelta(t, OutputPeak, Peak(out.Samples), 1e-9)
	assert.True(t, out.SpeedApplied)
}

func TestEmotionPitch(t *testing.T) {
	assert.Equal(t, 1.5, EmotionPitch("angry"))
	assert.Equal(t, 0.7, EmotionPitch("disgusted"))
	assert.Equal(t, 1.0, EmotionPitch("bored"))
	for _, e := range Emotions {
		_, ok := emotionPitch[e]
		assert.True(t, ok, e)
	}
}
