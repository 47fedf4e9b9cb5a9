package capability

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"

	"voicejobs/internal/models"
)

// Emotions lists every emotion tag a tts request may carry.
var Emotions = []string{"neutral", "happy", "sad", "angry", "surprised", "disgusted", "fearful", "calm", "excited"}

var emotionPitch = map[string]float64{
	"happy":     1.2,
	"sad":       0.8,
	"angry":     1.5,
	"calm":      0.9,
	"excited":   1.3,
	"fearful":   1.1,
	"surprised": 1.4,
	"disgusted": 0.7,
	"neutral":   1.0,
}

// EmotionPitch returns the pitch multiplier for an emotion tag; unknown tags are neutral.
func EmotionPitch(emotion string) float64 {
	if f, ok := emotionPitch[emotion]; ok {
		return f
	}
	return 1.0
}

const (
	synthRate      = 22050
	secondsPerChar = 0.15
	baseFrequency  = 440.0
	toneAmplitude  = 0.3
	noiseAmplitude = 0.05
	fadeSeconds    = 0.1
)

// ToneSynthesizer renders a tone whose length tracks the text and whose pitch tracks the emotion.
// Output is deterministic for a given text and emotion. Speed is left to post-processing.
type ToneSynthesizer struct{}

// Synthesize renders text at the natural rate.
func (ToneSynthesizer) Synthesize(ctx context.Context, text string, model models.Model, emotion string, speed float64) (Clip, error) {
	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}
	chars := len([]rune(text))
	if chars == 0 {
		return Clip{}, fmt.Errorf("nothing to synthesize")
	}
	n := int(float64(chars) * secondsPerChar * synthRate)
	freq := baseFrequency * EmotionPitch(emotion)

	h := fnv.New64a()
	h.Write([]byte(model.ID))
	h.Write([]byte(emotion))
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	samples := make([]float64, n)
	for i := range samples {
		t := float64(i) / synthRate
		samples[i] = math.Sin(2*math.Pi*freq*t)*toneAmplitude + rng.NormFloat64()*noiseAmplitude
	}
	Fade(samples, int(fadeSeconds*synthRate))
	return Clip{Samples: samples, SampleRate: synthRate}, nil
}
