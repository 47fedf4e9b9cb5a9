package artifacts

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

var (
	previewBackground = color.NRGBA{R: 245, G: 246, B: 250, A: 255}
	previewWave       = color.NRGBA{R: 52, G: 101, B: 164, A: 255}
)

// RenderWaveform draws the peak envelope of samples. It renders at twice the
// target size and downsamples with Lanczos for smooth edges.
func RenderWaveform(samples []float64, width, height int) image.Image {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 120
	}
	w, h := width*2, height*2
	canvas := imaging.New(w, h, previewBackground)
	mid := h / 2

	if len(samples) > 0 {
		perCol := float64(len(samples)) / float64(w)
		for x := 0; x < w; x++ {
			start := int(float64(x) * perCol)
			end := int(float64(x+1) * perCol)
			if end <= start {
				end = start + 1
			}
			if end > len(samples) {
				end = len(samples)
			}
			peak := 0.0
			for _, s := range samples[start:end] {
				peak = math.Max(peak, math.Abs(s))
			}
			extent := int(math.Min(peak, 1) * float64(mid-1))
			for y := mid - extent; y <= mid+extent; y++ {
				canvas.SetNRGBA(x, y, previewWave)
			}
		}
	}
	for x := 0; x < w; x++ {
		canvas.SetNRGBA(x, mid, previewWave)
	}
	return imaging.Resize(canvas, width, height, imaging.Lanczos)
}

// WritePreview renders samples to a PNG next to the audio it describes and returns its storage path.
func (f *FS) WritePreview(audioRel string, samples []float64, width, height int) (string, error) {
	rel := audioRel[:len(audioRel)-len(filepath.Ext(audioRel))] + ".png"
	abs := f.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create preview dir: %w", err)
	}
	img := RenderWaveform(samples, width, height)
	if err := imaging.Save(img, abs); err != nil {
		return "", fmt.Errorf("save preview: %w", err)
	}
	return rel, nil
}
