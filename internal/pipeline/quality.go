package pipeline

import (
	"os"

	"voicejobs/internal/artifacts"
)

// QualityScore rates a trained model from the files it produced and the samples it saw.
// Base 7.5, minus 2 per missing file, plus 1 for at least 10 samples or 0.5 for at least 5, clamped to [0, 10].
func QualityScore(files artifacts.ModelFiles, samples int) float64 {
	score := 7.5
	for _, p := range []string{files.Weights, files.Config, files.Index} {
		if !fileExists(p) {
			score -= 2
		}
	}
	switch {
	case samples >= 10:
		score += 1
	case samples >= 5:
		score += 0.5
	}
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
