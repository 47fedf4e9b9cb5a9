package capability

import "math"

// Resample converts samples between rates by linear interpolation.
func Resample(samples []float64, from, to int) []float64 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return append([]float64(nil), samples...)
	}
	ratio := float64(from) / float64(to)
	n := int(float64(len(samples)) / ratio)
	out := make([]float64, n)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		frac := pos - float64(j)
		if j+1 < len(samples) {
			out[i] = samples[j]*(1-frac) + samples[j+1]*frac
		} else {
			out[i] = samples[len(samples)-1]
		}
	}
	return out
}

const (
	trimFrame = 2048
	trimHop   = 512
)

// TrimSilence drops leading and trailing frames quieter than topDB below the loudest frame.
func TrimSilence(samples []float64, topDB float64) []float64 {
	if len(samples) == 0 {
		return nil
	}
	var energies []float64
	for start := 0; start < len(samples); start += trimHop {
		end := start + trimFrame
		if end > len(samples) {
			end = len(samples)
		}
		energies = append(energies, RMS(samples[start:end]))
	}
	peak := 0.0
	for _, e := range energies {
		peak = math.Max(peak, e)
	}
	if peak == 0 {
		return nil
	}
	threshold := peak * math.Pow(10, -topDB/20)
	first, last := -1, -1
	for i, e := range energies {
		if e > threshold {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return nil
	}
	start := first * trimHop
	end := last*trimHop + trimFrame
	if end > len(samples) {
		end = len(samples)
	}
	return append([]float64(nil), samples[start:end]...)
}

// RMS returns the root mean square of samples.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the largest absolute sample.
func Peak(samples []float64) float64 {
	peak := 0.0
	for _, s := range samples {
		peak = math.Max(peak, math.Abs(s))
	}
	return peak
}

// NormalizeRMS scales samples to targetDB RMS, then scales back down if any sample clips.
func NormalizeRMS(samples []float64, targetDB float64) []float64 {
	out := append([]float64(nil), samples...)
	if rms := RMS(out); rms > 0 {
		gain := math.Pow(10, targetDB/20) / rms
		for i := range out {
			out[i] *= gain
		}
	}
	if peak := Peak(out); peak > 1 {
		for i := range out {
			out[i] /= peak
		}
	}
	return out
}

// PeakNormalize scales samples so the loudest one sits at level.
func PeakNormalize(samples []float64, level float64) []float64 {
	out := append([]float64(nil), samples...)
	peak := Peak(out)
	if peak == 0 {
		return out
	}
	for i := range out {
		out[i] = out[i] / peak * level
	}
	return out
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs that change sign.
func ZeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

const (
	stretchFrame = 1024
	stretchHop   = 256
)

// TimeStretch changes duration by 1/rate while keeping pitch, using windowed overlap-add.
func TimeStretch(samples []float64, rate float64) []float64 {
	if rate <= 0 || rate == 1 || len(samples) == 0 {
		return append([]float64(nil), samples...)
	}
	outLen := int(float64(len(samples)) / rate)
	out := make([]float64, outLen+stretchFrame)
	weight := make([]float64, outLen+stretchFrame)
	win := hann(stretchFrame)
	analysisHop := float64(stretchHop) * rate

	for k := 0; ; k++ {
		src := int(float64(k) * analysisHop)
		dst := k * stretchHop
		if src >= len(samples) || dst >= outLen {
			break
		}
		for i := 0; i < stretchFrame && src+i < len(samples); i++ {
			out[dst+i] += samples[src+i] * win[i]
			weight[dst+i] += win[i]
		}
	}
	for i := range out {
		if weight[i] > 1e-6 {
			out[i] /= weight[i]
		}
	}
	return out[:outLen]
}

// Fade applies linear fade-in and fade-out of n samples each.
func Fade(samples []float64, n int) {
	if n*2 > len(samples) {
		n = len(samples) / 2
	}
	if n <= 1 {
		return
	}
	last := len(samples) - 1
	for i := 0; i < n; i++ {
		g := float64(i) / float64(n-1)
		samples[i] *= g
		samples[last-i] *= g
	}
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}
