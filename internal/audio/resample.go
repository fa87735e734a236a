package audio

import "math"

const filterTaps = 31

// Resample converts samples from srcRate to dstRate by linear interpolation,
// with a windowed-sinc low-pass applied on the higher-rate side to suppress
// aliasing or imaging.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 || srcRate <= 0 || dstRate <= 0 {
		return samples
	}

	cutoff := float64(min(srcRate, dstRate)) / 2.0
	if srcRate > dstRate {
		samples = lowPass(samples, cutoff, float64(srcRate))
	}

	out := interpolateTo(samples, float64(srcRate)/float64(dstRate))

	if dstRate > srcRate {
		out = lowPass(out, cutoff, float64(dstRate))
	}
	return out
}

func interpolateTo(samples []float32, ratio float64) []float32 {
	outLen := int(float64(len(samples)) / ratio)
	out := make([]float32, outLen)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// lowPass convolves samples with a normalized Blackman-windowed sinc kernel.
// Taps that fall outside the input are skipped.
func lowPass(samples []float32, cutoff, sampleRate float64) []float32 {
	kernel := sincKernel(cutoff/sampleRate, filterTaps)
	half := filterTaps / 2
	out := make([]float32, len(samples))

	for i := range samples {
		jStart := max(0, half-i)
		jEnd := min(filterTaps, len(samples)-i+half)
		var sum float32
		for j := jStart; j < jEnd; j++ {
			sum += samples[i+j-half] * kernel[j]
		}
		out[i] = sum
	}
	return out
}

func sincKernel(fc float64, taps int) []float32 {
	half := taps / 2
	span := float64(taps - 1)
	kernel := make([]float32, taps)

	var sum float64
	for i := range taps {
		n := float64(i - half)
		sinc := 1.0
		if n != 0 {
			x := 2.0 * math.Pi * fc * n
			sinc = math.Sin(x) / x
		}
		window := 0.42 - 0.5*math.Cos(2.0*math.Pi*float64(i)/span) + 0.08*math.Cos(4.0*math.Pi*float64(i)/span)
		kernel[i] = float32(sinc * window)
		sum += sinc * window
	}

	scale := float32(1.0 / sum)
	for i := range kernel {
		kernel[i] *= scale
	}
	return kernel
}
