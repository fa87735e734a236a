package audio

import "math"

// DefaultSilenceThresholdDB is the window energy below which audio counts as silence.
const DefaultSilenceThresholdDB = -45.0

const silenceWindow = 480 // 30ms at 16kHz

// IsSilent reports whether no 30ms window of samples reaches thresholdDB.
// Whisper tends to hallucinate text on pure silence, so callers skip it.
func IsSilent(samples []float32, thresholdDB float64) bool {
	for start := 0; start < len(samples); start += silenceWindow {
		end := min(start+silenceWindow, len(samples))
		if EnergyDB(samples[start:end]) >= thresholdDB {
			return false
		}
	}
	return true
}

// EnergyDB returns the RMS level of samples in dBFS, floored at -100.
func EnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
