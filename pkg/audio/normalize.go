package audio

// NormalizeConfig holds the gain-correction thresholds applied to synthesized
// audio before it is framed for transport.
type NormalizeConfig struct {
	// QuietThreshold is the RMS below which the signal is boosted toward
	// TargetRMS. Typical: 0.05.
	QuietThreshold float64

	// ClipCeiling is the peak above which the signal is attenuated to
	// SafePeak. Typical: 0.95.
	ClipCeiling float64

	// TargetRMS is the loudness a quiet signal is raised to. Typical: 0.2.
	TargetRMS float64

	// SafePeak is the peak a hot signal is reduced to. Typical: 0.9.
	SafePeak float64
}

// DefaultNormalizeConfig returns the standard thresholds for conversational
// speech playback.
func DefaultNormalizeConfig() NormalizeConfig {
	return NormalizeConfig{
		QuietThreshold: 0.05,
		ClipCeiling:    0.95,
		TargetRMS:      0.2,
		SafePeak:       0.9,
	}
}

// rmsEpsilon guards the gain division against a near-silent input.
const rmsEpsilon = 1e-9

// Normalize applies loudness correction to samples and returns the corrected
// buffer along with the gain that was applied (1.0 when untouched).
//
// The decision order is fixed: a quiet signal (RMS below QuietThreshold) is
// boosted to TargetRMS; otherwise a hot signal (peak above ClipCeiling) is
// attenuated to SafePeak; an in-band signal is returned unchanged, same
// backing array. Gain application never pushes the absolute peak above 1.0 —
// individual samples are clamped if the computed gain would.
func Normalize(samples []float32, cfg NormalizeConfig) ([]float32, float64) {
	if len(samples) == 0 {
		return samples, 1.0
	}

	rms := RMS(samples)
	peak := Peak(samples)

	var gain float64
	switch {
	case rms < cfg.QuietThreshold:
		gain = cfg.TargetRMS / (rms + rmsEpsilon)
	case peak > cfg.ClipCeiling:
		gain = cfg.SafePeak / peak
	default:
		return samples, 1.0
	}

	out := make([]float32, len(samples))
	for i, s := range samples {
		v := float64(s) * gain
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		out[i] = float32(v)
	}
	return out, gain
}
