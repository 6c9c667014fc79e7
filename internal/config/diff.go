package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: log verbosity,
// segmentation tuning, synthesis loudness, and the interruption switches.
// Network, provider, and archive changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true if any segmentation threshold or duration changed.
	// New sessions pick the values up; established sessions keep theirs.
	VADChanged bool

	// SynthesisChanged is true if the voice or a normalization threshold changed.
	SynthesisChanged bool

	// PipelineChanged is true if buffering, admission, or barge-in tuning changed.
	PipelineChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VADChanged || d.SynthesisChanged || d.PipelineChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
	}

	if old.Synthesis != new.Synthesis {
		d.SynthesisChanged = true
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
	}

	return d
}
