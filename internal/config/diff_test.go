package config_test

import (
	"testing"

	"github.com/vocata-ai/vocata/internal/config"
)

func baseConfig() *config.Config {
	return config.Default()
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()

	d := config.Diff(old, new)
	if d.Any() {
		t.Errorf("identical configs should produce an empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
	if d.VADChanged || d.SynthesisChanged || d.PipelineChanged {
		t.Errorf("only the log level changed, got %+v", d)
	}
}

func TestDiff_VADChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.VAD.VoiceThreshold = 0.08

	d := config.Diff(old, new)
	if !d.VADChanged {
		t.Error("VADChanged should be true")
	}
	if d.LogLevelChanged {
		t.Error("LogLevelChanged should be false")
	}
}

func TestDiff_SynthesisChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Synthesis.Voice = "bright-tenor"

	d := config.Diff(old, new)
	if !d.SynthesisChanged {
		t.Error("SynthesisChanged should be true")
	}
}

func TestDiff_PipelineChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Pipeline.BargeIn = true

	d := config.Diff(old, new)
	if !d.PipelineChanged {
		t.Error("PipelineChanged should be true")
	}
	if !d.Any() {
		t.Error("Any should report the pipeline change")
	}
}

func TestDiff_ListenAddrIgnored(t *testing.T) {
	t.Parallel()
	// Network changes require a restart, so the diff must not report them.
	old := baseConfig()
	new := baseConfig()
	new.Server.ListenAddr = ":9999"

	d := config.Diff(old, new)
	if d.Any() {
		t.Errorf("listen_addr change should not be hot-reloadable, got %+v", d)
	}
}
