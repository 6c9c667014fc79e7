package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"gen":    {"realtime"},
	"speech": {"piper", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Fields absent from the document keep their [Default] values. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// VAD
	if cfg.VAD.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad.sample_rate %d must be positive", cfg.VAD.SampleRate))
	}
	if cfg.VAD.FrameDurationMS <= 0 {
		errs = append(errs, fmt.Errorf("vad.frame_duration_ms %d must be positive", cfg.VAD.FrameDurationMS))
	}
	if cfg.VAD.VoiceThreshold <= 0 || cfg.VAD.VoiceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("vad.voice_threshold %.3f is out of range (0, 1)", cfg.VAD.VoiceThreshold))
	}
	if cfg.VAD.MinVoiceDurationMS <= 0 {
		errs = append(errs, fmt.Errorf("vad.min_voice_duration_ms %d must be positive", cfg.VAD.MinVoiceDurationMS))
	}
	if cfg.VAD.MinSilenceDurationMS <= 0 {
		errs = append(errs, fmt.Errorf("vad.min_silence_duration_ms %d must be positive", cfg.VAD.MinSilenceDurationMS))
	}

	// Synthesis
	if cfg.Synthesis.TargetSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("synthesis.target_sample_rate %d must be positive", cfg.Synthesis.TargetSampleRate))
	}
	if cfg.Synthesis.QuietThreshold < 0 || cfg.Synthesis.QuietThreshold >= 1 {
		errs = append(errs, fmt.Errorf("synthesis.quiet_threshold %.3f is out of range [0, 1)", cfg.Synthesis.QuietThreshold))
	}
	if cfg.Synthesis.ClipCeiling <= 0 || cfg.Synthesis.ClipCeiling > 1 {
		errs = append(errs, fmt.Errorf("synthesis.clip_ceiling %.3f is out of range (0, 1]", cfg.Synthesis.ClipCeiling))
	}
	if cfg.Synthesis.TargetRMS <= cfg.Synthesis.QuietThreshold {
		errs = append(errs, fmt.Errorf("synthesis.target_rms %.3f must exceed quiet_threshold %.3f", cfg.Synthesis.TargetRMS, cfg.Synthesis.QuietThreshold))
	}
	if cfg.Synthesis.SafePeak <= 0 || cfg.Synthesis.SafePeak > cfg.Synthesis.ClipCeiling {
		errs = append(errs, fmt.Errorf("synthesis.safe_peak %.3f is out of range (0, clip_ceiling]", cfg.Synthesis.SafePeak))
	}

	// Pipeline
	if cfg.Pipeline.MaxBufferedAudioMS <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_buffered_audio_ms %d must be positive", cfg.Pipeline.MaxBufferedAudioMS))
	}
	if cfg.Pipeline.InferenceConcurrencyLimit < 1 {
		errs = append(errs, fmt.Errorf("pipeline.inference_concurrency_limit %d must be at least 1", cfg.Pipeline.InferenceConcurrencyLimit))
	}
	if cfg.Pipeline.InferenceTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("pipeline.inference_timeout_ms %d must not be negative", cfg.Pipeline.InferenceTimeoutMS))
	}
	if cfg.Pipeline.ContextTurns < 0 {
		errs = append(errs, fmt.Errorf("pipeline.context_turns %d must not be negative", cfg.Pipeline.ContextTurns))
	}
	if cfg.Pipeline.BargeInThreshold < 0 || cfg.Pipeline.BargeInThreshold >= 1 {
		errs = append(errs, fmt.Errorf("pipeline.barge_in_threshold %.3f is out of range [0, 1)", cfg.Pipeline.BargeInThreshold))
	}

	// Providers
	validateProviderName("gen", cfg.Providers.Gen.Name)
	if cfg.Providers.Gen.Name == "" {
		slog.Warn("no generation provider configured; sessions will fail every utterance")
	}
	if cfg.Providers.Gen.Name == "realtime" && cfg.Providers.Gen.URL == "" {
		errs = append(errs, errors.New("providers.gen.url is required for the realtime provider"))
	}
	if len(cfg.Providers.GenFallbacks) > 0 && cfg.Providers.Gen.Name == "" {
		errs = append(errs, errors.New("providers.gen_fallbacks requires a primary providers.gen"))
	}
	for i, entry := range cfg.Providers.GenFallbacks {
		prefix := fmt.Sprintf("providers.gen_fallbacks[%d]", i)
		validateProviderName("gen", entry.Name)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if entry.Name == "realtime" && entry.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required for the realtime provider", prefix))
		}
	}
	if len(cfg.Providers.Speech) == 0 {
		slog.Warn("no speech backends configured; responses will be text only")
	}
	speechSeen := make(map[string]int, len(cfg.Providers.Speech))
	for i, entry := range cfg.Providers.Speech {
		prefix := fmt.Sprintf("providers.speech[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := speechSeen[entry.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.speech[%d]", prefix, entry.Name, prev))
		}
		speechSeen[entry.Name] = i
		validateProviderName("speech", entry.Name)
		switch entry.Name {
		case "piper":
			if entry.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required for piper", prefix))
			}
		case "elevenlabs":
			if entry.APIKey == "" {
				errs = append(errs, fmt.Errorf("%s.api_key is required for elevenlabs", prefix))
			}
			if entry.Voice == "" && cfg.Synthesis.Voice == "" {
				errs = append(errs, fmt.Errorf("%s.voice or synthesis.voice is required for elevenlabs", prefix))
			}
		}
	}

	// Archive availability
	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; conversation turns will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
