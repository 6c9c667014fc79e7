// Package synth turns response text into a playback-ready audio container.
//
// The adapter owns everything between the synthesis backend and the wire: one
// provider call per response, resampling to the configured output rate,
// loudness normalization, and WAV framing. Backends stay interchangeable
// because none of those steps depend on which backend produced the samples.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vocata-ai/vocata/pkg/audio"
	"github.com/vocata-ai/vocata/pkg/provider/speech"
)

// SynthesisError reports a failed synthesis attempt. It wraps the backend
// cause so callers can inspect it with errors.As and errors.Is.
type SynthesisError struct {
	// TextLen is the length of the text that failed, in runes. The text
	// itself is withheld from errors to keep conversation content out of
	// logs.
	TextLen int

	// Cause is the underlying failure.
	Cause error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synth: synthesis of %d-rune text failed: %v", e.TextLen, e.Cause)
}

func (e *SynthesisError) Unwrap() error { return e.Cause }

// Result is one synthesized, normalized, container-framed response.
type Result struct {
	// Samples is the normalized mono audio at SampleRate.
	Samples []float32

	// SampleRate in Hz and Channels (always 1) describe the framing.
	SampleRate int
	Channels   int

	// RMS and Peak are measured after normalization.
	RMS  float64
	Peak float64

	// Gain is the scalar that was applied during normalization. 1.0 means
	// the audio was already in band.
	Gain float64

	// WAV is the complete RIFF/WAVE container ready to send.
	WAV []byte
}

// Duration returns the playback duration of the result.
func (r *Result) Duration() time.Duration {
	if r.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(r.Samples)) * time.Second / time.Duration(r.SampleRate)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithVoice sets the backend voice identifier passed on every call.
func WithVoice(voice string) Option {
	return func(a *Adapter) { a.voice = voice }
}

// WithNormalizeConfig overrides the loudness normalization parameters.
func WithNormalizeConfig(cfg audio.NormalizeConfig) Option {
	return func(a *Adapter) { a.norm = cfg }
}

// WithTimeout bounds each backend call. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// Adapter produces playback-ready audio from text. Safe for concurrent use.
type Adapter struct {
	backend    speech.Synthesizer
	voice      string
	targetRate int
	norm       audio.NormalizeConfig
	timeout    time.Duration
	logger     *slog.Logger
}

// New creates an Adapter over backend. targetRate is the output sample rate
// of every result; backends with a different native rate are resampled.
func New(backend speech.Synthesizer, targetRate int, opts ...Option) *Adapter {
	a := &Adapter{
		backend:    backend,
		targetRate: targetRate,
		norm:       audio.DefaultNormalizeConfig(),
		timeout:    30 * time.Second,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Synthesize runs one backend call and the full post-processing chain. The
// backend is invoked exactly once per call; any retry or fallback behavior
// belongs to the backend itself.
func (a *Adapter) Synthesize(ctx context.Context, text string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	res, err := a.backend.Synthesize(ctx, text, a.voice)
	if err != nil {
		return nil, &SynthesisError{TextLen: len([]rune(text)), Cause: err}
	}
	if len(res.Samples) == 0 {
		return nil, &SynthesisError{
			TextLen: len([]rune(text)),
			Cause:   fmt.Errorf("backend returned zero samples"),
		}
	}

	samples := res.Samples
	if res.SampleRate != a.targetRate {
		samples = audio.ResampleMono(samples, res.SampleRate, a.targetRate)
	}

	samples, gain := audio.Normalize(samples, a.norm)

	out := &Result{
		Samples:    samples,
		SampleRate: a.targetRate,
		Channels:   1,
		RMS:        audio.RMS(samples),
		Peak:       audio.Peak(samples),
		Gain:       gain,
		WAV:        audio.EncodeWAV(audio.EncodePCM16(samples), a.targetRate, 1),
	}

	a.logger.Debug("synthesized response",
		"samples", len(out.Samples),
		"sample_rate", out.SampleRate,
		"duration", out.Duration(),
		"gain", out.Gain,
		"elapsed", time.Since(start),
	)
	return out, nil
}
