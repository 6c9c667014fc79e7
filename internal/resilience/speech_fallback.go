package resilience

import (
	"context"

	"github.com/vocata-ai/vocata/pkg/provider/speech"
)

// SpeechFallback implements [speech.Synthesizer] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker, so a
// repeatedly failing backend is bypassed without probing it on every request.
type SpeechFallback struct {
	group *FallbackGroup[speech.Synthesizer]
}

// Compile-time interface assertion.
var _ speech.Synthesizer = (*SpeechFallback)(nil)

// NewSpeechFallback creates a [SpeechFallback] with primary as the preferred
// backend.
func NewSpeechFallback(primary speech.Synthesizer, primaryName string, cfg FallbackConfig) *SpeechFallback {
	return &SpeechFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesis backend as a fallback.
func (f *SpeechFallback) AddFallback(name string, backend speech.Synthesizer) {
	f.group.AddFallback(name, backend)
}

// Synthesize runs one synthesis call against the first healthy backend.
// Voice ids are backend-specific, so a fallback backend may render the text
// with a different voice than the primary would have.
func (f *SpeechFallback) Synthesize(ctx context.Context, text string, voice string) (speech.Result, error) {
	return ExecuteWithResult(f.group, func(s speech.Synthesizer) (speech.Result, error) {
		return s.Synthesize(ctx, text, voice)
	})
}
