// Package mock provides test doubles for the speech package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/vocata-ai/vocata/pkg/provider/speech"
)

// SynthesizeCall records a single invocation of Synthesizer.Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string

	// Voice is the voice id passed to Synthesize.
	Voice string
}

// Synthesizer is a mock implementation of speech.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Result is returned by every Synthesize call.
	Result speech.Result

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Compile-time interface assertion.
var _ speech.Synthesizer = (*Synthesizer)(nil)

// Synthesize records the call and returns Result, SynthesizeErr.
func (s *Synthesizer) Synthesize(_ context.Context, text string, voice string) (speech.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	if s.SynthesizeErr != nil {
		return speech.Result{}, s.SynthesizeErr
	}
	return s.Result, nil
}

// CallCount returns the number of recorded Synthesize calls. Thread-safe.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SynthesizeCalls)
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (s *Synthesizer) Calls() []SynthesizeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SynthesizeCall, len(s.SynthesizeCalls))
	copy(out, s.SynthesizeCalls)
	return out
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Synthesizer) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = nil
}
