// Package mock provides test doubles for the gen package interfaces.
//
// Use Provider to script fragment streams and count Generate invocations —
// the single-inference invariant is verified in tests by asserting exactly
// one recorded call per utterance.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/vocata-ai/vocata/pkg/provider/gen"
)

// GenerateCall records a single invocation of Provider.Generate.
type GenerateCall struct {
	// UtteranceID is the id from the request.
	UtteranceID string

	// SampleCount is the number of samples submitted.
	SampleCount int

	// SampleRate is the rate from the request.
	SampleRate int

	// Context is a copy of the conversation context supplied.
	Context []gen.ContextEntry
}

// Provider is a mock implementation of gen.Provider.
type Provider struct {
	mu sync.Mutex

	// Fragments is the scripted stream emitted by every Generate call. When
	// empty, a single final fragment with FinalText is emitted.
	Fragments []gen.Fragment

	// FinalText is the text of the default single fragment used when
	// Fragments is empty.
	FinalText string

	// Delay, when non-zero, is slept before the stream begins — used to
	// simulate inference latency and exercise timeout paths.
	Delay time.Duration

	// GenerateErr, if non-nil, is returned by Generate before any stream is
	// started.
	GenerateErr error

	// GenerateCalls records every call to Generate in order.
	GenerateCalls []GenerateCall
}

// Compile-time interface assertion.
var _ gen.Provider = (*Provider)(nil)

// Generate records the call and streams the scripted fragments.
func (p *Provider) Generate(ctx context.Context, req gen.Request) (<-chan gen.Fragment, error) {
	p.mu.Lock()
	ctxCopy := make([]gen.ContextEntry, len(req.Context))
	copy(ctxCopy, req.Context)
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{
		UtteranceID: req.UtteranceID,
		SampleCount: len(req.Samples),
		SampleRate:  req.SampleRate,
		Context:     ctxCopy,
	})
	fragments := p.Fragments
	if len(fragments) == 0 {
		fragments = []gen.Fragment{{Text: p.FinalText, Final: true}}
	}
	delay := p.Delay
	genErr := p.GenerateErr
	p.mu.Unlock()

	if genErr != nil {
		return nil, genErr
	}

	out := make(chan gen.Fragment)
	go func() {
		defer close(out)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		for _, f := range fragments {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
			if f.Final || f.Err != nil {
				return
			}
		}
	}()
	return out, nil
}

// CallCount returns the number of Generate invocations recorded so far.
// Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.GenerateCalls)
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []GenerateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]GenerateCall, len(p.GenerateCalls))
	copy(out, p.GenerateCalls)
	return out
}

// ResetCalls clears all recorded call history. Thread-safe.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
}
