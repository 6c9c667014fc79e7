// Package speech defines the Synthesizer interface for speech-synthesis
// backends.
//
// A synthesizer turns response text into raw audio samples at the backend's
// native sample rate. Normalization, resampling, and container framing are
// deliberately not part of this interface — they live in the synthesizer
// adapter so that swapping backends never touches the post-processing
// pipeline. Backends are composed into ordered fallback chains by the
// resilience layer.
//
// Implementations must be safe for concurrent use.
package speech

import "context"

// Result is the raw output of one synthesis call.
type Result struct {
	// Samples is mono audio normalized to [-1, 1], at the backend's native
	// sample rate.
	Samples []float32

	// SampleRate is the native rate of the samples in Hz.
	SampleRate int
}

// Synthesizer is the abstraction over any speech-synthesis backend.
//
// Synthesize performs one synthesis call for the given text and voice id.
// A result with zero samples is invalid; implementations must return an
// error instead. Cancelling ctx aborts the in-flight call.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice string) (Result, error)
}
