// Package gen defines the Provider interface for the combined
// recognition+generation collaborator.
//
// A gen provider receives the full audio of one closed utterance together
// with the conversation context and streams back the assistant's textual
// response as ordered fragments. Recognition and generation are deliberately
// a single call: issuing a separate transcription pass per utterance doubles
// latency, so any verbatim transcript must be produced as a by-product of the
// one generation call (surfaced on the terminal fragment) or not at all.
//
// Implementations must be safe for concurrent use; the orchestration layer
// bounds concurrent calls with an admission limit rather than assuming
// unlimited capacity.
package gen

import "context"

// Speaker identifies who produced a context entry.
type Speaker string

const (
	// SpeakerUser marks audio or text originating from the human.
	SpeakerUser Speaker = "user"

	// SpeakerAssistant marks a prior generated response.
	SpeakerAssistant Speaker = "assistant"
)

// ContextEntry is one prior conversation turn supplied as generation context.
type ContextEntry struct {
	// Speaker is who produced the entry.
	Speaker Speaker

	// Text is the turn content. User turns recorded as placeholders carry an
	// empty string; providers should skip them.
	Text string
}

// Request bundles everything needed for one generation call.
type Request struct {
	// UtteranceID identifies the utterance, for correlation in logs.
	UtteranceID string

	// Samples is the utterance audio, mono, normalized to [-1, 1].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Context is the recent conversation history, oldest first.
	Context []ContextEntry
}

// Fragment is one element of the streamed response.
type Fragment struct {
	// Text is the next piece of response text. May be empty on the terminal
	// fragment.
	Text string

	// Final marks the completion of the stream. The channel is closed after
	// the final fragment.
	Final bool

	// Transcript, set only on the final fragment and only when the backend
	// produced one, is the verbatim transcript of the user's speech obtained
	// as a by-product of the generation call.
	Transcript string

	// Err, set only on the terminal fragment, reports a mid-stream failure.
	// The channel is closed immediately after.
	Err error
}

// Provider is the abstraction over any recognition+generation backend.
//
// Generate performs exactly one inference pass over the utterance audio. The
// returned channel yields fragments in order and is closed after a fragment
// with Final set (success) or Err set (failure). A stream that closes with
// neither is a protocol violation and callers must treat it as failed.
//
// A non-nil error return means the stream could not be started at all.
// Cancelling ctx aborts the in-flight call and closes the channel.
type Provider interface {
	Generate(ctx context.Context, req Request) (<-chan Fragment, error)
}
