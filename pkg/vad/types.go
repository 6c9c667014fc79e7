// Package vad converts a continuous stream of PCM frames into discrete
// utterance boundaries using amplitude-energy voice activity detection.
//
// The detector is stateful and synchronous by design: Feed returns immediately
// with a segmentation event, making it suitable for low-latency pipeline
// stages that gate inference input. Hysteresis is applied on both edges — a
// single spuriously loud or quiet frame never flips the voiced/silent state.
//
// A Segmenter belongs to exactly one audio stream. It is not safe for
// concurrent use; each session owns its own instance.
package vad

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UtteranceState tracks the lifecycle of an Utterance.
type UtteranceState int

const (
	// UtteranceOpen means the utterance is still accumulating frames.
	UtteranceOpen UtteranceState = iota

	// UtteranceClosed means silence persisted long enough to end the
	// utterance; ownership has transferred to the caller.
	UtteranceClosed

	// UtteranceDiscarded means the utterance was below the minimum voiced
	// duration and was rejected as noise.
	UtteranceDiscarded
)

// String returns the human-readable name of the state.
func (s UtteranceState) String() string {
	switch s {
	case UtteranceOpen:
		return "open"
	case UtteranceClosed:
		return "closed"
	case UtteranceDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Utterance is one continuous span of detected speech, bounded by silence.
// It is owned exclusively by the Segmenter until closed, at which point
// ownership transfers to the caller via the Ended event.
type Utterance struct {
	// ID is a unique identifier assigned when speech onset is confirmed.
	ID string

	// Samples is the accumulated mono audio, normalized to [-1, 1]. It
	// includes interior silence between voiced stretches but not the
	// trailing silence that closed the utterance.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Start is the capture timestamp of the first frame.
	Start time.Duration

	// End is the capture timestamp at which the utterance closed.
	// Zero while the utterance is open.
	End time.Duration

	// Voiced is the total duration of frames classified as voiced.
	Voiced time.Duration

	// State is the current lifecycle state.
	State UtteranceState
}

// Duration returns the play time of the accumulated samples.
func (u *Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(u.Samples)) * time.Second / time.Duration(u.SampleRate)
}

// newUtterance creates an open utterance starting at the given timestamp.
func newUtterance(sampleRate int, start time.Duration) *Utterance {
	return &Utterance{
		ID:         uuid.NewString(),
		SampleRate: sampleRate,
		Start:      start,
		State:      UtteranceOpen,
	}
}

// EventType classifies the result of feeding one frame to the Segmenter.
type EventType int

const (
	// None means the frame did not change segmentation state
	// (silence outside an utterance).
	None EventType = iota

	// Started means speech onset was confirmed and a new utterance opened.
	Started

	// Continuing means an open utterance absorbed the frame.
	Continuing

	// Ended means silence persisted past the configured threshold and the
	// utterance closed; Event.Utterance carries it.
	Ended

	// RejectedNoise means a voiced stretch ended before reaching the minimum
	// voiced duration and was discarded.
	RejectedNoise
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case None:
		return "none"
	case Started:
		return "started"
	case Continuing:
		return "continuing"
	case Ended:
		return "ended"
	case RejectedNoise:
		return "rejected_noise"
	default:
		return "unknown"
	}
}

// Event is the segmentation result for a single frame.
type Event struct {
	// Type is the segmentation outcome.
	Type EventType

	// Utterance is set for Ended (closed, ownership transferred) and
	// RejectedNoise (discarded) events; nil otherwise.
	Utterance *Utterance

	// Energy is the RMS amplitude of the frame, in [0, 1].
	Energy float64
}

// SequenceError reports a frame that arrived out of sequence order. Real-time
// audio cannot be usefully reordered, so the frame is rejected rather than
// silently re-sorted.
type SequenceError struct {
	// Want is the expected sequence number.
	Want int64

	// Got is the sequence number that arrived.
	Got int64
}

// Error implements the error interface.
func (e *SequenceError) Error() string {
	return fmt.Sprintf("vad: out-of-order frame: want seq %d, got %d", e.Want, e.Got)
}

// FrameError reports a malformed frame (wrong sample count or sample rate for
// the configured stream format).
type FrameError struct {
	Reason string
}

// Error implements the error interface.
func (e *FrameError) Error() string {
	return "vad: malformed frame: " + e.Reason
}
