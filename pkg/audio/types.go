// Package audio provides the PCM frame type and sample-level operations used
// throughout the Vocata pipeline: int16 codec helpers, RMS/peak measurement,
// linear resampling, gain normalization, and WAV container framing.
//
// All audio in the pipeline is mono, 16-bit signed little-endian PCM. Sample
// buffers handed between components use float32 amplitudes normalized to
// [-1.0, 1.0]; the byte form appears only at the transport edge and inside
// the WAV container.
package audio

import "time"

// Frame is a single fixed-duration slice of mono PCM16 audio received from the
// transport. Frames carry a monotonically increasing sequence number so the
// segmenter can detect reordering, which real-time audio cannot recover from.
type Frame struct {
	// Seq is the client-assigned sequence number, starting at 0 and
	// increasing by 1 per frame.
	Seq int64

	// Data is little-endian int16 mono PCM.
	Data []byte

	// SampleRate in Hz (e.g. 16000).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// SampleCount returns the number of int16 samples in the frame.
func (f Frame) SampleCount() int { return len(f.Data) / 2 }

// Duration returns the play time of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SampleCount()) * time.Second / time.Duration(f.SampleRate)
}
