package vad

import (
	"fmt"
	"time"

	"github.com/vocata-ai/vocata/pkg/audio"
)

// Config holds the parameters for a Segmenter.
type Config struct {
	// SampleRate is the expected PCM sample rate in Hz. Frames with a
	// different rate are rejected.
	SampleRate int

	// FrameDuration is the expected duration of each frame. Frames whose
	// sample count does not match are rejected. Typical: 20ms.
	FrameDuration time.Duration

	// VoiceThreshold is the RMS amplitude above which a frame counts as
	// voiced. Range (0, 1). Typical: 0.05.
	VoiceThreshold float64

	// MinVoiceDuration is the minimum accumulated voiced duration for an
	// utterance to be emitted rather than discarded as noise.
	MinVoiceDuration time.Duration

	// MinSilenceDuration is how long silence must persist before an open
	// utterance closes.
	MinSilenceDuration time.Duration

	// OnsetDuration is how long voiced frames must persist before speech
	// onset is confirmed — the rising-edge hysteresis window. A single loud
	// frame inside this window never opens an utterance. Defaults to two
	// frame durations when zero.
	OnsetDuration time.Duration
}

// validate checks the configuration and fills defaults.
func (c *Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameDuration <= 0 {
		return fmt.Errorf("vad: frame duration must be positive, got %v", c.FrameDuration)
	}
	if c.VoiceThreshold <= 0 || c.VoiceThreshold >= 1 {
		return fmt.Errorf("vad: voice threshold %v out of range (0, 1)", c.VoiceThreshold)
	}
	if c.MinSilenceDuration <= 0 {
		return fmt.Errorf("vad: min silence duration must be positive, got %v", c.MinSilenceDuration)
	}
	if c.OnsetDuration <= 0 {
		c.OnsetDuration = 2 * c.FrameDuration
	}
	return nil
}

// Segmenter classifies frames as voiced or silent and emits utterance
// boundaries. All hysteresis state lives in this struct and is cleared by a
// single Reset call — there are no implicit partial resets.
type Segmenter struct {
	cfg Config

	// expectedSamples is the per-frame sample count implied by the config.
	expectedSamples int

	lastSeq int64
	started bool // first frame seen

	// pending holds voiced frames observed before onset is confirmed, so the
	// opening syllable is not clipped from the utterance.
	pending       []pendingFrame
	pendingVoiced time.Duration

	current     *Utterance
	silentSince time.Duration // accumulated consecutive silence inside an utterance
	tail        []float32     // interior-silence samples not yet committed to the utterance
}

// pendingFrame is a decoded frame awaiting onset confirmation.
type pendingFrame struct {
	samples   []float32
	timestamp time.Duration
}

// NewSegmenter creates a Segmenter with the given configuration.
func NewSegmenter(cfg Config) (*Segmenter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Segmenter{
		cfg:             cfg,
		expectedSamples: int(int64(cfg.SampleRate) * int64(cfg.FrameDuration) / int64(time.Second)),
	}, nil
}

// Feed processes one frame and returns the resulting segmentation event.
// Frames must arrive in sequence order; a gap or repeat yields a
// *SequenceError and leaves segmentation state untouched. A malformed frame
// yields a *FrameError. Silence never causes an error.
func (s *Segmenter) Feed(frame audio.Frame) (Event, error) {
	if frame.SampleRate != s.cfg.SampleRate {
		return Event{}, &FrameError{Reason: fmt.Sprintf("sample rate %d, want %d", frame.SampleRate, s.cfg.SampleRate)}
	}
	if frame.SampleCount() != s.expectedSamples {
		return Event{}, &FrameError{Reason: fmt.Sprintf("%d samples, want %d", frame.SampleCount(), s.expectedSamples)}
	}
	if s.started && frame.Seq != s.lastSeq+1 {
		return Event{}, &SequenceError{Want: s.lastSeq + 1, Got: frame.Seq}
	}
	s.started = true
	s.lastSeq = frame.Seq

	samples := audio.DecodePCM16(frame.Data)
	energy := audio.RMS(samples)
	voiced := energy > s.cfg.VoiceThreshold

	if s.current != nil {
		return s.feedOpen(samples, frame.Timestamp, energy, voiced), nil
	}
	return s.feedIdle(samples, frame.Timestamp, energy, voiced), nil
}

// feedIdle handles a frame while no utterance is open.
func (s *Segmenter) feedIdle(samples []float32, ts time.Duration, energy float64, voiced bool) Event {
	if !voiced {
		// A silent frame breaks any onset run.
		s.pending = nil
		s.pendingVoiced = 0
		return Event{Type: None, Energy: energy}
	}

	s.pending = append(s.pending, pendingFrame{samples: samples, timestamp: ts})
	s.pendingVoiced += s.cfg.FrameDuration
	if s.pendingVoiced < s.cfg.OnsetDuration {
		// Rising-edge hysteresis: not enough consecutive voiced audio yet.
		return Event{Type: None, Energy: energy}
	}

	// Onset confirmed: open an utterance from the first pending frame so the
	// opening audio is preserved.
	u := newUtterance(s.cfg.SampleRate, s.pending[0].timestamp)
	for _, p := range s.pending {
		u.Samples = append(u.Samples, p.samples...)
	}
	u.Voiced = s.pendingVoiced
	s.pending = nil
	s.pendingVoiced = 0
	s.current = u
	s.silentSince = 0
	return Event{Type: Started, Energy: energy}
}

// feedOpen handles a frame while an utterance is accumulating.
func (s *Segmenter) feedOpen(samples []float32, ts time.Duration, energy float64, voiced bool) Event {
	if voiced {
		// Commit any interior silence first so the utterance audio stays
		// contiguous, then the voiced frame.
		s.current.Samples = append(s.current.Samples, s.tail...)
		s.tail = nil
		s.silentSince = 0
		s.current.Samples = append(s.current.Samples, samples...)
		s.current.Voiced += s.cfg.FrameDuration
		return Event{Type: Continuing, Energy: energy}
	}

	s.silentSince += s.cfg.FrameDuration
	if s.silentSince < s.cfg.MinSilenceDuration {
		// Possibly a pause between words: hold the samples back until we
		// know whether speech resumes.
		s.tail = append(s.tail, samples...)
		return Event{Type: Continuing, Energy: energy}
	}

	// Silence persisted: close. Trailing silence is not part of the utterance.
	u := s.current
	s.current = nil
	s.tail = nil
	s.silentSince = 0
	u.End = ts

	if u.Voiced < s.cfg.MinVoiceDuration {
		u.State = UtteranceDiscarded
		return Event{Type: RejectedNoise, Utterance: u, Energy: energy}
	}
	u.State = UtteranceClosed
	return Event{Type: Ended, Utterance: u, Energy: energy}
}

// SkipTo declares that frames before seq were intentionally discarded
// upstream, so the next accepted frame is seq rather than lastSeq+1. Use it
// after dropping buffered frames; a skip never touches segmentation state.
func (s *Segmenter) SkipTo(seq int64) {
	if !s.started {
		return
	}
	if seq > s.lastSeq+1 {
		s.lastSeq = seq - 1
	}
}

// Active reports whether an utterance is currently open.
func (s *Segmenter) Active() bool { return s.current != nil }

// Reset clears all hysteresis and utterance state in one call. Any open
// utterance is discarded. Sequence tracking survives the reset: frames keep
// arriving on the same transport stream, so the expected sequence number must
// not rewind.
func (s *Segmenter) Reset() {
	if s.current != nil {
		s.current.State = UtteranceDiscarded
	}
	s.current = nil
	s.pending = nil
	s.pendingVoiced = 0
	s.silentSince = 0
	s.tail = nil
}
