// Package session implements the per-connection protocol state machine.
//
// A session binds the pieces of one conversation together: incoming frames
// feed the segmenter, a closed utterance is handed to the coordinator, and
// the response flows back to the client through an [Emitter]. The phases form
// a loop:
//
//	Idle -> Listening -> Processing -> Responding -> Resetting -> Listening
//
// Frames arriving while a response is in flight are buffered, bounded by
// MaxBufferedAudio, and drained into the segmenter only after the reset step.
// The reset is unconditional: segmenter hysteresis state left over from a
// turn would stop later speech from being detected.
//
// Responses are never pipelined. Utterance N's outcome (response_complete,
// response_cancelled, or error) is fully delivered before utterance N+1 can
// even be segmented, because the buffered frames that could close N+1 are
// held until N's reset completes.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vocata-ai/vocata/internal/convo"
	"github.com/vocata-ai/vocata/internal/coordinator"
	"github.com/vocata-ai/vocata/internal/observe"
	"github.com/vocata-ai/vocata/pkg/audio"
	"github.com/vocata-ai/vocata/pkg/vad"
)

// Phase is the protocol state of a session.
type Phase int

const (
	// PhaseIdle means no conversation is active. Frames are a protocol
	// violation in this phase.
	PhaseIdle Phase = iota

	// PhaseListening means frames flow into the segmenter.
	PhaseListening

	// PhaseProcessing means an utterance closed and inference is running.
	PhaseProcessing

	// PhaseResponding means response fragments are streaming to the client.
	PhaseResponding

	// PhaseResetting is the transient hysteresis-reset step between a
	// delivered response and listening again.
	PhaseResetting
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseProcessing:
		return "processing"
	case PhaseResponding:
		return "responding"
	case PhaseResetting:
		return "resetting"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ProtocolError reports a client message that is invalid in the current
// phase. The transport closes the connection with a protocol-violation code,
// distinct from a transport failure.
type ProtocolError struct {
	Phase   Phase
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("session: protocol violation in phase %s: %s", e.Phase, e.Message)
}

// Emitter delivers typed protocol events to the client.
//
// Emitter methods are called from the session's pipeline goroutines and must
// not block for long; transports should buffer writes.
type Emitter interface {
	// PartialText delivers one response text fragment.
	PartialText(turnID, text string)

	// ResponseComplete delivers the full response text for a turn.
	ResponseComplete(turnID, text string)

	// AudioResponse delivers the synthesized audio container for a turn.
	AudioResponse(turnID string, wav []byte, sampleRate int, duration time.Duration, format string)

	// ListeningResumed signals that the session is listening again.
	ListeningResumed()

	// ResponseCancelled signals that an in-flight response was cancelled by
	// barge-in.
	ResponseCancelled(turnID string)

	// Backpressure signals that buffered frames were dropped.
	Backpressure(dropped int)

	// Error delivers a recoverable error for one utterance or turn.
	Error(code, message string)
}

// Error codes delivered through [Emitter.Error].
const (
	CodeInferenceFailed = "inference_failed"
	CodeSynthesisFailed = "synthesis_failed"
)

// Config holds the session tunables.
type Config struct {
	// SampleRate and FrameDuration mirror the segmenter configuration; they
	// size the pending frame buffer.
	SampleRate    int
	FrameDuration time.Duration

	// MaxBufferedAudio bounds how much audio may queue while a response is
	// in flight. Beyond it the oldest frames are dropped. Typical: 5s.
	MaxBufferedAudio time.Duration

	// BargeIn enables cooperative cancellation of an in-flight response when
	// the user speaks over it. Off by default.
	BargeIn bool

	// BargeInThreshold is the RMS level above which a frame counts as the
	// user speaking over a response. Only used when BargeIn is set; should
	// match the segmenter's voice threshold.
	BargeInThreshold float64
}

// bargeInFrames is how many consecutive voiced frames must arrive during
// Responding before barge-in triggers. Mirrors the segmenter's onset window
// so a spurious frame never cancels a response.
const bargeInFrames = 2

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is the protocol state machine for one connection. Methods are safe
// for concurrent use; in practice the transport read loop and one response
// goroutine are the only callers.
type Session struct {
	id      string
	seg     *vad.Segmenter
	coord   *coordinator.Coordinator
	log     *convo.Log
	emit    Emitter
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	phase       Phase
	pending     []audio.Frame
	maxPending  int
	droppedGap  bool // frames were dropped since the last drain
	cancelResp  context.CancelFunc
	cancelled   bool // barge-in fired for the in-flight response
	bargeVoiced int  // consecutive voiced frames observed while responding
}

// New creates a Session in the Idle phase.
func New(id string, seg *vad.Segmenter, coord *coordinator.Coordinator, log *convo.Log, emit Emitter, cfg Config, opts ...Option) *Session {
	maxPending := 1
	if cfg.FrameDuration > 0 {
		if n := int(cfg.MaxBufferedAudio / cfg.FrameDuration); n > 0 {
			maxPending = n
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		seg:        seg,
		coord:      coord,
		log:        log,
		emit:       emit,
		cfg:        cfg,
		logger:     slog.Default(),
		baseCtx:    ctx,
		baseCancel: cancel,
		phase:      PhaseIdle,
		maxPending: maxPending,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.logger = s.logger.With("session_id", id)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Phase returns the current protocol phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Start moves the session from Idle to Listening.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseIdle {
		return &ProtocolError{Phase: s.phase, Message: "start_conversation while already started"}
	}
	s.phase = PhaseListening
	s.emit.ListeningResumed()
	s.logger.Info("conversation started")
	return nil
}

// Stop returns the session to Idle. Any open utterance is discarded, any
// in-flight response is cancelled best-effort, and buffered frames are
// dropped. Turns already in the conversation log stay.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.logger.Info("conversation stopped")
}

// Close tears the session down on disconnect. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
	s.baseCancel()
	s.log.Close()
}

func (s *Session) stopLocked() {
	if s.cancelResp != nil {
		s.cancelResp()
		s.cancelResp = nil
	}
	s.seg.Reset()
	s.pending = nil
	s.droppedGap = false
	s.cancelled = false
	s.bargeVoiced = 0
	s.phase = PhaseIdle
}

// HandleFrame routes one audio frame according to the current phase.
//
// In Listening the frame feeds the segmenter; a malformed or out-of-order
// frame is logged and dropped without touching the session. While a response
// is in flight the frame is buffered. A frame in Idle is a protocol
// violation and the returned error tells the transport to close.
func (s *Session) HandleFrame(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseIdle:
		return &ProtocolError{Phase: s.phase, Message: "audio_frame before start_conversation"}
	case PhaseListening:
		s.feedLocked(frame)
	default:
		s.bufferLocked(frame)
	}
	return nil
}

// feedLocked pushes one frame through the segmenter and reacts to the event.
func (s *Session) feedLocked(frame audio.Frame) {
	ev, err := s.seg.Feed(frame)
	if err != nil {
		// Fatal for this frame only: log, drop, keep the session alive.
		s.logger.Warn("frame rejected", "seq", frame.Seq, "error", err)
		return
	}

	switch ev.Type {
	case vad.Started:
		s.logger.Debug("utterance started", "seq", frame.Seq)
	case vad.Ended:
		utt := ev.Utterance
		s.logger.Info("utterance ended",
			"utterance_id", utt.ID, "voiced", utt.Voiced, "samples", len(utt.Samples))
		s.metrics.UtteranceVoiced.Record(s.baseCtx, utt.Voiced.Seconds())

		s.phase = PhaseProcessing
		ctx, cancel := context.WithCancel(s.baseCtx)
		s.cancelResp = cancel
		s.cancelled = false
		s.bargeVoiced = 0
		go s.respond(ctx, utt)
	case vad.RejectedNoise:
		s.logger.Debug("utterance rejected as noise", "voiced", ev.Utterance.Voiced)
		s.metrics.RecordUtterance(s.baseCtx, "rejected_noise")
	}
}

// bufferLocked queues a frame that arrived while a response is in flight.
func (s *Session) bufferLocked(frame audio.Frame) {
	if len(s.pending) >= s.maxPending {
		drop := len(s.pending) - s.maxPending + 1
		s.pending = append(s.pending[:0], s.pending[drop:]...)
		s.droppedGap = true
		s.metrics.RecordDroppedFrames(s.baseCtx, int64(drop))
		s.emit.Backpressure(drop)
		s.logger.Warn("pending buffer overflow", "dropped", drop)
	}
	s.pending = append(s.pending, frame)

	if s.cfg.BargeIn && s.phase == PhaseResponding && !s.cancelled {
		s.detectBargeInLocked(frame)
	}
}

// detectBargeInLocked watches buffered frames for sustained speech over an
// in-flight response and cancels it cooperatively.
func (s *Session) detectBargeInLocked(frame audio.Frame) {
	if audio.RMS(audio.DecodePCM16(frame.Data)) > s.cfg.BargeInThreshold {
		s.bargeVoiced++
	} else {
		s.bargeVoiced = 0
	}
	if s.bargeVoiced < bargeInFrames {
		return
	}
	s.cancelled = true
	if s.cancelResp != nil {
		s.cancelResp()
	}
	s.logger.Info("barge-in detected, cancelling response")
}

// respond runs the inference path for one utterance and delivers the outcome.
// Exactly one respond goroutine exists at a time.
func (s *Session) respond(ctx context.Context, utt *vad.Utterance) {
	res, err := s.coord.Handle(ctx, s.log, utt, func(text string) {
		s.onFragment(utt.ID, text)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseIdle {
		// Stopped or disconnected while in flight; the client is done with
		// this conversation.
		return
	}

	turnID := utt.ID
	switch {
	case s.cancelled:
		s.emit.ResponseCancelled(turnID)
		s.metrics.RecordUtterance(s.baseCtx, "cancelled")
	case err != nil && res != nil:
		// Inference succeeded, synthesis did not: the text still goes out.
		s.emit.ResponseComplete(turnID, res.Text)
		s.emit.Error(CodeSynthesisFailed, err.Error())
	case err != nil:
		s.emit.Error(CodeInferenceFailed, err.Error())
	default:
		s.emit.ResponseComplete(turnID, res.Text)
		if res.Audio != nil {
			s.emit.AudioResponse(turnID, res.Audio.WAV, res.Audio.SampleRate, res.Audio.Duration(), "wav")
		}
	}

	s.resetLocked()
}

// onFragment relays one text fragment and flips Processing to Responding on
// the first one.
func (s *Session) onFragment(turnID, text string) {
	s.mu.Lock()
	if s.phase == PhaseProcessing {
		s.phase = PhaseResponding
	}
	suppressed := s.cancelled || s.phase == PhaseIdle
	s.mu.Unlock()
	if !suppressed {
		s.emit.PartialText(turnID, text)
	}
}

// resetLocked is the mandatory Resetting step: clear segmenter hysteresis,
// resume listening, then drain frames buffered during the response.
func (s *Session) resetLocked() {
	s.phase = PhaseResetting
	s.cancelResp = nil
	s.cancelled = false
	s.bargeVoiced = 0
	s.seg.Reset()
	s.phase = PhaseListening
	s.emit.ListeningResumed()

	if s.droppedGap && len(s.pending) > 0 {
		s.seg.SkipTo(s.pending[0].Seq)
	}
	s.droppedGap = false

	pending := s.pending
	s.pending = nil
	for i, frame := range pending {
		if s.phase != PhaseListening {
			// Draining closed a new utterance; hold the rest for the next
			// reset.
			s.pending = append(s.pending, pending[i:]...)
			break
		}
		s.feedLocked(frame)
	}
}
