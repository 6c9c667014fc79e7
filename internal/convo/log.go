// Package convo maintains the per-session conversation log.
//
// The log is append-only and totally ordered: a successful utterance appends
// exactly two turns (user then assistant) under one lock acquisition, a failed
// one appends at most a user turn. Turns are immutable once appended.
//
// User turns are placeholder records by default: the single-inference design
// produces no standalone transcription pass, so a user turn carries sample
// count and duration metadata and gains text only when the generation backend
// returned a transcript as a by-product.
package convo

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocata-ai/vocata/pkg/provider/gen"
)

// Turn is one immutable entry of the conversation log.
type Turn struct {
	// ID uniquely identifies the turn.
	ID uuid.UUID

	// Speaker is who produced the turn.
	Speaker gen.Speaker

	// Text is the turn content. Empty for placeholder user turns.
	Text string

	// SampleCount and Duration describe the source audio of a user turn.
	// Zero for assistant turns.
	SampleCount int
	Duration    time.Duration

	// CreatedAt is when the turn was appended.
	CreatedAt time.Time
}

// UserTurn describes the user half of an exchange before it is appended.
type UserTurn struct {
	// Transcript is the verbatim transcript when the generation backend
	// produced one as a by-product; empty otherwise.
	Transcript string

	// SampleCount is the length of the utterance audio in samples.
	SampleCount int

	// Duration is the wall-clock span of the utterance audio.
	Duration time.Duration
}

// Sink receives appended turns for out-of-band persistence.
type Sink interface {
	// Archive persists turns for the given session. Implementations are
	// invoked from a background goroutine and must not assume ordering
	// relative to the live pipeline.
	Archive(ctx context.Context, sessionID string, turns []Turn) error
}

// notifyBuf bounds the archive notification queue. When full, notifications
// are dropped rather than blocking the pipeline.
const notifyBuf = 64

// Option configures a Log.
type Option func(*Log)

// WithSink attaches a best-effort persistence sink. Appended turns are handed
// to the sink asynchronously; sink failures are logged and never surface to
// the pipeline.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// Log is the append-only conversation log for one session.
//
// All methods are safe for concurrent use, though the session pipeline is the
// only writer in practice.
type Log struct {
	sessionID string
	sink      Sink
	logger    *slog.Logger

	mu    sync.Mutex
	turns []Turn

	notify chan []Turn
	done   chan struct{}
}

// NewLog creates an empty conversation log for sessionID.
func NewLog(sessionID string, opts ...Option) *Log {
	l := &Log{
		sessionID: sessionID,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.sink != nil {
		l.notify = make(chan []Turn, notifyBuf)
		go l.drain()
	}
	return l
}

// AppendExchange appends the user turn and the assistant turn atomically. No
// other append can interleave between the two.
func (l *Log) AppendExchange(user UserTurn, assistantText string) (Turn, Turn) {
	now := time.Now()
	u := Turn{
		ID:          uuid.New(),
		Speaker:     gen.SpeakerUser,
		Text:        user.Transcript,
		SampleCount: user.SampleCount,
		Duration:    user.Duration,
		CreatedAt:   now,
	}
	a := Turn{
		ID:        uuid.New(),
		Speaker:   gen.SpeakerAssistant,
		Text:      assistantText,
		CreatedAt: now,
	}

	l.mu.Lock()
	l.turns = append(l.turns, u, a)
	l.mu.Unlock()

	l.publish([]Turn{u, a})
	return u, a
}

// AppendUser appends only the user turn, recording an utterance whose
// inference failed.
func (l *Log) AppendUser(user UserTurn) Turn {
	u := Turn{
		ID:          uuid.New(),
		Speaker:     gen.SpeakerUser,
		Text:        user.Transcript,
		SampleCount: user.SampleCount,
		Duration:    user.Duration,
		CreatedAt:   time.Now(),
	}

	l.mu.Lock()
	l.turns = append(l.turns, u)
	l.mu.Unlock()

	l.publish([]Turn{u})
	return u
}

// Context returns up to max recent turns as generation context, oldest first.
// Placeholder user turns are included with empty text; providers skip them.
// max <= 0 returns the full log.
func (l *Log) Context(max int) []gen.ContextEntry {
	l.mu.Lock()
	turns := l.turns
	if max > 0 && len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	entries := make([]gen.ContextEntry, len(turns))
	for i, t := range turns {
		entries[i] = gen.ContextEntry{Speaker: t.Speaker, Text: t.Text}
	}
	l.mu.Unlock()
	return entries
}

// Turns returns a copy of the full log, oldest first.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	l.mu.Unlock()
	return out
}

// Len returns the number of appended turns.
func (l *Log) Len() int {
	l.mu.Lock()
	n := len(l.turns)
	l.mu.Unlock()
	return n
}

// Close stops the archive goroutine. Pending notifications are flushed.
func (l *Log) Close() {
	if l.notify != nil {
		close(l.notify)
		<-l.done
	}
}

// publish hands turns to the sink queue without blocking. A full queue drops
// the notification; the live log stays authoritative.
func (l *Log) publish(turns []Turn) {
	if l.notify == nil {
		return
	}
	select {
	case l.notify <- turns:
	default:
		l.logger.Warn("conversation archive queue full, dropping turns",
			"session_id", l.sessionID, "turns", len(turns))
	}
}

func (l *Log) drain() {
	defer close(l.done)
	for turns := range l.notify {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := l.sink.Archive(ctx, l.sessionID, turns); err != nil {
			l.logger.Warn("conversation archive write failed",
				"session_id", l.sessionID, "error", err)
		}
		cancel()
	}
}

// IsBlank reports whether text contains nothing speakable.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
