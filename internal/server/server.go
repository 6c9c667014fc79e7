// Package server exposes the conversation pipeline over a websocket
// transport. Each accepted connection gets its own [session.Session]; the
// read loop decodes client messages and routes them into the session, while a
// per-connection emitter streams protocol events back.
package server

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vocata-ai/vocata/internal/observe"
	"github.com/vocata-ai/vocata/internal/session"
	"github.com/vocata-ai/vocata/pkg/audio"
)

// StatusProtocolViolation is the close code for a client that broke the
// message protocol (frame in the wrong state, undecodable payload, unknown
// type). Distinct from transport failure so clients can tell a bug from a
// bad network.
const StatusProtocolViolation websocket.StatusCode = 4002

// SessionFactory builds the session for one accepted connection.
type SessionFactory func(id string, emit session.Emitter) *session.Session

// Config holds the transport-level settings.
type Config struct {
	// SampleRate is the PCM rate of incoming audio_frame samples.
	SampleRate int

	// FrameDuration assigns timestamps to incoming frames by sequence
	// number.
	FrameDuration time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler upgrades HTTP requests to websocket conversations. Mount it on the
// conversation endpoint of the serving mux.
type Handler struct {
	factory SessionFactory
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics
}

// NewHandler creates a websocket conversation handler.
func NewHandler(factory SessionFactory, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		factory: factory,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	id := uuid.NewString()
	logger := h.logger.With("session_id", id)

	em := newEmitter(conn, logger)
	sess := h.factory(id, em)

	ctx := r.Context()
	h.metrics.ActiveSessions.Add(ctx, 1)
	logger.Info("connection opened", "remote", r.RemoteAddr)

	defer func() {
		sess.Close()
		em.close()
		conn.Close(websocket.StatusInternalError, "server closing")
		h.metrics.ActiveSessions.Add(ctx, -1)
		logger.Info("connection closed")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Client went away or the transport broke; session teardown in
			// the deferred cleanup cancels any in-flight response.
			logger.Debug("read ended", "error", err)
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("undecodable client message", "error", err)
			conn.Close(StatusProtocolViolation, "undecodable message")
			return
		}

		switch msg.Type {
		case msgStartConversation:
			if err := sess.Start(); err != nil {
				logger.Warn("protocol violation", "error", err)
				conn.Close(StatusProtocolViolation, err.Error())
				return
			}

		case msgStopConversation:
			sess.Stop()
			conn.Close(websocket.StatusNormalClosure, "conversation stopped")
			return

		case msgAudioFrame:
			pcm, err := base64.StdEncoding.DecodeString(msg.Samples)
			if err != nil {
				logger.Warn("undecodable frame samples", "seq", msg.Sequence, "error", err)
				conn.Close(StatusProtocolViolation, "undecodable samples")
				return
			}
			frame := audio.Frame{
				Seq:        msg.Sequence,
				Data:       pcm,
				SampleRate: h.cfg.SampleRate,
				Timestamp:  time.Duration(msg.Sequence) * h.cfg.FrameDuration,
			}
			if err := sess.HandleFrame(frame); err != nil {
				logger.Warn("protocol violation", "error", err)
				conn.Close(StatusProtocolViolation, err.Error())
				return
			}

		default:
			logger.Warn("unknown message type", "type", msg.Type)
			conn.Close(StatusProtocolViolation, "unknown message type "+msg.Type)
			return
		}
	}
}
