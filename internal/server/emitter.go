package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/vocata-ai/vocata/internal/session"
)

// Compile-time interface assertion.
var _ session.Emitter = (*wsEmitter)(nil)

const (
	// outboxBuf bounds the emitter's write queue. Audio containers are the
	// largest messages; a handful in flight is already seconds of speech.
	outboxBuf = 64

	// writeTimeout bounds a single websocket write.
	writeTimeout = 10 * time.Second
)

// wsEmitter delivers session events over one websocket connection. Events are
// queued and written by a dedicated goroutine so the session pipeline never
// blocks on the transport. When the queue is full the event is dropped and
// logged; the client is assumed gone or hopelessly behind.
type wsEmitter struct {
	conn   *websocket.Conn
	logger *slog.Logger

	outbox chan any
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newEmitter(conn *websocket.Conn, logger *slog.Logger) *wsEmitter {
	ctx, cancel := context.WithCancel(context.Background())
	e := &wsEmitter{
		conn:   conn,
		logger: logger,
		outbox: make(chan any, outboxBuf),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.writeLoop()
	return e
}

func (e *wsEmitter) writeLoop() {
	defer close(e.done)
	for {
		select {
		case msg := <-e.outbox:
			data, err := json.Marshal(msg)
			if err != nil {
				e.logger.Error("marshal outbound message", "error", err)
				continue
			}
			ctx, cancel := context.WithTimeout(e.ctx, writeTimeout)
			err = e.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				e.logger.Debug("outbound write failed", "error", err)
				return
			}
		case <-e.ctx.Done():
			return
		}
	}
}

// close stops the write loop. Queued events that were not yet written are
// discarded.
func (e *wsEmitter) close() {
	e.cancel()
	<-e.done
}

func (e *wsEmitter) send(msg any) {
	select {
	case e.outbox <- msg:
	default:
		e.logger.Warn("outbound queue full, dropping event")
	}
}

func (e *wsEmitter) PartialText(turnID, text string) {
	e.send(partialTextMessage{Type: "partial_text", TurnID: turnID, Text: text})
}

func (e *wsEmitter) ResponseComplete(turnID, text string) {
	e.send(responseCompleteMessage{Type: "response_complete", TurnID: turnID, Text: text})
}

func (e *wsEmitter) AudioResponse(turnID string, wav []byte, sampleRate int, duration time.Duration, format string) {
	e.send(audioResponseMessage{
		Type:                 "audio_response",
		TurnID:               turnID,
		ContainerBytesBase64: base64.StdEncoding.EncodeToString(wav),
		SampleRate:           sampleRate,
		DurationMS:           duration.Milliseconds(),
		Format:               format,
	})
}

func (e *wsEmitter) ListeningResumed() {
	e.send(listeningResumedMessage{Type: "listening_resumed"})
}

func (e *wsEmitter) ResponseCancelled(turnID string) {
	e.send(responseCancelledMessage{Type: "response_cancelled", TurnID: turnID})
}

func (e *wsEmitter) Backpressure(dropped int) {
	e.send(backpressureMessage{Type: "backpressure", DroppedFrames: dropped})
}

func (e *wsEmitter) Error(code, message string) {
	e.send(errorMessage{Type: "error", Code: code, Message: message})
}
