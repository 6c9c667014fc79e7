// Package realtime implements gen.Provider against a Vocata inference
// sidecar over a bidirectional WebSocket.
//
// The sidecar hosts the actual recognition+generation model (typically a GPU
// process colocated with the server). Each Generate call opens a fresh
// connection, streams the utterance audio as base64-encoded PCM16 chunks,
// commits, and then relays the sidecar's text deltas as fragments until the
// terminal "done" event. The connection is torn down when the stream ends, so
// the sidecar never has to track per-session state.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/vocata-ai/vocata/pkg/audio"
	"github.com/vocata-ai/vocata/pkg/provider/gen"
)

// Compile-time interface assertion.
var _ gen.Provider = (*Provider)(nil)

const (
	// audioChunkSamples is the number of samples per audio message. At 16kHz
	// a chunk carries 500ms of audio, keeping individual frames well under
	// typical websocket message limits.
	audioChunkSamples = 8000

	// fragmentBuf is the buffer depth of the fragment channel returned by
	// Generate.
	fragmentBuf = 32
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAuthToken sets a bearer token sent on the connection request.
func WithAuthToken(token string) Option {
	return func(p *Provider) { p.token = token }
}

// Provider implements gen.Provider over the sidecar websocket protocol.
type Provider struct {
	url   string
	token string
}

// New creates a Provider targeting the sidecar at url
// (e.g. "ws://localhost:7100/v1/generate").
func New(url string, opts ...Option) *Provider {
	p := &Provider{url: url}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ── Wire messages ─────────────────────────────────────────────────────────────

// generateMessage opens a generation exchange.
type generateMessage struct {
	Type        string             `json:"type"`
	UtteranceID string             `json:"utterance_id"`
	SampleRate  int                `json:"sample_rate"`
	Context     []contextMessage   `json:"context,omitempty"`
}

type contextMessage struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// audioMessage carries one base64-encoded PCM16 chunk.
type audioMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// commitMessage signals that all audio has been sent.
type commitMessage struct {
	Type string `json:"type"`
}

// serverEvent is the union of all sidecar-to-client events.
type serverEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ── gen.Provider ──────────────────────────────────────────────────────────────

// Generate dials the sidecar, submits the utterance audio, and streams back
// response fragments. The returned channel is closed after the terminal
// fragment. Exactly one model pass runs per call.
func (p *Provider) Generate(ctx context.Context, req gen.Request) (<-chan gen.Fragment, error) {
	var dialOpts *websocket.DialOptions
	if p.token != "" {
		dialOpts = &websocket.DialOptions{
			HTTPHeader: map[string][]string{
				"Authorization": {"Bearer " + p.token},
			},
		}
	}

	conn, _, err := websocket.Dial(ctx, p.url, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial %s: %w", p.url, err)
	}

	if err := p.submit(ctx, conn, req); err != nil {
		conn.Close(websocket.StatusInternalError, "submit failed")
		return nil, err
	}

	out := make(chan gen.Fragment, fragmentBuf)
	go p.receive(ctx, conn, out)
	return out, nil
}

// submit sends the generate header, the audio chunks, and the commit marker.
func (p *Provider) submit(ctx context.Context, conn *websocket.Conn, req gen.Request) error {
	header := generateMessage{
		Type:        "generate",
		UtteranceID: req.UtteranceID,
		SampleRate:  req.SampleRate,
	}
	for _, e := range req.Context {
		if e.Text == "" {
			// Placeholder user turns carry no text the model can use.
			continue
		}
		header.Context = append(header.Context, contextMessage{
			Speaker: string(e.Speaker),
			Text:    e.Text,
		})
	}
	if err := writeJSON(ctx, conn, header); err != nil {
		return fmt.Errorf("realtime: send generate header: %w", err)
	}

	for off := 0; off < len(req.Samples); off += audioChunkSamples {
		end := min(off+audioChunkSamples, len(req.Samples))
		pcm := audio.EncodePCM16(req.Samples[off:end])
		msg := audioMessage{Type: "audio", Data: base64.StdEncoding.EncodeToString(pcm)}
		if err := writeJSON(ctx, conn, msg); err != nil {
			return fmt.Errorf("realtime: send audio chunk: %w", err)
		}
	}

	if err := writeJSON(ctx, conn, commitMessage{Type: "commit"}); err != nil {
		return fmt.Errorf("realtime: send commit: %w", err)
	}
	return nil
}

// receive relays sidecar events onto the fragment channel until the stream
// terminates, then closes the channel and the connection.
func (p *Provider) receive(ctx context.Context, conn *websocket.Conn, out chan<- gen.Fragment) {
	defer close(out)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Transport failure before "done" means the stream is incomplete.
			p.emit(ctx, out, gen.Fragment{Err: fmt.Errorf("realtime: read event: %w", err)})
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			p.emit(ctx, out, gen.Fragment{Err: fmt.Errorf("realtime: decode event: %w", err)})
			return
		}

		switch ev.Type {
		case "delta":
			if !p.emit(ctx, out, gen.Fragment{Text: ev.Text}) {
				return
			}
		case "done":
			p.emit(ctx, out, gen.Fragment{Text: ev.Text, Final: true, Transcript: ev.Transcript})
			return
		case "error":
			p.emit(ctx, out, gen.Fragment{Err: fmt.Errorf("realtime: sidecar error: %s", ev.Message)})
			return
		default:
			// Unknown event types are skipped for forward compatibility.
		}
	}
}

// emit delivers a fragment unless ctx is cancelled. Reports delivery.
func (p *Provider) emit(ctx context.Context, out chan<- gen.Fragment, f gen.Fragment) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// writeJSON marshals v and sends it as one text frame.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
