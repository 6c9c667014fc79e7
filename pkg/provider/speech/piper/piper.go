// Package piper provides a speech.Synthesizer backed by a local Piper HTTP
// server (the piper-http container or any server exposing the same API).
//
// Synthesis is performed via GET /api/tts with URL query parameters; the
// server responds with a WAV file whose header reports the model's native
// sample rate. The provider decodes the container and returns raw samples —
// loudness correction and re-framing are the adapter's concern.
package piper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vocata-ai/vocata/pkg/audio"
	"github.com/vocata-ai/vocata/pkg/provider/speech"
)

// Compile-time interface assertion.
var _ speech.Synthesizer = (*Synthesizer)(nil)

const (
	ttsEndpoint    = "/api/tts"
	defaultTimeout = 30 * time.Second
)

// Option is a functional option for configuring a Synthesizer.
type Option func(*Synthesizer)

// WithTimeout sets the per-request HTTP timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) { s.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client entirely. Primarily used in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Synthesizer) { s.httpClient = c }
}

// Synthesizer implements speech.Synthesizer against a Piper HTTP server.
type Synthesizer struct {
	serverURL  string
	httpClient *http.Client
}

// New creates a Synthesizer targeting the Piper server at serverURL
// (e.g. "http://localhost:5000").
func New(serverURL string, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Synthesize performs one GET /api/tts request and decodes the WAV response.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice string) (speech.Result, error) {
	params := url.Values{}
	params.Set("text", text)
	if voice != "" {
		params.Set("voice", voice)
	}

	reqURL := s.serverURL + ttsEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return speech.Result{}, fmt.Errorf("piper: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return speech.Result{}, fmt.Errorf("piper: GET %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return speech.Result{}, fmt.Errorf("piper: GET %s returned status %d", ttsEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return speech.Result{}, fmt.Errorf("piper: read WAV response: %w", err)
	}

	info, err := audio.DecodeWAV(wav)
	if err != nil {
		return speech.Result{}, fmt.Errorf("piper: decode response: %w", err)
	}
	if info.Channels != 1 {
		return speech.Result{}, fmt.Errorf("piper: expected mono output, got %d channels", info.Channels)
	}
	if info.BitsPerSample != 16 {
		return speech.Result{}, fmt.Errorf("piper: expected 16-bit output, got %d bits", info.BitsPerSample)
	}

	samples := audio.DecodePCM16(info.Data)
	if len(samples) == 0 {
		return speech.Result{}, fmt.Errorf("piper: server returned zero samples for %d-byte text", len(text))
	}

	return speech.Result{Samples: samples, SampleRate: info.SampleRate}, nil
}
