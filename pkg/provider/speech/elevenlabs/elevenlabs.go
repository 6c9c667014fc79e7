// Package elevenlabs provides a speech.Synthesizer backed by the ElevenLabs
// HTTP text-to-speech API. The provider requests raw PCM output at a fixed
// sample rate so no container parsing is required.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vocata-ai/vocata/pkg/audio"
	"github.com/vocata-ai/vocata/pkg/provider/speech"
)

// Compile-time interface assertion.
var _ speech.Synthesizer = (*Synthesizer)(nil)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_flash_v2_5"

	// pcmSampleRate matches the requested output_format (pcm_16000).
	pcmSampleRate = 16000
	outputFormat  = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(s *Synthesizer) { s.model = model }
}

// WithBaseURL overrides the API base URL. Primarily used in tests to point at
// a local mock server.
func WithBaseURL(u string) Option {
	return func(s *Synthesizer) { s.baseURL = u }
}

// Synthesizer implements speech.Synthesizer backed by the ElevenLabs API.
type Synthesizer struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates an ElevenLabs Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ttsRequest is the JSON payload for the text-to-speech endpoint.
type ttsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize performs one HTTP synthesis call and returns the decoded PCM.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice string) (speech.Result, error) {
	if voice == "" {
		return speech.Result{}, errors.New("elevenlabs: voice id must not be empty")
	}

	body, err := json.Marshal(ttsRequest{Text: text, ModelID: s.model})
	if err != nil {
		return speech.Result{}, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, voice, outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return speech.Result{}, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return speech.Result{}, fmt.Errorf("elevenlabs: POST text-to-speech: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return speech.Result{}, fmt.Errorf("elevenlabs: status %d: %s", resp.StatusCode, msg)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return speech.Result{}, fmt.Errorf("elevenlabs: read response: %w", err)
	}

	samples := audio.DecodePCM16(pcm)
	if len(samples) == 0 {
		return speech.Result{}, errors.New("elevenlabs: server returned zero samples")
	}

	return speech.Result{Samples: samples, SampleRate: pcmSampleRate}, nil
}
