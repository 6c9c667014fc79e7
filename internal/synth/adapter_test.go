package synth

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/vocata-ai/vocata/pkg/audio"
	"github.com/vocata-ai/vocata/pkg/provider/speech"
	speechmock "github.com/vocata-ai/vocata/pkg/provider/speech/mock"
)

// sine returns n samples of a 440Hz tone at the given amplitude and rate.
func sine(n int, amplitude float32, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amplitude * float32(math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func TestSynthesizeQuietOutputBoosted(t *testing.T) {
	t.Parallel()

	mock := &speechmock.Synthesizer{
		Result: speech.Result{Samples: sine(16000, 0.01, 16000), SampleRate: 16000},
	}
	a := New(mock, 16000, WithVoice("amy"))

	res, err := a.Synthesize(context.Background(), "quiet words")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if res.Gain <= 1.0 {
		t.Errorf("Gain = %v, want > 1 for quiet input", res.Gain)
	}
	if res.RMS < 0.18 || res.RMS > 0.22 {
		t.Errorf("post-normalization RMS = %v, want about 0.2", res.RMS)
	}
	if mock.CallCount() != 1 {
		t.Errorf("backend calls = %d, want exactly 1", mock.CallCount())
	}
	if got := mock.Calls()[0].Voice; got != "amy" {
		t.Errorf("voice = %q, want amy", got)
	}
}

func TestSynthesizeResamplesToTargetRate(t *testing.T) {
	t.Parallel()

	// Backend speaks at 22050Hz, pipeline wants 16000Hz.
	mock := &speechmock.Synthesizer{
		Result: speech.Result{Samples: sine(22050, 0.3, 22050), SampleRate: 22050},
	}
	a := New(mock, 16000)

	res, err := a.Synthesize(context.Background(), "one second of audio")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if res.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", res.SampleRate)
	}
	if got := res.Duration(); got < 990*time.Millisecond || got > 1010*time.Millisecond {
		t.Errorf("Duration() = %v, want about 1s", got)
	}
}

func TestSynthesizeResultWAV(t *testing.T) {
	t.Parallel()

	mock := &speechmock.Synthesizer{
		Result: speech.Result{Samples: sine(3200, 0.3, 16000), SampleRate: 16000},
	}
	a := New(mock, 16000)

	res, err := a.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	info, err := audio.DecodeWAV(res.WAV)
	if err != nil {
		t.Fatalf("result WAV does not decode: %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("WAV framing = (%d Hz, %d ch, %d bit), want (16000, 1, 16)",
			info.SampleRate, info.Channels, info.BitsPerSample)
	}
	if info.SampleCount() != len(res.Samples) {
		t.Errorf("WAV sample count = %d, want %d", info.SampleCount(), len(res.Samples))
	}
}

func TestSynthesizeInBandUntouched(t *testing.T) {
	t.Parallel()

	samples := sine(3200, 0.3, 16000)
	mock := &speechmock.Synthesizer{
		Result: speech.Result{Samples: samples, SampleRate: 16000},
	}
	a := New(mock, 16000)

	res, err := a.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if res.Gain != 1.0 {
		t.Errorf("Gain = %v, want 1.0 for in-band audio", res.Gain)
	}
}

func TestSynthesizeBackendFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("backend down")
	mock := &speechmock.Synthesizer{SynthesizeErr: cause}
	a := New(mock, 16000)

	_, err := a.Synthesize(context.Background(), "hello")
	var synthErr *SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("error = %v, want *SynthesisError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("SynthesisError must wrap the backend cause")
	}
	if synthErr.TextLen != 5 {
		t.Errorf("TextLen = %d, want 5", synthErr.TextLen)
	}
}

func TestSynthesizeZeroSamples(t *testing.T) {
	t.Parallel()

	mock := &speechmock.Synthesizer{
		Result: speech.Result{Samples: nil, SampleRate: 16000},
	}
	a := New(mock, 16000)

	_, err := a.Synthesize(context.Background(), "hello")
	var synthErr *SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("error = %v, want *SynthesisError for zero samples", err)
	}
}
