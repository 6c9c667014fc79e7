package audio

import (
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cfg := DefaultNormalizeConfig()

	t.Run("quiet input boosted to target RMS", func(t *testing.T) {
		t.Parallel()
		// RMS 0.01, peak ~0.014.
		in := sine(6400, 0.01*math.Sqrt2)
		out, gain := Normalize(in, cfg)
		if gain <= 1.0 {
			t.Fatalf("want boost gain > 1, got %v", gain)
		}
		got := RMS(out)
		if got < 0.18 || got > 0.22 {
			t.Errorf("want output RMS in [0.18, 0.22], got %v", got)
		}
	})

	t.Run("hot input attenuated to safe peak", func(t *testing.T) {
		t.Parallel()
		in := sine(6400, 0.99)
		out, gain := Normalize(in, cfg)
		if gain >= 1.0 {
			t.Fatalf("want attenuation gain < 1, got %v", gain)
		}
		if peak := Peak(out); peak > cfg.SafePeak+1e-3 {
			t.Errorf("want output peak ≤ %v, got %v", cfg.SafePeak, peak)
		}
	})

	t.Run("in-band input untouched", func(t *testing.T) {
		t.Parallel()
		in := sine(6400, 0.5)
		out, gain := Normalize(in, cfg)
		if gain != 1.0 {
			t.Errorf("want gain 1.0, got %v", gain)
		}
		if &out[0] != &in[0] {
			t.Error("want the input slice back unchanged")
		}
	})

	t.Run("boost never pushes peak past 1.0", func(t *testing.T) {
		t.Parallel()
		// A quiet body with one spike: the RMS-derived gain would push the
		// spike well past full scale without the clamp.
		in := constant(6400, 0.001)
		in[0] = 0.5
		out, _ := Normalize(in, cfg)
		if peak := Peak(out); peak > 1.0 {
			t.Errorf("want clamped peak ≤ 1.0, got %v", peak)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		out, gain := Normalize(nil, cfg)
		if len(out) != 0 || gain != 1.0 {
			t.Errorf("want no-op on empty input, got %d samples gain %v", len(out), gain)
		}
	})
}

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	samples := sine(3200, 0.4)
	pcm := EncodePCM16(samples)
	wav := EncodeWAV(pcm, 22050, 1)

	info, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.SampleRate != 22050 {
		t.Errorf("sample rate: want 22050, got %d", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("channels: want 1, got %d", info.Channels)
	}
	if info.BitsPerSample != 16 {
		t.Errorf("bit depth: want 16, got %d", info.BitsPerSample)
	}
	if info.SampleCount() != 3200 {
		t.Errorf("sample count: want 3200, got %d", info.SampleCount())
	}
	if len(info.Data) != len(pcm) {
		t.Errorf("payload length: want %d, got %d", len(pcm), len(info.Data))
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("OggS this is not a wav file at all")},
		{"truncated header", []byte("RIFF\x00\x00\x00\x00WAVE")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeWAV(tt.data); err == nil {
				t.Error("want error, got nil")
			}
		})
	}

	t.Run("truncated data chunk", func(t *testing.T) {
		t.Parallel()
		wav := EncodeWAV(make([]byte, 640), 16000, 1)
		if _, err := DecodeWAV(wav[:len(wav)-10]); err == nil {
			t.Error("want error for truncated payload, got nil")
		}
	})
}
