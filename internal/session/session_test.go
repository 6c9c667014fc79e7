package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/vocata-ai/vocata/internal/convo"
	"github.com/vocata-ai/vocata/internal/coordinator"
	"github.com/vocata-ai/vocata/internal/observe"
	"github.com/vocata-ai/vocata/internal/synth"
	"github.com/vocata-ai/vocata/pkg/audio"
	"github.com/vocata-ai/vocata/pkg/provider/gen"
	genmock "github.com/vocata-ai/vocata/pkg/provider/gen/mock"
	"github.com/vocata-ai/vocata/pkg/provider/speech"
	speechmock "github.com/vocata-ai/vocata/pkg/provider/speech/mock"
	"github.com/vocata-ai/vocata/pkg/vad"
)

// event records one emitted protocol message.
type event struct {
	kind    string
	turnID  string
	text    string
	code    string
	dropped int
}

// recorder implements Emitter and stores events in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) PartialText(turnID, text string) {
	r.add(event{kind: "partial_text", turnID: turnID, text: text})
}

func (r *recorder) ResponseComplete(turnID, text string) {
	r.add(event{kind: "response_complete", turnID: turnID, text: text})
}

func (r *recorder) AudioResponse(turnID string, wav []byte, sampleRate int, duration time.Duration, format string) {
	r.add(event{kind: "audio_response", turnID: turnID})
}

func (r *recorder) ListeningResumed() {
	r.add(event{kind: "listening_resumed"})
}

func (r *recorder) ResponseCancelled(turnID string) {
	r.add(event{kind: "response_cancelled", turnID: turnID})
}

func (r *recorder) Backpressure(dropped int) {
	r.add(event{kind: "backpressure", dropped: dropped})
}

func (r *recorder) Error(code, message string) {
	r.add(event{kind: "error", code: code, text: message})
}

// snapshot returns a copy of all recorded events.
func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event, len(r.events))
	copy(out, r.events)
	return out
}

// count returns how many events of the given kind were recorded.
func (r *recorder) count(kind string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestSession(t *testing.T, provider gen.Provider, backend speech.Synthesizer, cfg Config) (*Session, *recorder) {
	t.Helper()

	seg, err := vad.NewSegmenter(vad.Config{
		SampleRate:         16000,
		FrameDuration:      20 * time.Millisecond,
		VoiceThreshold:     0.05,
		MinVoiceDuration:   100 * time.Millisecond,
		MinSilenceDuration: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}

	metrics := testMetrics(t)
	adapter := synth.New(backend, 16000)
	coord := coordinator.New(provider, adapter, coordinator.Config{
		ConcurrencyLimit:        2,
		AppendUserTurnOnFailure: true,
	}, coordinator.WithMetrics(metrics))

	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.MaxBufferedAudio == 0 {
		cfg.MaxBufferedAudio = 5 * time.Second
	}

	rec := &recorder{}
	log := convo.NewLog("sess-test")
	s := New("sess-test", seg, coord, log, rec, cfg, WithMetrics(metrics))
	t.Cleanup(s.Close)
	return s, rec
}

// frames builds sequential 20ms frames at 16kHz from per-frame amplitudes,
// starting at the given sequence number.
func frames(startSeq int64, amplitudes []float64) []audio.Frame {
	out := make([]audio.Frame, len(amplitudes))
	for i, amp := range amplitudes {
		samples := make([]float32, 320)
		for j := range samples {
			samples[j] = float32(amp)
		}
		out[i] = audio.Frame{
			Seq:        startSeq + int64(i),
			Data:       audio.EncodePCM16(samples),
			SampleRate: 16000,
			Timestamp:  time.Duration(startSeq+int64(i)) * 20 * time.Millisecond,
		}
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// utteranceShape is 5 silent, 20 voiced, 15 silent frames: one utterance with
// 400ms of voiced audio, closed by 300ms of silence.
func utteranceShape() []float64 {
	var amps []float64
	amps = append(amps, repeat(0, 5)...)
	amps = append(amps, repeat(0.3, 20)...)
	amps = append(amps, repeat(0, 15)...)
	return amps
}

func feedFrames(t *testing.T, s *Session, fs []audio.Frame) {
	t.Helper()
	for _, f := range fs {
		if err := s.HandleFrame(f); err != nil {
			t.Fatalf("HandleFrame(seq=%d): %v", f.Seq, err)
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	s, rec := newTestSession(t, &genmock.Provider{FinalText: "ok"}, &speechmock.Synthesizer{}, Config{})

	// Frames before start are a protocol violation.
	err := s.HandleFrame(frames(0, repeat(0, 1))[0])
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("error = %v, want *ProtocolError", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := s.Phase(); got != PhaseListening {
		t.Errorf("Phase() = %v, want listening", got)
	}
	if !errors.As(s.Start(), &protoErr) {
		t.Error("second Start must be a protocol violation")
	}

	s.Stop()
	if got := s.Phase(); got != PhaseIdle {
		t.Errorf("Phase() after Stop = %v, want idle", got)
	}
	if rec.count("listening_resumed") != 1 {
		t.Errorf("listening_resumed events = %d, want 1", rec.count("listening_resumed"))
	}
}

func TestUtteranceProducesOrderedResponse(t *testing.T) {
	t.Parallel()

	provider := &genmock.Provider{
		Fragments: []gen.Fragment{
			{Text: "Hello "},
			{Text: "there."},
			{Final: true},
		},
	}
	backend := &speechmock.Synthesizer{
		Result: speech.Result{Samples: make([]float32, 1600), SampleRate: 16000},
	}
	s, rec := newTestSession(t, provider, backend, Config{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	feedFrames(t, s, frames(0, utteranceShape()))

	waitFor(t, func() bool { return rec.count("audio_response") == 1 }, "no audio_response delivered")
	waitFor(t, func() bool { return s.Phase() == PhaseListening }, "session did not resume listening")

	if provider.CallCount() != 1 {
		t.Errorf("Generate calls = %d, want exactly 1", provider.CallCount())
	}

	var kinds []string
	for _, e := range rec.snapshot() {
		kinds = append(kinds, e.kind)
	}
	want := []string{
		"listening_resumed", // Start
		"partial_text", "partial_text",
		"response_complete",
		"audio_response",
		"listening_resumed", // reset after the turn
	}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (all: %v)", i, kinds[i], want[i], kinds)
		}
	}

	events := rec.snapshot()
	if events[3].text != "Hello there." {
		t.Errorf("response_complete text = %q", events[3].text)
	}
	if events[1].turnID != events[3].turnID || events[3].turnID != events[4].turnID {
		t.Error("fragments, completion, and audio must share one turn id")
	}
}

// Two back-to-back utterances must produce two non-overlapping responses in
// arrival order. The second utterance's frames land while the first response
// is still in flight, so they are buffered and only segmented after the
// first turn's reset.
func TestBackToBackUtterancesStrictOrder(t *testing.T) {
	t.Parallel()

	provider := &genmock.Provider{Delay: 100 * time.Millisecond, FinalText: "reply"}
	backend := &speechmock.Synthesizer{
		Result: speech.Result{Samples: make([]float32, 160), SampleRate: 16000},
	}
	s, rec := newTestSession(t, provider, backend, Config{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := frames(0, utteranceShape())
	second := frames(int64(len(first)), utteranceShape())
	feedFrames(t, s, first)

	// The first inference is still running (100ms delay); these frames must
	// be buffered, not lost and not pipelined.
	feedFrames(t, s, second)

	waitFor(t, func() bool { return rec.count("response_complete") == 2 }, "second response never delivered")
	waitFor(t, func() bool { return s.Phase() == PhaseListening }, "session did not resume listening")

	if provider.CallCount() != 2 {
		t.Errorf("Generate calls = %d, want 2", provider.CallCount())
	}

	// All events of turn one must precede all events of turn two.
	var completeIdx []int
	var audioIdx []int
	events := rec.snapshot()
	for i, e := range events {
		switch e.kind {
		case "response_complete":
			completeIdx = append(completeIdx, i)
		case "audio_response":
			audioIdx = append(audioIdx, i)
		}
	}
	if len(completeIdx) != 2 || len(audioIdx) != 2 {
		t.Fatalf("events = %+v, want two complete and two audio", events)
	}
	if !(completeIdx[0] < audioIdx[0] && audioIdx[0] < completeIdx[1] && completeIdx[1] < audioIdx[1]) {
		t.Errorf("responses interleaved: complete at %v, audio at %v", completeIdx, audioIdx)
	}
	if events[completeIdx[0]].turnID == events[completeIdx[1]].turnID {
		t.Error("the two responses must belong to different turns")
	}
}

// flakyProvider fails its first Generate call and succeeds afterwards.
type flakyProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *flakyProvider) Generate(ctx context.Context, _ gen.Request) (<-chan gen.Fragment, error) {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()
	if first {
		return nil, errors.New("collaborator unreachable")
	}
	out := make(chan gen.Fragment, 1)
	out <- gen.Fragment{Text: "recovered", Final: true}
	close(out)
	return out, nil
}

// A failed inference yields an error message and the session keeps working:
// the next utterance is processed normally.
func TestInferenceFailureThenRecovery(t *testing.T) {
	t.Parallel()

	backend := &speechmock.Synthesizer{
		Result: speech.Result{Samples: make([]float32, 160), SampleRate: 16000},
	}
	s, rec := newTestSession(t, &flakyProvider{}, backend, Config{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := frames(0, utteranceShape())
	feedFrames(t, s, first)
	waitFor(t, func() bool { return rec.count("error") == 1 }, "no error event for the failed utterance")
	waitFor(t, func() bool { return s.Phase() == PhaseListening }, "session stuck after failure")

	events := rec.snapshot()
	last := events[len(events)-2]
	if last.kind != "error" || last.code != CodeInferenceFailed {
		t.Fatalf("expected inference_failed error, got %+v", last)
	}
	if rec.count("response_complete") != 0 {
		t.Error("failed utterance must not produce response_complete")
	}

	second := frames(int64(len(first)), utteranceShape())
	feedFrames(t, s, second)
	waitFor(t, func() bool { return rec.count("response_complete") == 1 }, "session did not recover")

	for _, e := range rec.snapshot() {
		if e.kind == "response_complete" && e.text != "recovered" {
			t.Errorf("recovered response text = %q", e.text)
		}
	}
}

func TestSynthesisFailureStillDeliversText(t *testing.T) {
	t.Parallel()

	provider := &genmock.Provider{FinalText: "you should still read this"}
	backend := &speechmock.Synthesizer{SynthesizeErr: errors.New("tts down")}
	s, rec := newTestSession(t, provider, backend, Config{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	feedFrames(t, s, frames(0, utteranceShape()))

	waitFor(t, func() bool { return rec.count("error") == 1 }, "no error event for failed synthesis")

	var sawComplete bool
	for i, e := range rec.snapshot() {
		if e.kind == "response_complete" {
			sawComplete = true
			if e.text != "you should still read this" {
				t.Errorf("response text = %q", e.text)
			}
			next := rec.snapshot()[i+1]
			if next.kind != "error" || next.code != CodeSynthesisFailed {
				t.Errorf("event after completion = %+v, want synthesis_failed error", next)
			}
		}
		if e.kind == "audio_response" {
			t.Error("no audio_response must follow a failed synthesis")
		}
	}
	if !sawComplete {
		t.Error("text response must be delivered despite synthesis failure")
	}
}

func TestBackpressureDropsOldest(t *testing.T) {
	t.Parallel()

	provider := &genmock.Provider{Delay: 200 * time.Millisecond, FinalText: "slow"}
	backend := &speechmock.Synthesizer{
		Result: speech.Result{Samples: make([]float32, 160), SampleRate: 16000},
	}
	// Buffer only 100ms of audio (5 frames).
	s, rec := newTestSession(t, provider, backend, Config{MaxBufferedAudio: 100 * time.Millisecond})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := frames(0, utteranceShape())
	feedFrames(t, s, first)

	// 20 silent frames while the response is in flight: 15 must be dropped.
	feedFrames(t, s, frames(int64(len(first)), repeat(0, 20)))

	if got := rec.count("backpressure"); got == 0 {
		t.Fatal("no backpressure event despite overflow")
	}

	// The session survives the drops and keeps working.
	waitFor(t, func() bool { return rec.count("response_complete") == 1 }, "response never delivered")
	waitFor(t, func() bool { return s.Phase() == PhaseListening }, "session did not resume listening")

	next := frames(int64(len(first))+20, utteranceShape())
	feedFrames(t, s, next)
	waitFor(t, func() bool { return rec.count("response_complete") == 2 }, "session unusable after drops")
}

// bargeProvider emits one fragment, then waits for cancellation on the first
// call. Later calls complete immediately.
type bargeProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *bargeProvider) Generate(ctx context.Context, _ gen.Request) (<-chan gen.Fragment, error) {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()

	out := make(chan gen.Fragment, 2)
	go func() {
		defer close(out)
		if !first {
			out <- gen.Fragment{Text: "second answer", Final: true}
			return
		}
		out <- gen.Fragment{Text: "let me think"}
		<-ctx.Done()
		out <- gen.Fragment{Err: ctx.Err()}
	}()
	return out, nil
}

func TestBargeInCancelsResponse(t *testing.T) {
	t.Parallel()

	backend := &speechmock.Synthesizer{
		Result: speech.Result{Samples: make([]float32, 160), SampleRate: 16000},
	}
	s, rec := newTestSession(t, &bargeProvider{}, backend, Config{
		BargeIn:          true,
		BargeInThreshold: 0.05,
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := frames(0, utteranceShape())
	feedFrames(t, s, first)

	// Wait for the first fragment so the session is in Responding.
	waitFor(t, func() bool { return s.Phase() == PhaseResponding }, "session never reached responding")

	// Speak over the response: a full utterance worth of voiced frames.
	feedFrames(t, s, frames(int64(len(first)), utteranceShape()))

	waitFor(t, func() bool { return rec.count("response_cancelled") == 1 }, "barge-in did not cancel")

	// The barge-in speech was buffered, drains after the reset, and gets its
	// own response.
	waitFor(t, func() bool { return rec.count("response_complete") == 1 }, "barge-in utterance not answered")
	for _, e := range rec.snapshot() {
		if e.kind == "response_complete" && e.text != "second answer" {
			t.Errorf("response text = %q, want the barge-in answer", e.text)
		}
	}
}

func TestBargeInOffBuffersSpeech(t *testing.T) {
	t.Parallel()

	provider := &genmock.Provider{Delay: 100 * time.Millisecond, FinalText: "uninterrupted"}
	backend := &speechmock.Synthesizer{
		Result: speech.Result{Samples: make([]float32, 160), SampleRate: 16000},
	}
	s, rec := newTestSession(t, provider, backend, Config{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := frames(0, utteranceShape())
	feedFrames(t, s, first)
	feedFrames(t, s, frames(int64(len(first)), utteranceShape()))

	waitFor(t, func() bool { return rec.count("response_complete") == 2 }, "expected both responses")
	if got := rec.count("response_cancelled"); got != 0 {
		t.Errorf("response_cancelled events = %d, want 0 with barge-in off", got)
	}
}

func TestStopSuppressesInFlightResponse(t *testing.T) {
	t.Parallel()

	provider := &genmock.Provider{Delay: 100 * time.Millisecond, FinalText: "too late"}
	s, rec := newTestSession(t, provider, &speechmock.Synthesizer{}, Config{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	feedFrames(t, s, frames(0, utteranceShape()))
	s.Stop()

	time.Sleep(200 * time.Millisecond)
	for _, e := range rec.snapshot() {
		if e.kind == "response_complete" || e.kind == "error" {
			t.Errorf("event %q delivered after Stop", e.kind)
		}
	}
	if got := s.Phase(); got != PhaseIdle {
		t.Errorf("Phase() = %v, want idle", got)
	}
}

func TestNoiseBurstIsSilentlyIgnored(t *testing.T) {
	t.Parallel()

	provider := &genmock.Provider{FinalText: "never"}
	s, rec := newTestSession(t, provider, &speechmock.Synthesizer{}, Config{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// 3 voiced frames (60ms, under min voice duration), then silence.
	var amps []float64
	amps = append(amps, repeat(0.3, 3)...)
	amps = append(amps, repeat(0, 20)...)
	feedFrames(t, s, frames(0, amps))

	time.Sleep(50 * time.Millisecond)
	if provider.CallCount() != 0 {
		t.Error("noise must not reach the coordinator")
	}
	if rec.count("response_complete")+rec.count("error") != 0 {
		t.Error("noise must not produce response events")
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, &genmock.Provider{}, &speechmock.Synthesizer{}, Config{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bad := audio.Frame{Seq: 0, Data: make([]byte, 10), SampleRate: 16000}
	if err := s.HandleFrame(bad); err != nil {
		t.Errorf("malformed frame must be dropped, not fatal: %v", err)
	}
	if got := s.Phase(); got != PhaseListening {
		t.Errorf("Phase() = %v, want listening", got)
	}
}
