// Package coordinator drives the inference side of the pipeline.
//
// For every closed utterance the coordinator issues exactly one generation
// call, relays the fragment stream in order, appends the resulting exchange to
// the conversation log, and hands non-empty response text to the synthesizer
// adapter. An admission semaphore shared across all sessions bounds how many
// inference calls run concurrently; sessions beyond the limit wait rather
// than fail.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vocata-ai/vocata/internal/convo"
	"github.com/vocata-ai/vocata/internal/observe"
	"github.com/vocata-ai/vocata/internal/synth"
	"github.com/vocata-ai/vocata/pkg/provider/gen"
	"github.com/vocata-ai/vocata/pkg/vad"
)

// ErrIncompleteStream reports a fragment stream that closed without a final
// fragment. It is always wrapped in an [*InferenceError].
var ErrIncompleteStream = errors.New("coordinator: fragment stream closed without completion")

// InferenceError reports a failed inference for one utterance.
type InferenceError struct {
	// UtteranceID identifies the utterance whose inference failed.
	UtteranceID string

	// Cause is the underlying failure.
	Cause error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("coordinator: inference for utterance %s failed: %v", e.UtteranceID, e.Cause)
}

func (e *InferenceError) Unwrap() error { return e.Cause }

// Result is the outcome of one successfully handled utterance.
type Result struct {
	// UtteranceID identifies the handled utterance.
	UtteranceID string

	// Text is the complete response text, the fragments concatenated in
	// order.
	Text string

	// Transcript is the verbatim user transcript when the backend produced
	// one as a by-product; empty otherwise.
	Transcript string

	// Audio is the synthesized response. Nil when Text was blank and
	// synthesis was skipped.
	Audio *synth.Result
}

// Config holds the coordinator tunables.
type Config struct {
	// ConcurrencyLimit bounds inference calls in flight across all sessions.
	// Values below 1 are treated as 1.
	ConcurrencyLimit int64

	// InferenceTimeout bounds one generation call, including time spent
	// waiting for admission. Zero means no timeout.
	InferenceTimeout time.Duration

	// ContextTurns is the maximum number of conversation turns supplied as
	// generation context. Zero or negative sends the full log.
	ContextTurns int

	// AppendUserTurnOnFailure appends a placeholder user turn when inference
	// fails, so the log reflects that the user spoke.
	AppendUserTurnOnFailure bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator dispatches utterances to the generation provider and the
// synthesizer adapter. Safe for concurrent use across sessions.
type Coordinator struct {
	provider gen.Provider
	adapter  *synth.Adapter
	cfg      Config
	sem      *semaphore.Weighted
	logger   *slog.Logger
	metrics  *observe.Metrics
}

// New creates a Coordinator over the given provider and adapter.
func New(provider gen.Provider, adapter *synth.Adapter, cfg Config, opts ...Option) *Coordinator {
	limit := cfg.ConcurrencyLimit
	if limit < 1 {
		limit = 1
	}
	c := &Coordinator{
		provider: provider,
		adapter:  adapter,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(limit),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Handle runs the full inference path for one closed utterance: admission,
// exactly one Generate call, fragment relay through onFragment, log appends,
// and synthesis of non-blank text.
//
// On inference failure the returned error is an [*InferenceError], no
// assistant turn is appended, and a user turn is appended only when
// configured. On synthesis failure the exchange is already in the log; the
// partially filled Result is returned together with the synthesis error so
// the caller can still deliver the text.
func (c *Coordinator) Handle(ctx context.Context, log *convo.Log, utt *vad.Utterance, onFragment func(text string)) (*Result, error) {
	start := time.Now()

	if c.cfg.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.InferenceTimeout)
		defer cancel()
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, c.fail(ctx, log, utt, fmt.Errorf("admission: %w", err))
	}
	defer c.sem.Release(1)

	req := gen.Request{
		UtteranceID: utt.ID,
		Samples:     utt.Samples,
		SampleRate:  utt.SampleRate,
		Context:     log.Context(c.cfg.ContextTurns),
	}
	frags, err := c.provider.Generate(ctx, req)
	if err != nil {
		return nil, c.fail(ctx, log, utt, err)
	}

	text, transcript, err := c.relay(ctx, frags, onFragment)
	c.metrics.InferenceDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return nil, c.fail(ctx, log, utt, err)
	}

	log.AppendExchange(convo.UserTurn{
		Transcript:  transcript,
		SampleCount: len(utt.Samples),
		Duration:    utt.Duration(),
	}, text)

	res := &Result{
		UtteranceID: utt.ID,
		Text:        text,
		Transcript:  transcript,
	}

	if convo.IsBlank(text) {
		c.logger.Debug("skipping synthesis of blank response", "utterance_id", res.UtteranceID)
		c.metrics.RecordUtterance(ctx, "completed")
		return res, nil
	}

	// Text-only mode: no speech backend configured.
	if c.adapter == nil {
		c.metrics.ResponseDuration.Record(ctx, time.Since(start).Seconds())
		c.metrics.RecordUtterance(ctx, "completed")
		return res, nil
	}

	synthStart := time.Now()
	audio, err := c.adapter.Synthesize(ctx, text)
	c.metrics.SynthesisDuration.Record(ctx, time.Since(synthStart).Seconds())
	if err != nil {
		c.metrics.RecordProviderError(ctx, "synth", "speech")
		c.metrics.RecordUtterance(ctx, "failed")
		return res, err
	}
	res.Audio = audio

	c.metrics.ResponseDuration.Record(ctx, time.Since(start).Seconds())
	c.metrics.RecordUtterance(ctx, "completed")
	return res, nil
}

// relay forwards fragments in order and assembles the final text and
// transcript. A stream that closes without a final fragment is an error.
func (c *Coordinator) relay(ctx context.Context, frags <-chan gen.Fragment, onFragment func(text string)) (text, transcript string, err error) {
	var b []byte
	for {
		select {
		case f, ok := <-frags:
			if !ok {
				return "", "", ErrIncompleteStream
			}
			if f.Err != nil {
				return "", "", f.Err
			}
			if f.Text != "" {
				b = append(b, f.Text...)
				if onFragment != nil {
					onFragment(f.Text)
				}
			}
			if f.Final {
				return string(b), f.Transcript, nil
			}
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
}

// fail records the failed utterance per configuration and wraps the cause.
func (c *Coordinator) fail(ctx context.Context, log *convo.Log, utt *vad.Utterance, cause error) error {
	if c.cfg.AppendUserTurnOnFailure {
		log.AppendUser(convo.UserTurn{
			SampleCount: len(utt.Samples),
			Duration:    utt.Duration(),
		})
	}
	c.metrics.RecordProviderError(ctx, "gen", "inference")
	c.metrics.RecordUtterance(ctx, "failed")
	c.logger.Warn("inference failed",
		"utterance_id", utt.ID, "error", cause)
	return &InferenceError{UtteranceID: utt.ID, Cause: cause}
}
