// Command vocata is the main entry point for the Vocata conversation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocata-ai/vocata/internal/archive"
	"github.com/vocata-ai/vocata/internal/config"
	"github.com/vocata-ai/vocata/internal/convo"
	"github.com/vocata-ai/vocata/internal/coordinator"
	"github.com/vocata-ai/vocata/internal/health"
	"github.com/vocata-ai/vocata/internal/observe"
	"github.com/vocata-ai/vocata/internal/resilience"
	"github.com/vocata-ai/vocata/internal/server"
	"github.com/vocata-ai/vocata/internal/session"
	"github.com/vocata-ai/vocata/internal/synth"
	"github.com/vocata-ai/vocata/pkg/audio"
	"github.com/vocata-ai/vocata/pkg/provider/gen"
	"github.com/vocata-ai/vocata/pkg/provider/gen/realtime"
	"github.com/vocata-ai/vocata/pkg/provider/speech"
	"github.com/vocata-ai/vocata/pkg/provider/speech/elevenlabs"
	"github.com/vocata-ai/vocata/pkg/provider/speech/piper"
	"github.com/vocata-ai/vocata/pkg/vad"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocata: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocata: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("vocata starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "vocata",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	genProvider, err := buildGenProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build generation provider", "err", err)
		return 1
	}
	if genProvider == nil {
		slog.Error("providers.gen must be configured")
		return 1
	}
	speechBackend, err := buildSpeechChain(cfg, reg)
	if err != nil {
		slog.Error("failed to build speech backends", "err", err)
		return 1
	}

	// ── Conversation archive (optional) ───────────────────────────────────────
	var store *archive.Store
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		store, err = archive.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to open conversation archive", "err", err)
			return 1
		}
		defer store.Close()
		slog.Info("conversation archive connected")
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	var adapter *synth.Adapter
	if speechBackend != nil {
		adapter = synth.New(speechBackend, cfg.Synthesis.TargetSampleRate,
			synth.WithVoice(cfg.Synthesis.Voice),
			synth.WithNormalizeConfig(audio.NormalizeConfig{
				QuietThreshold: cfg.Synthesis.QuietThreshold,
				ClipCeiling:    cfg.Synthesis.ClipCeiling,
				TargetRMS:      cfg.Synthesis.TargetRMS,
				SafePeak:       cfg.Synthesis.SafePeak,
			}),
		)
	}

	coord := coordinator.New(genProvider, adapter, coordinator.Config{
		ConcurrencyLimit:        int64(cfg.Pipeline.InferenceConcurrencyLimit),
		InferenceTimeout:        cfg.Pipeline.InferenceTimeout(),
		ContextTurns:            cfg.Pipeline.ContextTurns,
		AppendUserTurnOnFailure: cfg.Pipeline.AppendUserTurnOnFailure,
	}, coordinator.WithMetrics(metrics))

	// Session tuning is swapped atomically on config reload; established
	// sessions keep the parameters they were created with.
	var tuning atomic.Pointer[sessionTuning]
	tuning.Store(newSessionTuning(cfg))
	if _, err := vad.NewSegmenter(tuning.Load().vad); err != nil {
		slog.Error("invalid segmentation config", "err", err)
		return 1
	}

	factory := func(id string, emit session.Emitter) *session.Session {
		t := tuning.Load()
		seg, err := vad.NewSegmenter(t.vad)
		if err != nil {
			// The active tuning was validated before being stored.
			slog.Error("segmenter construction failed, using defaults", "err", err)
			seg, _ = vad.NewSegmenter(newSessionTuning(config.Default()).vad)
		}
		logOpts := []convo.Option{}
		if store != nil {
			logOpts = append(logOpts, convo.WithSink(store))
		}
		return session.New(id, seg, coord, convo.NewLog(id, logOpts...), emit, t.session,
			session.WithMetrics(metrics))
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	wsHandler := server.NewHandler(factory, server.Config{
		SampleRate:    cfg.VAD.SampleRate,
		FrameDuration: cfg.VAD.FrameDuration(),
	}, server.WithMetrics(metrics))

	var checkers []health.Checker
	if store != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: store.Ping})
	}
	for _, entry := range cfg.Providers.Speech {
		if entry.URL == "" {
			continue
		}
		checkers = append(checkers, health.Checker{
			Name:  "speech:" + entry.Name,
			Check: urlReachable(entry.URL),
		})
	}
	healthHandler := health.New(checkers...)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/healthz", healthHandler.Healthz)
	mux.HandleFunc("/readyz", healthHandler.Readyz)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.VADChanged || d.SynthesisChanged || d.PipelineChanged {
			t := newSessionTuning(new)
			if _, err := vad.NewSegmenter(t.vad); err != nil {
				slog.Warn("reloaded segmentation config rejected", "err", err)
				return
			}
			tuning.Store(t)
			slog.Info("session tuning updated; applies to new sessions")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-errCh:
		slog.Error("serve error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterGen("realtime", func(entry config.ProviderEntry) (gen.Provider, error) {
		var opts []realtime.Option
		if entry.APIKey != "" {
			opts = append(opts, realtime.WithAuthToken(entry.APIKey))
		}
		return realtime.New(entry.URL, opts...), nil
	})

	reg.RegisterSpeech("piper", func(entry config.ProviderEntry) (speech.Synthesizer, error) {
		return piper.New(entry.URL), nil
	})

	reg.RegisterSpeech("elevenlabs", func(entry config.ProviderEntry) (speech.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.URL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.URL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildGenProvider instantiates the configured generation provider and, when
// gen_fallbacks are configured, composes them into a failover chain in
// configuration order.
func buildGenProvider(cfg *config.Config, reg *config.Registry) (gen.Provider, error) {
	name := cfg.Providers.Gen.Name
	if name == "" {
		return nil, nil
	}
	p, err := reg.CreateGen(cfg.Providers.Gen)
	if err != nil {
		return nil, fmt.Errorf("create gen provider %q: %w", name, err)
	}
	slog.Info("provider created", "kind", "gen", "name", name)

	if len(cfg.Providers.GenFallbacks) == 0 {
		return p, nil
	}
	chain := resilience.NewGenFallback(p, name, resilience.FallbackConfig{})
	for _, entry := range cfg.Providers.GenFallbacks {
		fb, err := reg.CreateGen(entry)
		if err != nil {
			return nil, fmt.Errorf("create gen fallback %q: %w", entry.Name, err)
		}
		chain.AddFallback(entry.Name, fb)
		slog.Info("provider created", "kind", "gen", "name", entry.Name, "role", "fallback")
	}
	return chain, nil
}

// buildSpeechChain instantiates the configured speech backends and composes
// them into a fallback chain in configuration order. Returns nil when no
// backend is configured, which makes responses text only.
func buildSpeechChain(cfg *config.Config, reg *config.Registry) (speech.Synthesizer, error) {
	entries := cfg.Providers.Speech
	if len(entries) == 0 {
		return nil, nil
	}

	backends := make([]speech.Synthesizer, 0, len(entries))
	for _, entry := range entries {
		b, err := reg.CreateSpeech(entry)
		if err != nil {
			return nil, fmt.Errorf("create speech backend %q: %w", entry.Name, err)
		}
		backends = append(backends, b)
		slog.Info("provider created", "kind", "speech", "name", entry.Name)
	}

	if len(backends) == 1 {
		return backends[0], nil
	}
	chain := resilience.NewSpeechFallback(backends[0], entries[0].Name, resilience.FallbackConfig{})
	for i := 1; i < len(backends); i++ {
		chain.AddFallback(entries[i].Name, backends[i])
	}
	return chain, nil
}

// ── Session tuning ────────────────────────────────────────────────────────────

// sessionTuning carries the per-session parameters derived from config. It is
// replaced wholesale on a successful hot reload.
type sessionTuning struct {
	vad     vad.Config
	session session.Config
}

func newSessionTuning(cfg *config.Config) *sessionTuning {
	bargeThreshold := cfg.Pipeline.BargeInThreshold
	if bargeThreshold == 0 {
		bargeThreshold = cfg.VAD.VoiceThreshold
	}
	return &sessionTuning{
		vad: vad.Config{
			SampleRate:         cfg.VAD.SampleRate,
			FrameDuration:      cfg.VAD.FrameDuration(),
			VoiceThreshold:     cfg.VAD.VoiceThreshold,
			MinVoiceDuration:   cfg.VAD.MinVoiceDuration(),
			MinSilenceDuration: cfg.VAD.MinSilenceDuration(),
			OnsetDuration:      time.Duration(cfg.VAD.OnsetFrames) * cfg.VAD.FrameDuration(),
		},
		session: session.Config{
			SampleRate:       cfg.VAD.SampleRate,
			FrameDuration:    cfg.VAD.FrameDuration(),
			MaxBufferedAudio: cfg.Pipeline.MaxBufferedAudio(),
			BargeIn:          cfg.Pipeline.BargeIn,
			BargeInThreshold: bargeThreshold,
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Vocata — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Gen", cfg.Providers.Gen.Name, cfg.Providers.Gen.Model)
	for i, entry := range cfg.Providers.Speech {
		label := "Speech"
		if i > 0 {
			label = fmt.Sprintf("Speech #%d", i+1)
		}
		printProvider(label, entry.Name, entry.Model)
	}
	if len(cfg.Providers.Speech) == 0 {
		printProvider("Speech", "", "")
	}
	if cfg.Archive.PostgresDSN != "" {
		fmt.Printf("║  Archive         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Archive         : %-19s ║\n", "(disabled)")
	}
	bargeIn := "off"
	if cfg.Pipeline.BargeIn {
		bargeIn = "on"
	}
	fmt.Printf("║  Barge-in        : %-19s ║\n", bargeIn)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Health checks ──────────────────────────────────────────────────────────────

// urlReachable returns a readiness check that probes the given base URL.
// Any HTTP response counts as reachable; only transport failures are errors.
func urlReachable(url string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		resp.Body.Close()
		return nil
	}
}
