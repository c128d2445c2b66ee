// Command songsense recognizes the song currently playing on the system's
// audio output and tracks its playback position.
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
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/songsense/songsense/internal/capture"
	"github.com/songsense/songsense/internal/config"
	"github.com/songsense/songsense/internal/engine"
	"github.com/songsense/songsense/internal/health"
	"github.com/songsense/songsense/internal/observe"
	"github.com/songsense/songsense/pkg/provider/recognition"
	"github.com/songsense/songsense/pkg/provider/recognition/acrcloud"
	"github.com/songsense/songsense/pkg/provider/recognition/audd"
	"github.com/songsense/songsense/pkg/provider/recognition/fpdaemon"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	once := flag.Bool("once", false, "recognize a single clip, print the result, and exit")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	// A missing .env is fine; credentials may come from the real environment.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "songsense: config file %q not found, using defaults\n", *configPath)
		cfg = config.Default()
		err = nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "songsense: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// A LevelVar so the config watcher can change verbosity at runtime.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("songsense starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
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

	// ── Capture backend ───────────────────────────────────────────────────────
	var backend capture.Backend
	if pa, err := capture.NewPortAudioBackend(); err != nil {
		slog.Warn("portaudio unavailable, device capture disabled", "err", err)
		backend = capture.NewNullBackend()
	} else {
		backend = pa
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Warn("backend close error", "err", err)
		}
	}()

	if *listDevices {
		return printDevices(backend)
	}

	manager := capture.NewManager(backend, capture.Config{
		DeviceName: cfg.Capture.DeviceName,
		DeviceID:   cfg.Capture.DeviceID,
	})

	// ── Fingerprint daemon (optional) ─────────────────────────────────────────
	var daemon *fpdaemon.Client
	if cfg.Daemon.Command != "" {
		daemon = fpdaemon.NewClient(fpdaemon.Config{
			Command:        cfg.Daemon.Command,
			Args:           cfg.Daemon.Args,
			StartupTimeout: cfg.Daemon.StartupTimeout.Std(),
			CommandTimeout: cfg.Daemon.CommandTimeout.Std(),
			MaxRestarts:    cfg.Daemon.MaxRestarts,
			OnRestart: func() {
				metrics.RecordDaemonRestart(context.Background())
			},
		})
		defer func() {
			if err := daemon.Stop(); err != nil {
				slog.Warn("daemon stop error", "err", err)
			}
		}()
	}

	// ── Recognition providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, daemon, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if len(providers) == 0 {
		slog.Error("no recognition providers configured — set daemon.command or provide cloud credentials")
		return 1
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	eng := engine.New(engine.Config{
		Capture:           manager,
		Providers:         providers,
		CaptureDuration:   cfg.Capture.Duration.Std(),
		ScanningInterval:  cfg.Engine.ScanningInterval.Std(),
		VerifyingInterval: cfg.Engine.VerifyingInterval.Std(),
		TrackingInterval:  cfg.Engine.TrackingInterval.Std(),
		SilenceThreshold:  cfg.Capture.SilenceThreshold,
		PauseThreshold:    cfg.Engine.PauseThreshold,
		UserLatencyOffset: cfg.Engine.UserLatencyOffset.Std(),
		StopTimeout:       cfg.Engine.StopTimeout.Std(),
		Metrics:           metrics,
	})

	if *once {
		return recognizeOnce(ctx, eng)
	}

	events, unsubscribe := eng.Events().Subscribe(16)
	defer unsubscribe()
	go logEvents(events)

	if err := eng.Start(); err != nil {
		slog.Error("failed to start engine", "err", err)
		return 1
	}
	defer eng.Stop()

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config, diff config.ConfigDiff) {
		applyReload(next, diff, level, eng, manager)
	})
	if err != nil {
		slog.Debug("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Debug listener (optional) ─────────────────────────────────────────────
	if cfg.Observe.ListenAddr != "" {
		srv := newDebugServer(cfg, manager, daemon, eng, metrics)
		go func() {
			slog.Info("debug listener started", "addr", cfg.Observe.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("debug listener error", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("debug listener shutdown error", "err", err)
			}
		}()
	}

	slog.Info("songsense ready — press Ctrl+C to shut down")
	<-ctx.Done()
	slog.Info("shutdown signal received, stopping")
	return 0
}

// buildProviders assembles the provider chain in priority order: local
// fingerprint daemon, then the primary cloud, then the quota-limited
// secondary cloud. Providers without credentials are still built; the chain
// skips them via Available().
func buildProviders(cfg *config.Config, daemon *fpdaemon.Client, metrics *observe.Metrics) ([]recognition.Provider, error) {
	reg := config.NewRegistry()

	if daemon != nil {
		reg.Register("local", func(_ *config.Config) (recognition.Provider, error) {
			return fpdaemon.NewProvider(daemon), nil
		})
	}

	reg.Register("audd", func(cfg *config.Config) (recognition.Provider, error) {
		var opts []audd.Option
		if cfg.Providers.AudD.Endpoint != "" {
			opts = append(opts, audd.WithEndpoint(cfg.Providers.AudD.Endpoint))
		}
		if cfg.Providers.AudD.Timeout > 0 {
			opts = append(opts, audd.WithTimeout(cfg.Providers.AudD.Timeout.Std()))
		}
		return audd.New(config.AudDToken(), opts...), nil
	})

	reg.Register("acrcloud", func(cfg *config.Config) (recognition.Provider, error) {
		accessKey, secretKey := config.ACRCredentials()
		opts := []acrcloud.Option{
			acrcloud.WithQuotaHook(func() {
				metrics.SecondaryQuotaUsed.Add(context.Background(), 1)
			}),
		}
		if cfg.Providers.ACRCloud.DailyLimit > 0 {
			opts = append(opts, acrcloud.WithDailyLimit(cfg.Providers.ACRCloud.DailyLimit))
		}
		if cfg.Providers.ACRCloud.Cooldown > 0 {
			opts = append(opts, acrcloud.WithCooldown(cfg.Providers.ACRCloud.Cooldown.Std()))
		}
		if cfg.Providers.ACRCloud.Timeout > 0 {
			opts = append(opts, acrcloud.WithTimeout(cfg.Providers.ACRCloud.Timeout.Std()))
		}
		return acrcloud.New(cfg.Providers.ACRCloud.Host, accessKey, secretKey, opts...), nil
	})

	names := reg.Names()
	ordered := make([]string, 0, len(names))
	for _, name := range []string{"local", "audd", "acrcloud"} {
		for _, have := range names {
			if have == name {
				ordered = append(ordered, name)
			}
		}
	}

	providers, err := reg.CreateAll(ordered, cfg)
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		slog.Info("provider registered", "name", p.Name(), "available", p.Available())
	}
	return providers, nil
}

// applyReload applies the hot-reloadable parts of a changed config.
func applyReload(next *config.Config, diff config.ConfigDiff, level *slog.LevelVar, eng *engine.Engine, manager *capture.Manager) {
	if diff.LogLevelChanged {
		level.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.LatencyOffsetChanged {
		eng.SetUserLatencyOffset(diff.NewLatencyOffset.Std())
		slog.Info("user latency offset changed", "offset", diff.NewLatencyOffset.Std())
	}
	if diff.DeviceChanged {
		manager.SetConfig(capture.Config{
			DeviceName: next.Capture.DeviceName,
			DeviceID:   next.Capture.DeviceID,
		})
		slog.Info("capture device selection changed, re-resolving")
	}
	if diff.IntervalsChanged {
		slog.Warn("polling intervals changed — takes effect after restart")
	}
}

// newDebugServer builds the HTTP server exposing /metrics, /healthz and
// /readyz, wrapped in the telemetry middleware.
func newDebugServer(cfg *config.Config, manager *capture.Manager, daemon *fpdaemon.Client, eng *engine.Engine, metrics *observe.Metrics) *http.Server {
	checkers := []health.Checker{
		health.CaptureChecker(manager),
		health.EngineChecker(eng, cfg.Engine.StaleThreshold.Std()),
	}
	if daemon != nil {
		checkers = append(checkers, health.DaemonChecker(daemon))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	return &http.Server{
		Addr:              cfg.Observe.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// recognizeOnce runs a single recognition pass and prints the result.
func recognizeOnce(ctx context.Context, eng *engine.Engine) int {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := eng.RecognizeOnce(ctx)
	if errors.Is(err, recognition.ErrNoMatch) {
		fmt.Println("no match")
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "songsense: %v\n", err)
		return 1
	}

	fmt.Printf("%s — %s\n", res.Artist, res.Title)
	if res.Album != "" {
		fmt.Printf("  album:      %s\n", res.Album)
	}
	fmt.Printf("  position:   %.1fs\n", res.Offset)
	fmt.Printf("  confidence: %.2f\n", res.Confidence)
	fmt.Printf("  source:     %s\n", res.Source)
	return 0
}

// printDevices lists the backend's capture devices.
func printDevices(backend capture.Backend) int {
	devices, err := backend.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "songsense: list devices: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no capture devices found")
		return 0
	}
	for _, d := range devices {
		fmt.Printf("%3d  %-40s %d ch  %d Hz\n", d.ID, d.Name, d.Channels, d.SampleRate)
	}
	return 0
}

// logEvents logs engine events for the lifetime of the subscription.
func logEvents(events <-chan engine.Event) {
	for ev := range events {
		switch ev.Type {
		case engine.EventSongChange:
			slog.Info("now playing",
				"title", ev.Song.Title,
				"artist", ev.Song.Artist,
				"source", ev.Song.Source,
			)
		case engine.EventStateChange:
			slog.Debug("engine state changed", "from", ev.From, "to", ev.To)
		}
	}
}

// slogLevel maps a config log level to slog.
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
