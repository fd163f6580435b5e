package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/api"
	"github.com/jordanhubbard/steerloop/internal/auth"
	"github.com/jordanhubbard/steerloop/internal/eventbus"
	"github.com/jordanhubbard/steerloop/internal/healthwatchdog"
	"github.com/jordanhubbard/steerloop/internal/hotreload"
	"github.com/jordanhubbard/steerloop/internal/logging"
	"github.com/jordanhubbard/steerloop/internal/metrics"
	"github.com/jordanhubbard/steerloop/internal/sovereignty"
	"github.com/jordanhubbard/steerloop/internal/steering"
	"github.com/jordanhubbard/steerloop/internal/telemetry"
	"github.com/jordanhubbard/steerloop/pkg/config"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "steerd.yaml", "Path to configuration file")
	checkOnly := flag.Bool("check", false, "Validate the configuration and exit")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}
	if *showVersion {
		fmt.Printf("steerd v%s\n", version)
		return
	}

	cfg, err := config.LoadConfigFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Println("configuration OK")
		return
	}

	if err := run(cfg, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "steerd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string) error {
	logDB, err := openLogStore(cfg.Logging.PersistDSN)
	if err != nil {
		return err
	}
	if logDB != nil {
		defer logDB.Close()
	}
	logManager := logging.NewManager(cfg.Logging.BufferSize, logDB)
	defer logManager.Close()

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, logManager)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	restoreStdLog := zap.RedirectStdLog(logger)
	defer restoreStdLog()

	instanceID := os.Getenv("STEERD_INSTANCE_ID")
	if instanceID == "" {
		instanceID = "steerd-" + uuid.NewString()[:8]
	}
	logger = logger.With(zap.String("instance_id", instanceID))
	logger.Info("Starting steerd", zap.String("version", version), zap.String("config", configPath))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(runCtx, telemetry.Options{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Environment:    os.Getenv("STEERD_ENV"),
			Endpoint:       cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		}, logger)
		if err != nil {
			logger.Warn("Failed to initialize telemetry", zap.Error(err))
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(ctx); err != nil {
					logger.Warn("Error shutting down telemetry", zap.Error(err))
				}
			}()
		}
	}

	m := metrics.NewMetrics()
	eb := eventbus.NewEventBus(cfg.Server.EventBufferSize)
	defer eb.Close()

	if cfg.Telemetry.Enabled {
		instruments, err := telemetry.NewInstruments(otel.Meter("steerd"))
		if err != nil {
			logger.Warn("Failed to create telemetry instruments", zap.Error(err))
		} else {
			go instruments.Run(runCtx, eb)
		}
	}

	healthChecks := map[string]healthwatchdog.Check{}

	if cfg.NATS.Enabled {
		bus, bridge, err := startNATSBridge(runCtx, cfg.NATS, eb, instanceID, logger, m)
		if err != nil {
			// The loop is useful without fan-out; keep serving.
			logger.Warn("NATS bridge disabled", zap.Error(err))
		} else {
			defer func() { _ = bus.Close() }()
			defer bridge.Close()
			healthChecks["nats"] = func(context.Context) error { return bus.Health() }
		}
	}

	scores, closeScores, err := sovereignty.FromConfig(cfg.Sovereignty, logger, m)
	if err != nil {
		return fmt.Errorf("sovereignty: %w", err)
	}
	defer closeScores.Close()
	if pinger, ok := closeScores.(interface{ Ping(context.Context) error }); ok {
		healthChecks["sovereignty"] = pinger.Ping
	}

	messenger, err := buildMessenger(cfg.Chat, logger, m)
	if err != nil {
		return fmt.Errorf("chat gateway: %w", err)
	}
	healthChecks["chat"] = messenger.Health

	exec, err := buildExecutor(cfg.Executor, logger)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	opts := []steering.Option{
		steering.WithLogger(logger),
		steering.WithEventBus(eb),
		steering.WithMetrics(m),
		steering.WithTracer(otel.Tracer("steerd")),
	}
	if scores != nil {
		opts = append(opts, steering.WithSovereignty(scores))
	}
	loop, err := steering.New(cfg.Steering.ToLoop(), exec, messenger, opts...)
	if err != nil {
		return fmt.Errorf("steering loop: %w", err)
	}

	scoreCache := cachedScores(scores)
	target := reloadTarget{loop: loop, logger: logger}
	if scoreCache != nil {
		target.scores = scoreCache
	}

	authManager, err := auth.NewManager(auth.Config{
		Enabled:   cfg.Security.EnableAuth,
		JWTSecret: cfg.Security.JWTSecret,
		TokenTTL:  cfg.Security.TokenTTL,
		APIKeys:   cfg.Security.APIKeys,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if !cfg.Security.EnableAuth {
		logger.Warn("Authentication disabled; callers choose their own tier via headers")
	}

	var reloader *hotreload.Watcher
	if cfg.HotReload.Enabled {
		reloader, err = hotreload.New(hotreload.Config{
			Path:     configPath,
			Debounce: cfg.HotReload.Debounce,
			Target:   target,
			EventBus: eb,
			Logger:   logger,
		}, cfg.Steering.ToLoop())
		if err == nil {
			err = reloader.Start(runCtx)
		}
		if err != nil {
			logger.Warn("Hot reload disabled", zap.Error(err))
			reloader = nil
		} else {
			defer reloader.Close()
		}
	}

	go pruneLoop(runCtx, loop, target.scores, cfg.Server.PruneInterval, cfg.Server.RetainSettled, logger)

	watchdog := healthwatchdog.NewWatchdog(healthwatchdog.Config{
		Interval:    cfg.Server.WatchdogInterval,
		Checks:      healthChecks,
		Predictions: loop,
		Logger:      logger,
		Metrics:     m,
	})
	var healthMaxAge time.Duration
	if cfg.Server.WatchdogInterval > 0 {
		go watchdog.Run(runCtx)
		healthMaxAge = 2 * cfg.Server.WatchdogInterval
	}

	var cacheStats api.ScoreCacheStats
	if scoreCache != nil {
		cacheStats = scoreCache
	}

	apiServer := api.NewServer(api.Options{
		Loop:           loop,
		Auth:           authManager,
		EventBus:       eb,
		LogManager:     logManager,
		Metrics:        m,
		Logger:         logger,
		AllowedOrigins: cfg.Security.AllowedOrigins,
		InstanceID:     instanceID,
		Version:        version,
		Health:         watchdog,
		HealthMaxAge:   healthMaxAge,
		ScoreCache:     cacheStats,
	})

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      apiServer.SetupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     zap.NewStdLog(logger.Named("http")),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Steering API listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var runErr error
wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reload(reloader, target, logger)
				continue
			}
			logger.Info("Shutting down", zap.String("signal", sig.String()))
			break wait
		case err, ok := <-serveErr:
			if ok {
				runErr = fmt.Errorf("http server: %w", err)
			}
			break wait
		}
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Stop accepting requests first so nothing new reaches a closing loop.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := loop.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Steering loop shutdown incomplete", zap.Error(err))
	}
	logger.Info("steerd stopped")
	return runErr
}

// reload handles SIGHUP: cached scores are always dropped, and the config file
// is re-read when hot reload is enabled.
func reload(w *hotreload.Watcher, target reloadTarget, logger *zap.Logger) {
	target.refreshScores("SIGHUP")
	if w == nil {
		logger.Info("SIGHUP config reload skipped; hot reload is disabled")
		return
	}
	changed, err := w.Reload()
	if err != nil {
		logger.Warn("SIGHUP reload failed", zap.Error(err))
		return
	}
	logger.Info("SIGHUP reload", zap.Bool("changed", changed))
}

func pruneLoop(ctx context.Context, loop *steering.Loop, scores scoreCache, interval, retain time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := loop.Prune(retain); n > 0 {
				logger.Debug("Pruned settled predictions", zap.Int("count", n))
			}
			if scores != nil {
				if n := scores.Sweep(); n > 0 {
					logger.Debug("Swept expired sovereignty scores", zap.Int("count", n))
				}
			}
		}
	}
}

func printHelp() {
	fmt.Println("Usage: steerd [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config   Path to configuration file (default: steerd.yaml)")
	fmt.Println("  -check    Validate the configuration and exit")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -help     Show help message")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGHUP    Reload the steering section of the config file and drop cached scores")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  STEERD_INSTANCE_ID  Identifier used for NATS echo suppression (default: random)")
	fmt.Println("  STEERD_ENV          Deployment environment recorded on traces")
}
