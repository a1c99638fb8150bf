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

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/erauner12/ridesync/internal/config"
	"github.com/erauner12/ridesync/internal/logging"
	"github.com/erauner12/ridesync/internal/worker"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

var (
	configPath  = flag.String("config", "", "Path to configuration file (JSON)")
	showVersion = flag.Bool("version", false, "Show version information")
	listenAddr  = flag.String("listen", "", "Address of the front server (overrides config)")
	dbPath      = flag.String("db", "", "Path of the local SQLite database (overrides config)")
	devMode     = flag.Bool("dev", false, "Enable development mode (console logs, any websocket origin)")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	noPrime     = flag.Bool("no-prime", false, "Skip caching the status document and resources at startup")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("ridesync worker version %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logFile := logging.Setup(logging.Options{
		Service: "ridesync-worker",
		Level:   cfg.LogLevel,
		Console: cfg.Debug || cfg.DevMode,
		Caller:  cfg.Debug,
		File:    cfg.LogFile,
	})
	defer logFile.Close()

	log.Info().
		Str("version", version).
		Str("listen", cfg.ListenAddr).
		Strs("hosts", cfg.SeedHosts()).
		Str("db", cfg.DBPath).
		Bool("devMode", cfg.DevMode).
		Msg("Starting ridesync worker")

	if cfg.DevMode {
		log.Warn().Msg("Dev mode is enabled - websocket origin checks are disabled!")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("worker failed")
		os.Exit(1)
	}

	log.Info().Msg("ridesync worker stopped gracefully")
}

// loadConfig loads the configuration from file and environment
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnvironment()
	}
	if err != nil {
		return nil, err
	}

	// Apply CLI flag overrides BEFORE validation
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *devMode {
		cfg.DevMode = true
	}
	if *debug {
		cfg.Debug = true
		if *logLevel == "info" {
			cfg.LogLevel = "debug"
		}
	}
	if *logLevel != "info" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// run starts the front server and the scheduler and blocks until ctx is done
func run(ctx context.Context, cfg *config.Config) error {
	w, err := worker.New(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer w.Close()

	if !*noPrime {
		primeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		w.Prime(primeCtx)
		cancel()
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      w.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // /rpc websockets are long-lived
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("starting front server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("front server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return w.RunScheduler(log.Logger.WithContext(gctx))
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}
