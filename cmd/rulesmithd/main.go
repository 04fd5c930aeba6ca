// Rulesmithd serves the rule extraction HTTP API.
//
// Configuration is read from ~/.config/rulesmith/config.yaml (or --config)
// with RULESMITH_* environment overrides. Provider keys come from
// ANTHROPIC_API_KEY, OPENAI_API_KEY and MEM0_API_KEY, or from the
// llm_api_keys table when database.url is set.
//
// Usage:
//
//	rulesmithd
//	rulesmithd --config /etc/rulesmith/config.yaml
//	rulesmithd version
//
// SIGHUP, or any write to the config file, clears the credential cache so
// rotated keys are picked up on the next lookup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rulesmith/internal/config"
	httpserver "github.com/fyrsmithlabs/rulesmith/internal/http"
	"github.com/fyrsmithlabs/rulesmith/internal/logging"
	"github.com/fyrsmithlabs/rulesmith/internal/services"
	"github.com/fyrsmithlabs/rulesmith/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/rulesmith/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  rulesmithd           Start the rulesmith daemon\n")
			fmt.Fprintf(os.Stderr, "  rulesmithd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

// startupTimeout bounds dependency health checks before serving.
const startupTimeout = 30 * time.Second

func printVersion() {
	fmt.Printf("rulesmithd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every service and serves until ctx is cancelled:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Builds the service registry (credentials, datastore, memory, pipeline, events)
//  4. Starts the config reloader and the HTTP server
//  5. Shuts down gracefully, waiting for background rule storage
func run(ctx context.Context, configPath string) error {
	var dirErr error
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		configPath = p
		// The directory must exist for the config file watch.
		dirErr = config.EnsureConfigDir()
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromFileConfig(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logCfg, err := logging.FromFileConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logCfg.Output.OTEL = tel.LoggerProvider() != nil
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if dirErr != nil {
		logger.Warn(ctx, "config directory unavailable", zap.Error(dirErr))
	}
	if err := tel.Degraded(); err != nil {
		logger.Warn(ctx, "telemetry degraded", zap.Error(err))
	}

	logger.Info(ctx, "starting rulesmithd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("memory_mode", cfg.Memory.Mode),
		zap.String("failure_policy", cfg.Extraction.FailurePolicy),
		zap.Bool("database", cfg.Database.URL.IsSet()),
	)

	buildCtx, cancelBuild := context.WithTimeout(ctx, startupTimeout)
	reg, err := services.Build(buildCtx, cfg, logger, services.Options{Tracer: tel.Tracer("rulesmith")})
	cancelBuild()
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn(context.Background(), "error closing services", zap.Error(err))
		}
	}()

	deps := httpserver.Deps{
		Pipeline:   reg.Pipeline(),
		Events:     reg.Events(),
		MemoryMode: cfg.Memory.Mode,
		Tracer:     tel.Tracer("rulesmith.http"),
	}
	if repo := reg.Repository(); repo != nil {
		deps.Histories = repo
		deps.Rules = repo
		deps.Database = repo
	} else {
		logger.Warn(ctx, "no database configured, extraction requests will fail")
	}

	srv, err := httpserver.NewServer(deps, logger, &httpserver.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	reloader := newReloader(ctx, configPath, reg.Credentials(), hup, logger)
	go reloader.Run(ctx)
	defer reloader.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
