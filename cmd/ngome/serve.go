package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/gateway/httpapi"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/retention"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API gateway",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `ngome --config path` and `ngome serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts Ngome in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveAddr != "" {
		if cfg.Server == nil {
			cfg.Server = &config.ServerConfig{}
		}
		cfg.Server.ListenAddr = serveAddr
	}

	logger := newLogger(cfg)
	logger.Info("starting in server mode", slog.String("addr", cfg.Server.Addr()))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Retention sweeper (optional).
	if cfg.Retention != nil && cfg.Retention.Enabled {
		sweeper, err := retention.New(sc.Store.Executions(), sc.Workspace, logger, cfg.Retention)
		if err != nil {
			return err
		}
		cancelSweeper := sweeper.Start(ctx)
		defer cancelSweeper()
	}

	gw := buildHTTPGateway(cfg, sc)

	// Start the gateway and wait for a signal or its exit.
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	return nil
}

// buildHTTPGateway assembles the HTTP gateway from shared components.
func buildHTTPGateway(cfg *config.Config, sc *SharedComponents) gateway.Gateway {
	limit := cfg.Server.Limit()
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: limit.RequestsPerMinute,
		BurstSize:         limit.BurstSize,
	})

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.DocsEnabled(),
		APIKeys:        cfg.Server.Keys(),
		MaxRequestSize: cfg.Server.MaxRequestSize(),
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}

	gw := httpapi.NewGateway(httpCfg, sc.Dispatcher, sc.Engine, limiter, sc.Logger).
		WithHistory(sc.Store.Executions())

	if len(httpCfg.APIKeys) == 0 {
		sc.Logger.Warn("api authentication disabled: no keys configured")
	}

	if cfg.Server.EventsEnabled() {
		hub := httpapi.NewEventHub(sc.Logger)
		sc.Dispatcher.WithEvents(hub)
		gw.WithEvents(hub)
		sc.Logger.Debug("websocket event stream enabled")
	}

	return gw
}
