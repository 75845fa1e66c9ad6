package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/storage"
	pgstore "github.com/jkaninda/ngome/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/ngome/internal/storage/sqlite"
	"github.com/jkaninda/ngome/internal/workspace"
)

// SharedComponents holds the initialized subsystems every command mode
// requires. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store

	Obs        *observability.Observability
	Trail      audit.Trail
	Engine     *sandbox.Engine // Raw engine: validation, policy, health probes.
	Executor   sandbox.Executor
	Dispatcher *gateway.Dispatcher

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs the common initialization shared by serve, run,
// and mcp modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("creating workspace directories: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Scratch directories survive only a crash; clear them on boot.
	if err := ws.CleanScratch(); err != nil {
		logger.Warn("cleaning scratch directory", slog.String("error", err.Error()))
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Audit trail. Defaults to on; refusing to start on a trail error
	// beats running unrecorded.
	sc.Trail = audit.NopTrail{}
	if cfg.Audit.AuditEnabled() {
		path := ws.AuditLogPath()
		if cfg.Audit != nil && cfg.Audit.Path != "" {
			path = cfg.Audit.Path
		}
		trail, err := audit.NewJSONLTrail(path, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing audit trail: %w", err)
		}
		sc.Trail = trail
		sc.addCleanup(func() {
			if err := trail.Close(); err != nil {
				logger.Error("closing audit trail", slog.String("error", err.Error()))
			}
		})
		logger.Debug("audit trail initialized", slog.String("path", path))
	}

	// Sandbox engine.
	engine, err := sandbox.NewEngine(cfg.Policy.SandboxPolicy(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox engine: %w", err)
	}
	engine.WithScratchRoot(ws.ScratchDir())
	sc.Engine = engine
	logger.Debug("sandbox engine initialized",
		slog.Bool("enabled", engine.Policy().Enabled),
		slog.Bool("sandboxed", engine.Policy().Sandboxed),
		slog.Int("timeout_seconds", engine.Policy().TimeoutSeconds),
		slog.Int("max_memory_mb", engine.Policy().MaxMemoryMB),
	)

	var executor sandbox.Executor = engine
	if obs != nil && obs.Metrics != nil {
		executor = observability.NewInstrumentedExecutor(engine, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Executor = executor

	// Health checks. The engine probe uses the raw engine so probes
	// never enter metrics or the execution history.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("engine", observability.ExecutorCheck(engine))
		obs.Health.AddCheck("storage", store.Ping)
	}

	// Dispatcher: the single funnel every entry point submits through.
	sc.Dispatcher = gateway.NewDispatcher(executor, logger).
		WithTrail(sc.Trail).
		WithHistory(store.Executions())

	return sc, nil
}

// loadConfig reads the config file, falling back to built-in defaults
// when the default path does not exist. An explicitly given path that
// cannot be read is an error.
func loadConfig(path string) (*config.Config, error) {
	resolved := goutils.Env("NGOME_CONFIG", path)

	if resolved == config.DefaultConfigPath() {
		if _, err := os.Stat(resolved); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(resolved)
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.LogLevel() {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	// Logs always go to stderr: stdout belongs to run output and to the
	// MCP wire.
	var handler slog.Handler
	if cfg.Logging.LogFormat() == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// initWorkspace creates the workspace, resolving the root from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.Workspace)
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.DatabasePath()
	journalMode := ""

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	if pg == nil || pg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or NGOME_DB_DSN)")
	}

	db, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: pg.ConnMaxLifetime(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return db, nil
}
