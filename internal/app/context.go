package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"addie/internal/config"
	"addie/internal/db"
	"addie/internal/engine"
	"addie/internal/migrate"
	"addie/internal/telemetry"
)

// Options select the workspace and override logging from the command line.
type Options struct {
	Workspace string
	LogLevel  string
	// Quiet replaces the configured logger with a no-op logger.
	Quiet bool
}

// Runtime is an opened workspace with everything a command needs.
type Runtime struct {
	DB       *sql.DB
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Engine   engine.Engine
}

// Open prepares the workspace directory, migrates the database and wires an
// engine from addie.yml (or the defaults when the file is absent).
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	logger := zap.NewNop()
	if !opts.Quiet {
		logger, err = telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
		if err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)
	logger.Debug("workspace opened", zap.String("workspace", opts.Workspace), zap.String("db", db.Path(opts.Workspace)))
	return &Runtime{
		DB:       conn,
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Engine:   engine.New(conn, cfg, logger, metrics),
	}, nil
}

// Close flushes the logger and closes the database.
func (r *Runtime) Close() error {
	_ = r.Logger.Sync()
	return r.DB.Close()
}
