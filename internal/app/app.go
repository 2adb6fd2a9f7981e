// Package app wires configuration into a running engine: database, generator
// backend, analyzer, notification fan-out, logging and telemetry.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"livestory/internal/analyze"
	"livestory/internal/config"
	"livestory/internal/db"
	"livestory/internal/engine"
	"livestory/internal/generator"
	"livestory/internal/generator/claude"
	"livestory/internal/generator/gemini"
	"livestory/internal/generator/httpgen"
	"livestory/internal/migrate"
	"livestory/internal/notify"
	"livestory/internal/repo"
	"livestory/internal/telemetry"
)

// Version is reported in telemetry resources and the CLI.
var Version = "dev"

// App is a fully wired engine plus the resources it owns.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Engine   engine.Engine
	Logger   *slog.Logger
	Hub      *notify.Hub
	Redis    *notify.RedisBroker
	Webhooks *notify.WebhookPublisher
	// Subscriber is Redis when configured so that every instance sees every
	// commit, else the in-process hub.
	Subscriber notify.Subscriber

	shutdownTelemetry telemetry.ShutdownFunc
}

type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Generator overrides the configured backend.
	Generator generator.Generator
	// TelemetryWriter receives exported spans and metrics when enabled.
	TelemetryWriter io.Writer
}

// Build opens the workspace database, runs migrations and assembles the
// engine. Callers must Close the returned App.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg, os.Stderr)
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "livestory",
		ServiceVersion: Version,
		Writer:         opts.TelemetryWriter,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	conn, err := db.Open(db.Config{Workspace: cfg.Storage.Workspace})
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{Config: cfg, DB: conn, Logger: logger, Hub: notify.NewHub(), shutdownTelemetry: shutdown}
	gen := opts.Generator
	if gen == nil {
		gen, err = NewGenerator(ctx, cfg.Generator)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	publishers := notify.Multi{a.Hub}
	a.Subscriber = a.Hub
	if strings.TrimSpace(cfg.Notify.RedisURL) != "" {
		broker, err := notify.NewRedisBroker(cfg.Notify.RedisURL, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = broker
		a.Subscriber = broker
		publishers = append(publishers, broker)
	}
	if hooks := notify.NewWebhookPublisher(cfg.Notify.Webhooks, logger); hooks.Enabled() {
		a.Webhooks = hooks
		publishers = append(publishers, hooks)
	}

	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Publisher = publishers
	e.Analyzer = analyze.New(e.Repo, gen, analyze.RiskPolicy{
		HighFieldCount:   cfg.Risk.HighFieldCount,
		MediumFieldCount: cfg.Risk.MediumFieldCount,
	}, cfg.Generator.Timeout(), logger)
	a.Engine = e
	logger.Debug("engine ready", "workspace", cfg.Storage.Workspace, "generator", cfg.Generator.Backend, "redis", a.Redis != nil)
	return a, nil
}

// Run starts background workers until ctx is done.
func (a *App) Run(ctx context.Context) {
	if a.Webhooks != nil {
		a.Webhooks.Run(ctx)
	}
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.shutdownTelemetry != nil {
		errs = append(errs, a.shutdownTelemetry(context.Background()))
	}
	return errors.Join(errs...)
}

// NewGenerator builds the configured content generator backend.
func NewGenerator(ctx context.Context, cfg config.GeneratorConfig) (generator.Generator, error) {
	switch cfg.Backend {
	case "", "none":
		return generator.Disabled{}, nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("generator.url is required for the http backend")
		}
		return httpgen.New(cfg.URL, cfg.APIKey(), cfg.MaxRetries), nil
	case "gemini":
		return gemini.NewFromAPIKey(ctx, cfg.APIKey(), cfg.Model)
	case "anthropic":
		return claude.NewFromAPIKey(cfg.APIKey(), cfg.Model)
	default:
		return nil, fmt.Errorf("unknown generator backend %q", cfg.Backend)
	}
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// ResolveProject picks the project to operate on: the override when set,
// otherwise the only project in the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	switch len(projects) {
	case 1:
		return projects[0].ID, nil
	case 0:
		return "", errors.New("no project yet; use --project")
	default:
		return "", fmt.Errorf("%d projects in workspace; use --project", len(projects))
	}
}
