package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deepshell/deepshell/pkg/budget"
	cachesqlite "github.com/deepshell/deepshell/pkg/cache/sqlite"
	"github.com/deepshell/deepshell/pkg/config"
	"github.com/deepshell/deepshell/pkg/dispatch"
	"github.com/deepshell/deepshell/pkg/engine"
	"github.com/deepshell/deepshell/pkg/persona"
	"github.com/deepshell/deepshell/pkg/provider"
	"github.com/deepshell/deepshell/pkg/session"
	"github.com/deepshell/deepshell/pkg/store"
	"github.com/deepshell/deepshell/pkg/tracker"
)

// app holds everything one invocation needs.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	logger   *zap.Logger
	personas *persona.Resolver
	eng      *engine.Engine
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func newApp(ctx context.Context, configPath string, verbose bool) (*app, error) {
	logger, err := newLogger(verbose)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := store.Open(store.Path(cfg.DataDir))
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	cache, err := cachesqlite.New(db, cachesqlite.Limits{Stateless: cfg.CacheLength, Chat: cfg.ChatCacheLength}, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	sessions, err := session.New(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init sessions: %w", err)
	}
	tr, err := tracker.New(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init tracker: %w", err)
	}

	tools, err := provider.LoadTools(cfg.FunctionsPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	// A missing key only matters once a request needs the provider, so
	// management commands keep working without one.
	var d *dispatch.Dispatcher
	client, clientErr := provider.New(ctx, cfg.Provider, provider.Options{
		APIKey:  cfg.APIKey(cfg.Provider),
		BaseURL: cfg.BaseURL(cfg.Provider),
		Timeout: cfg.RequestTimeout,
		Tools:   tools,
		Logger:  logger,
	})
	if clientErr == nil {
		d = dispatch.New(client, dispatch.Policy{
			MaxAttempts: cfg.MaxRetries,
			Backoff:     dispatch.Backoff{Base: cfg.RetryDelay, Max: 30 * time.Second, Jitter: 0.25},
			Timeout:     cfg.RequestTimeout,
		}, logger)
	} else {
		logger.Debug("provider client unavailable", zap.Error(clientErr))
	}

	personas := persona.NewResolver(filepath.Join(cfg.DataDir, "personas"))
	eng := engine.New(cfg, engine.Deps{
		Personas:   personas,
		Cache:      cache,
		Sessions:   sessions,
		Tracker:    tr,
		Budget:     budget.New(cfg.Budgets, tr),
		Dispatcher: d,
		ClientErr:  clientErr,
		Env:        detectEnv(),
		Logger:     logger,
	})

	return &app{cfg: cfg, db: db, logger: logger, personas: personas, eng: eng}, nil
}

func (a *app) Close() error {
	_ = a.logger.Sync()
	return a.db.Close()
}

// markdown reports whether answers for personaID go through the
// markdown renderer.
func (a *app) markdown(personaID string) bool {
	if !a.cfg.PrettifyMarkdown {
		return false
	}
	p, err := a.personas.Resolve(personaID)
	return err == nil && p.Markdown
}

func detectEnv() persona.Env {
	env := persona.Env{OS: runtime.GOOS, Shell: filepath.Base(os.Getenv("SHELL"))}
	switch runtime.GOOS {
	case "darwin":
		env.OS = "macOS"
	case "linux":
		env.OS = "Linux"
	case "windows":
		env.OS = "Windows"
		if env.Shell == "." {
			env.Shell = "powershell.exe"
		}
	}
	if env.Shell == "." || env.Shell == "" {
		env.Shell = "sh"
	}
	return env
}
