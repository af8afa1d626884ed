package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/machina/internal/agent"
	"github.com/rendis/machina/internal/definition"
	"github.com/rendis/machina/internal/engine"
	"github.com/rendis/machina/internal/expressions"
	"github.com/rendis/machina/internal/logging"
	"github.com/rendis/machina/internal/notify"
	"github.com/rendis/machina/internal/store"
)

// app is the wired object graph behind every command.
type app struct {
	cfg         Config
	logger      *slog.Logger
	loader      *definition.Loader
	registry    *definition.Registry
	store       store.Store // nil when no database is opened
	hub         notify.Hub
	coordinator *engine.Coordinator
}

// buildApp wires the object graph. withStore controls whether the libSQL
// database is opened; read-only commands like validate skip it.
func buildApp(ctx context.Context, cfg Config, withStore bool) (*app, error) {
	logger := newLogger(cfg.LogLevel)

	loader, err := definition.NewLoader()
	if err != nil {
		return nil, fmt.Errorf("init loader: %w", err)
	}
	registry := definition.NewRegistry()

	a := &app{
		cfg:      cfg,
		logger:   logger,
		loader:   loader,
		registry: registry,
	}

	if withStore && cfg.DBPath != "" {
		if mkErr := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create data dir: %w", mkErr)
		}
		st, openErr := store.NewLibSQLStore(dbURI(cfg.DBPath))
		if openErr != nil {
			return nil, fmt.Errorf("open store: %w", openErr)
		}
		if migErr := st.Migrate(ctx); migErr != nil {
			st.Close()
			return nil, fmt.Errorf("migrate store: %w", migErr)
		}
		a.store = st
		a.loadStoredDefinitions(ctx)
	}

	a.loadDefinitionDir()

	ev, err := expressions.NewEvaluator()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init expressions: %w", err)
	}

	hub := notify.NewMemoryHub()
	a.hub = hub

	a.coordinator = engine.NewCoordinator(
		engine.Config{
			MaxCycles:       cfg.MaxCycles,
			MaxNestingDepth: cfg.MaxNestingDepth,
			Workdir:         cfg.Workdir,
			ShellTimeout:    cfg.shellTimeout(),
		},
		engine.Deps{
			Evaluator:   ev,
			Agent:       newAgentBackend(cfg),
			Emitter:     notify.NewEmitter(hub, logger),
			Definitions: registry,
			Logger:      logger,
		},
		a.store,
	)
	return a, nil
}

// Close releases the app's resources.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", slog.String("error", err.Error()))
		}
	}
}

// loadStoredDefinitions registers definitions persisted via machina.define.
// Individual failures are logged and skipped, not fatal.
func (a *app) loadStoredDefinitions(ctx context.Context) {
	recs, err := a.store.ListDefinitions(ctx)
	if err != nil {
		a.logger.Warn("list stored definitions failed", slog.String("error", err.Error()))
		return
	}
	for _, rec := range recs {
		def, loadErr := a.loader.Load([]byte(rec.Source), rec.Name+"."+rec.Format)
		if loadErr != nil {
			a.logger.Warn("stored definition is invalid",
				slog.String("name", rec.Name),
				slog.String("error", loadErr.Error()))
			continue
		}
		if regErr := a.registry.Register(def); regErr != nil {
			a.logger.Warn("stored definition rejected",
				slog.String("name", rec.Name),
				slog.String("error", regErr.Error()))
		}
	}
}

// loadDefinitionDir registers workflow files from the configured directory.
// Files on disk win over stored definitions of the same name.
func (a *app) loadDefinitionDir() {
	if a.cfg.DefinitionsDir == "" {
		return
	}
	if _, err := os.Stat(a.cfg.DefinitionsDir); err != nil {
		return
	}
	defs, err := a.loader.LoadDir(a.cfg.DefinitionsDir)
	if err != nil {
		a.logger.Warn("load definitions dir failed",
			slog.String("dir", a.cfg.DefinitionsDir),
			slog.String("error", err.Error()))
		return
	}
	for _, def := range defs {
		if regErr := a.registry.Register(def); regErr != nil {
			a.logger.Warn("definition rejected",
				slog.String("name", def.Name),
				slog.String("error", regErr.Error()))
		}
	}
}

// dbURI turns a filesystem path into the file: URI the libsql driver wants.
func dbURI(path string) string {
	if strings.Contains(path, ":") {
		return path
	}
	return "file:" + path
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func newAgentBackend(cfg Config) agent.Executor {
	switch cfg.AgentBackend {
	case agent.BackendRemote:
		if len(cfg.AgentCommand) == 0 {
			return nil
		}
		return agent.NewRemoteBackend(agent.RemoteConfig{
			Command:  cfg.AgentCommand[0],
			Args:     cfg.AgentCommand[1:],
			ToolName: cfg.AgentTool,
		})
	case agent.BackendLocal:
		lc := agent.LocalConfig{
			ModelPath:   cfg.ModelPath,
			BaseURL:     cfg.ModelBaseURL,
			ContextSize: cfg.ModelCtxSize,
		}
		if len(cfg.ModelServer) > 0 {
			lc.ServerCommand = cfg.ModelServer[0]
			lc.ServerArgs = cfg.ModelServer[1:]
		}
		if len(cfg.ToolsCommand) > 0 {
			lc.ToolsCommand = cfg.ToolsCommand[0]
			lc.ToolsArgs = cfg.ToolsCommand[1:]
		}
		return agent.NewLocalBackend(lc)
	default:
		return nil
	}
}
