// Package cmd implements the paramstrip subcommands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/paramstrip/internal/config"
	"grimm.is/paramstrip/internal/engine"
	"grimm.is/paramstrip/internal/events"
	"grimm.is/paramstrip/internal/i18n"
	"grimm.is/paramstrip/internal/logging"
	"grimm.is/paramstrip/internal/metrics"
	"grimm.is/paramstrip/internal/rulestore"
	"grimm.is/paramstrip/internal/rulesync"
	"grimm.is/paramstrip/internal/state"
)

// Printer is the localized printer for command output.
var Printer = i18n.NewCLIPrinter()

// Stdout receives command output. Tests replace it.
var Stdout io.Writer = os.Stdout

// App is the wired synchronizer stack for one command invocation.
type App struct {
	Config   *config.Config
	Logger   *logging.Logger
	State    *state.SQLiteStore
	Engine   *engine.Adapter
	Rules    *rulestore.Store
	Sync     *rulesync.Synchronizer
	Events   *events.Hub
	Metrics  *metrics.Registry
	Registry *prometheus.Registry
}

// Open loads configFile and wires the state store, engine and synchronizer.
func Open(configFile string) (*App, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(cfg.LoggerConfig())
	logging.SetDefault(logger)

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	st, err := state.NewSQLiteStore(state.DefaultOptions(cfg.StatePath()))
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	var backend engine.Backend
	switch cfg.Engine.Backend {
	case config.BackendMemory:
		backend = engine.NewMemoryBackend(cfg.Engine.MaxRules)
	default:
		sb, err := engine.NewStateBackend(st, cfg.Engine.MaxRules)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to open engine: %w", err)
		}
		backend = sb
	}

	store, err := rulestore.New(st, logger.WithComponent("rulestore"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open rule store: %w", err)
	}

	opts, err := cfg.SyncOptions()
	if err != nil {
		st.Close()
		return nil, err
	}
	reg := prometheus.NewRegistry()
	hub := events.NewHub()
	opts.Logger = logger.WithComponent("rulesync")
	opts.Events = hub
	opts.Metrics = metrics.NewRegistry(reg)

	adapter := engine.NewAdapter(backend, logger.WithComponent("engine"))
	return &App{
		Config:   cfg,
		Logger:   logger,
		State:    st,
		Engine:   adapter,
		Rules:    store,
		Sync:     rulesync.New(store, adapter, opts),
		Events:   hub,
		Metrics:  opts.Metrics,
		Registry: reg,
	}, nil
}

// Close releases the state store.
func (a *App) Close() error {
	return a.State.Close()
}

// withApp opens the stack, runs fn and closes it again.
func withApp(configFile string, fn func(*App) error) error {
	app, err := Open(configFile)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}
