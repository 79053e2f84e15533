package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/specialistvlad/cohortflow/internal/backend/factory"
	"github.com/specialistvlad/cohortflow/internal/config"
	"github.com/specialistvlad/cohortflow/internal/ctxlog"
	"github.com/specialistvlad/cohortflow/internal/executor"
	"github.com/specialistvlad/cohortflow/internal/metadata"
	"github.com/specialistvlad/cohortflow/internal/notify"
	"github.com/specialistvlad/cohortflow/internal/pipeline"
	"github.com/specialistvlad/cohortflow/internal/registry"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	model      *config.Model
	registry   *registry.Registry
	executor   *executor.Executor
	notifier   notify.Notifier
	events     *notify.Recorder
	pipeline   *pipeline.Pipeline
	httpServer *http.Server
}

// NewApp loads the pipeline configuration and wires every component. Close
// releases what it started.
func NewApp(outW io.Writer, cfg *Config, loader config.Loader) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug("Configuration loaded and translated into unified model.")

	backends, err := factory.All(model)
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	for name, tool := range model.Tools {
		if err := reg.Register(name, tool.Command, backends[tool.Backend]); err != nil {
			return nil, err
		}
	}
	reg.Freeze()
	logger.Debug("Tool registry frozen.", "tools", reg.Names())

	exec := executor.New(ctx, reg, executor.Options{
		CallbackWorkers: cfg.CallbackWorkers,
		CancelTimeout:   cfg.CancelTimeout,
	})

	a := &App{
		ctx:      ctx,
		outW:     outW,
		logger:   logger,
		config:   cfg,
		model:    model,
		registry: reg,
		executor: exec,
		events:   &notify.Recorder{},
	}
	a.notifier = notify.Fanout{a.events, a.dialNotifier()}

	a.pipeline, err = pipeline.New(pipeline.Options{
		Model:    model,
		Registry: reg,
		Executor: exec,
		Metadata: metadata.File{Path: model.Run.Metadata},
		Notifier: a.notifier,
		WorkDir:  cfg.WorkDir,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// dialNotifier connects to the configured notification endpoint.
// Notifications are best effort: an unreachable endpoint is logged and the
// run proceeds without it.
func (a *App) dialNotifier() notify.Notifier {
	if a.model.Notify == nil {
		return notify.Nop{}
	}
	n, err := notify.DialSocketIO(a.ctx, a.model.Notify.URL, a.model.Notify.Namespace)
	if err != nil {
		a.logger.Warn("Notification endpoint unreachable, continuing without it.", "url", a.model.Notify.URL, "error", err)
		return notify.Nop{}
	}
	return n
}

// Registry returns the application's tool registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Events returns every notification emitted so far.
func (a *App) Events() []notify.Event {
	return a.events.Events()
}

// Close stops the executor, the notifier and the health check server.
func (a *App) Close() error {
	a.executor.Close()
	err := a.notifier.Close()
	if herr := a.closeHealthCheckServer(); herr != nil && err == nil {
		err = herr
	}
	return err
}
