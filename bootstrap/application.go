package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/najoast/stepwise/config"
	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/store"
)

// Job is the work an application runs between start and shutdown
type Job func(ctx context.Context, app *Application) error

// Application wires configuration, logging and the managed services
type Application struct {
	// config holds the application configuration
	config *config.Config
	logger *slog.Logger

	// lifecycle manages service lifecycles
	lifecycle *DefaultLifecycleManager

	actors    *ActorSystemService
	snapshots *SnapshotService
	watcher   *WatcherService

	// mutex protects running
	mutex   sync.Mutex
	running bool
}

// Config returns the configuration the application was built with
func (app *Application) Config() *config.Config {
	return app.config
}

// Logger returns the application logger
func (app *Application) Logger() *slog.Logger {
	return app.logger
}

// LifecycleManager returns the lifecycle manager
func (app *Application) LifecycleManager() LifecycleManager {
	return app.lifecycle
}

// System returns the actor host, or nil while the application is stopped
func (app *Application) System() core.ActorSystem {
	return app.actors.System()
}

// Store returns the snapshot store, or nil while the application is stopped
func (app *Application) Store() *store.FileStore {
	return app.snapshots.Store()
}

// Snapshots returns the snapshot service
func (app *Application) Snapshots() *SnapshotService {
	return app.snapshots
}

// ActorOptions returns actor options derived from the configuration
func (app *Application) ActorOptions(name string) core.ActorOptions {
	return core.ActorOptions{
		Name:           name,
		MailboxSize:    app.config.Actor.MailboxSize,
		ProcessTimeout: app.config.Actor.ProcessTimeout,
		Quantum:        app.config.Actor.Quantum,
	}
}

// Start starts all services in dependency order
func (app *Application) Start(ctx context.Context) error {
	app.mutex.Lock()
	defer app.mutex.Unlock()

	if app.running {
		return fmt.Errorf("application is already running")
	}
	if err := app.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}
	app.running = true
	app.logger.Info("application started", "name", app.config.App.Name, "version", app.config.App.Version)
	return nil
}

// Stop stops all services in reverse order
func (app *Application) Stop(ctx context.Context) error {
	app.mutex.Lock()
	defer app.mutex.Unlock()

	if !app.running {
		return nil
	}
	app.running = false
	if err := app.lifecycle.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop services: %w", err)
	}
	app.logger.Info("application stopped")
	return nil
}

// Run starts the application, runs job until it returns or a shutdown
// signal arrives, then stops the application.
func (app *Application) Run(ctx context.Context, job Job) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}

	jobCtx := ctx
	if d := app.config.Batch.Deadline; d > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	jobErr := job(jobCtx, app)
	if ctx.Err() != nil {
		app.logger.Info("shutdown signal received")
	}

	// ctx may already be cancelled by a signal
	stopErr := app.Stop(context.WithoutCancel(ctx))
	return errors.Join(jobErr, stopErr)
}

// ApplicationBuilder helps build and configure applications
type ApplicationBuilder struct {
	config     *config.Config
	configFile string
	loader     *config.Loader
	logger     *slog.Logger
	services   []serviceEntry
}

type serviceEntry struct {
	service Service
	deps    []string
}

// NewApplicationBuilder creates a new application builder
func NewApplicationBuilder() *ApplicationBuilder {
	return &ApplicationBuilder{}
}

// WithConfig sets the configuration
func (b *ApplicationBuilder) WithConfig(cfg *config.Config) *ApplicationBuilder {
	b.config = cfg
	return b
}

// WithConfigFile watches filename for batch hint changes, using loader to
// parse it
func (b *ApplicationBuilder) WithConfigFile(filename string, loader *config.Loader) *ApplicationBuilder {
	b.configFile = filename
	b.loader = loader
	return b
}

// WithLogger sets the logger
func (b *ApplicationBuilder) WithLogger(logger *slog.Logger) *ApplicationBuilder {
	b.logger = logger
	return b
}

// WithService registers an extra service
func (b *ApplicationBuilder) WithService(service Service, deps ...string) *ApplicationBuilder {
	b.services = append(b.services, serviceEntry{service: service, deps: deps})
	return b
}

// Build builds the configured application
func (b *ApplicationBuilder) Build() (*Application, error) {
	cfg := b.config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	app := &Application{
		config:    cfg,
		logger:    logger,
		lifecycle: NewLifecycleManager(logger),
	}
	app.actors = NewActorSystemService(cfg.Actor, logger)
	app.snapshots = NewSnapshotService(cfg.Store, app.actors, logger)

	if err := app.lifecycle.Register(app.actors); err != nil {
		return nil, err
	}
	if err := app.lifecycle.Register(app.snapshots, ActorSystemName); err != nil {
		return nil, err
	}
	if b.configFile != "" {
		loader := b.loader
		if loader == nil {
			loader = config.NewLoader()
		}
		app.watcher = NewWatcherService(b.configFile, loader, app.actors, logger)
		if err := app.lifecycle.Register(app.watcher, ActorSystemName); err != nil {
			return nil, err
		}
	}
	for _, e := range b.services {
		if err := app.lifecycle.Register(e.service, e.deps...); err != nil {
			return nil, err
		}
	}
	return app, nil
}
