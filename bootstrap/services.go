package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/najoast/stepwise/cnn"
	"github.com/najoast/stepwise/config"
	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/engine"
	"github.com/najoast/stepwise/store"
)

// Service names registered by the application.
const (
	ActorSystemName = "actor-system"
	SnapshotsName   = "snapshots"
	WatcherName     = "config-watcher"
)

// ActorSystemService owns the actor host
type ActorSystemService struct {
	logger          *slog.Logger
	shutdownTimeout time.Duration

	mutex  sync.RWMutex
	system core.ActorSystem
}

// NewActorSystemService creates the actor host service
func NewActorSystemService(cfg config.ActorConfig, logger *slog.Logger) *ActorSystemService {
	return &ActorSystemService{logger: logger, shutdownTimeout: cfg.ShutdownTimeout}
}

func (s *ActorSystemService) Name() string {
	return ActorSystemName
}

func (s *ActorSystemService) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.system == nil {
		s.system = core.NewActorSystem(s.logger)
	}
	return nil
}

func (s *ActorSystemService) Stop(ctx context.Context) error {
	s.mutex.Lock()
	system := s.system
	s.system = nil
	s.mutex.Unlock()

	if system == nil {
		return nil
	}
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	return system.Shutdown(ctx)
}

func (s *ActorSystemService) Health(ctx context.Context) (HealthStatus, error) {
	system := s.System()
	if system == nil {
		return HealthStatus{State: HealthStopped, Message: "actor system not running"}, nil
	}

	stats := system.Stats()
	queued := 0
	for _, st := range stats {
		queued += st.MailboxSize
	}
	return HealthStatus{
		State:   HealthHealthy,
		Message: "actor system running",
		Data: map[string]any{
			"actors": len(stats),
			"queued": queued,
		},
	}, nil
}

// System returns the running actor host, or nil before Start
func (s *ActorSystemService) System() core.ActorSystem {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.system
}

// SnapshotService saves the state of tracked actors periodically and once
// more when it stops
type SnapshotService struct {
	cfg    config.StoreConfig
	actors *ActorSystemService
	logger *slog.Logger

	mutex   sync.Mutex
	store   *store.FileStore
	targets []store.Target
	saved   int
	lastErr error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSnapshotService creates the snapshot service
func NewSnapshotService(cfg config.StoreConfig, actors *ActorSystemService, logger *slog.Logger) *SnapshotService {
	return &SnapshotService{
		cfg:    cfg,
		actors: actors,
		logger: logger.With("component", "snapshots"),
	}
}

func (s *SnapshotService) Name() string {
	return SnapshotsName
}

func (s *SnapshotService) Start(ctx context.Context) error {
	fs, err := store.NewFileStore(s.cfg.Dir, s.logger)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.store = fs
	if !s.cfg.Enabled {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)
	return nil
}

func (s *SnapshotService) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CaptureAll(ctx)
		}
	}
}

func (s *SnapshotService) Stop(ctx context.Context) error {
	s.mutex.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mutex.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	return s.CaptureAll(ctx)
}

func (s *SnapshotService) Health(ctx context.Context) (HealthStatus, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.store == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	status := HealthStatus{
		State: HealthHealthy,
		Data: map[string]any{
			"dir":     s.store.Dir(),
			"targets": len(s.targets),
			"saved":   s.saved,
		},
	}
	if !s.cfg.Enabled {
		status.Message = "periodic snapshots disabled"
	}
	if s.lastErr != nil {
		status.State = HealthUnhealthy
		status.Message = s.lastErr.Error()
	}
	return status, nil
}

// Store returns the snapshot store, or nil before Start
func (s *SnapshotService) Store() *store.FileStore {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.store
}

// Track adds an actor to the periodic snapshots
func (s *SnapshotService) Track(t store.Target) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, existing := range s.targets {
		if existing.Name == t.Name {
			return
		}
	}
	s.targets = append(s.targets, t)
}

// CaptureAll snapshots every tracked actor that is currently alive.
func (s *SnapshotService) CaptureAll(ctx context.Context) error {
	s.mutex.Lock()
	fs := s.store
	targets := append([]store.Target(nil), s.targets...)
	s.mutex.Unlock()

	system := s.actors.System()
	if fs == nil || system == nil {
		return nil
	}

	var errs []error
	saved := 0
	for _, t := range targets {
		snap, err := fs.Capture(ctx, system, t)
		if errors.Is(err, core.ErrActorNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("snapshot failed", "actor", t.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		saved++
		s.logger.Debug("snapshot saved", "actor", t.Name, "cursor", snap.Cursor.String())
	}

	err := errors.Join(errs...)
	s.mutex.Lock()
	s.saved += saved
	s.lastErr = err
	s.mutex.Unlock()
	return err
}

// WatcherService reloads the configuration file and pushes batch hint
// changes to the running cnn service
type WatcherService struct {
	file    string
	loader  *config.Loader
	actors  *ActorSystemService
	logger  *slog.Logger
	watcher *config.Watcher

	debounce time.Duration
	reloads  int
	mutex    sync.Mutex
}

// NewWatcherService creates a watcher for file
func NewWatcherService(file string, loader *config.Loader, actors *ActorSystemService, logger *slog.Logger) *WatcherService {
	return &WatcherService{
		file:     file,
		loader:   loader,
		actors:   actors,
		logger:   logger,
		debounce: config.DefaultDebounce,
	}
}

// SetDebounce changes the reload quiet period; call before Start
func (s *WatcherService) SetDebounce(d time.Duration) {
	s.debounce = d
}

func (s *WatcherService) Name() string {
	return WatcherName
}

func (s *WatcherService) Start(ctx context.Context) error {
	watcher, err := config.NewWatcher(s.file, s.loader, s.logger)
	if err != nil {
		return err
	}
	watcher.SetDebounce(s.debounce)
	watcher.OnConfigChange(s.onChange)
	if err := watcher.Start(); err != nil {
		return err
	}
	s.mutex.Lock()
	s.watcher = watcher
	s.mutex.Unlock()
	return nil
}

func (s *WatcherService) Stop(ctx context.Context) error {
	s.mutex.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mutex.Unlock()

	if watcher == nil {
		return nil
	}
	return watcher.Stop()
}

func (s *WatcherService) Health(ctx context.Context) (HealthStatus, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.watcher == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{
		State:   HealthHealthy,
		Message: "watching " + s.file,
		Data:    map[string]any{"reloads": s.reloads},
	}, nil
}

func (s *WatcherService) onChange(oldConfig, newConfig *config.Config) {
	s.mutex.Lock()
	s.reloads++
	s.mutex.Unlock()

	if maps.Equal(oldConfig.CNN.Hints, newConfig.CNN.Hints) {
		return
	}
	if err := s.pushHints(newConfig.CNN.Hints); err != nil {
		s.logger.Warn("batch hints not applied", "error", err)
		return
	}
	s.logger.Info("batch hints updated", "hints", newConfig.CNN.Hints)
}

func (s *WatcherService) pushHints(hints map[string]int) error {
	if _, err := cnn.HintsFromNames(hints); err != nil {
		return err
	}
	system := s.actors.System()
	if system == nil {
		return fmt.Errorf("service %s: %w", CNNServiceName, core.ErrSystemShutdown)
	}
	id, ok := system.Lookup(CNNServiceName)
	if !ok {
		return fmt.Errorf("service %s: %w", CNNServiceName, core.ErrActorNotFound)
	}
	data, err := engine.Encode(cnn.KindSetHints, cnn.SetHints{Hints: hints})
	if err != nil {
		return err
	}
	return system.Send(core.NoActor, id, data)
}
