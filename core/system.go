package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// idlePollInterval is how often WaitIdle samples the in-flight counter.
const idlePollInterval = 2 * time.Millisecond

// system implements the ActorSystem interface.
type system struct {
	router *router
	logger *slog.Logger
	mu     sync.RWMutex

	// Messages queued or being processed across all actors
	inflight int64

	// System shutdown context
	ctx    context.Context
	cancel context.CancelFunc
}

// NewActorSystem creates a new ActorSystem instance. A nil logger selects
// slog.Default().
func NewActorSystem(logger *slog.Logger) ActorSystem {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = slog.Default()
	}

	return &system{
		router: &router{},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewActor creates, registers and starts a new Actor.
func (s *system) NewActor(handler MessageHandler, opts ActorOptions) (Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.spawn(handler, opts)
}

// NewService creates an Actor reachable by name.
func (s *system) NewService(name string, handler MessageHandler, opts ActorOptions) (Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Name == "" {
		opts.Name = name
	}

	actor, err := s.spawn(handler, opts)
	if err != nil {
		return nil, err
	}

	if err := s.router.RegisterName(name, actor.ID()); err != nil {
		// Rollback router registration
		_ = s.router.Unregister(actor.ID())
		_ = actor.Stop()
		return nil, fmt.Errorf("failed to register service: %w", err)
	}

	return actor, nil
}

func (s *system) spawn(handler MessageHandler, opts ActorOptions) (*actor, error) {
	// Check if system is shutting down
	select {
	case <-s.ctx.Done():
		return nil, ErrSystemShutdown
	default:
	}

	if handler == nil {
		return nil, fmt.Errorf("actor handler cannot be nil")
	}

	// Apply default options if needed
	if opts.MailboxSize == 0 {
		defaults := DefaultActorOptions()
		defaults.Name = opts.Name
		defaults.Logger = opts.Logger
		if opts.Quantum != 0 {
			defaults.Quantum = opts.Quantum
		}
		if opts.ProcessTimeout != 0 {
			defaults.ProcessTimeout = opts.ProcessTimeout
		}
		opts = defaults
	}
	if opts.Logger == nil {
		opts.Logger = s.logger
	}

	id := s.router.nextID()
	a := newActor(id, handler, opts, s.router, &s.inflight)

	if err := s.router.Register(a); err != nil {
		return nil, fmt.Errorf("failed to register actor: %w", err)
	}

	if err := a.Start(s.ctx); err != nil {
		_ = s.router.Unregister(id)
		return nil, err
	}

	s.logger.Debug("actor started", "actor", uint32(id), "name", opts.Name, "quantum", opts.Quantum)

	return a, nil
}

// GetActor retrieves an Actor by its ID.
func (s *system) GetActor(id ActorID) (Actor, bool) {
	return s.router.Lookup(id)
}

// Lookup resolves a service name.
func (s *system) Lookup(name string) (ActorID, bool) {
	return s.router.LookupName(name)
}

// Send delivers data to an Actor without waiting.
func (s *system) Send(from, to ActorID, data []byte) error {
	msg := &Message{
		Type:      MessageTypeTell,
		Source:    from,
		Target:    to,
		Data:      data,
		Timestamp: time.Now(),
	}

	return s.router.Route(msg)
}

// Call delivers a request and waits for the reply data.
func (s *system) Call(ctx context.Context, to ActorID, data []byte) ([]byte, error) {
	target, exists := s.router.Lookup(to)
	if !exists {
		return nil, fmt.Errorf("target actor %d: %w", to, ErrActorNotFound)
	}

	msg := &Message{
		Source:    NoActor,
		Target:    to,
		Data:      data,
		Timestamp: time.Now(),
	}

	resp, err := target.Call(ctx, msg)
	if err != nil {
		return nil, err
	}

	if resp.Type == MessageTypeError {
		return nil, fmt.Errorf("actor %d: %w: %s", to, ErrRemote, resp.Data)
	}

	return resp.Data, nil
}

// WaitIdle blocks until no message is queued or being processed.
func (s *system) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&s.inflight) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown gracefully stops all Actors in the system.
func (s *system) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Signal shutdown
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, id := range s.router.List() {
			if actor, exists := s.router.Lookup(id); exists {
				if err := actor.Stop(); err != nil {
					s.logger.Warn("actor stop failed", "actor", uint32(id), "error", err)
				}
			}
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns statistics for all Actors.
func (s *system) Stats() []ActorStats {
	var stats []ActorStats

	actorIDs := s.router.List()
	for _, id := range actorIDs {
		if actor, exists := s.router.Lookup(id); exists {
			stats = append(stats, actor.Stats())
		}
	}

	return stats
}
