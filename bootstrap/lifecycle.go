package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultLifecycleManager implements the LifecycleManager interface
type DefaultLifecycleManager struct {
	// services holds all registered services
	services map[string]Service

	// dependencies tracks service dependencies
	dependencies map[string][]string

	// startOrder tracks the order services were started
	startOrder []string

	mutex   sync.Mutex
	started bool

	// listeners for lifecycle events, called synchronously
	listeners []func(LifecycleEvent)

	// timeout for each service operation
	timeout time.Duration

	logger *slog.Logger
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(logger *slog.Logger) *DefaultLifecycleManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultLifecycleManager{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      30 * time.Second,
		logger:       logger.With("component", "lifecycle"),
	}
}

// SetTimeout sets the timeout for each service operation
func (lm *DefaultLifecycleManager) SetTimeout(timeout time.Duration) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.timeout = timeout
}

// Register registers a service with the lifecycle manager
func (lm *DefaultLifecycleManager) Register(service Service, deps ...string) error {
	if service == nil || service.Name() == "" {
		return fmt.Errorf("service must be non-nil and named")
	}
	name := service.Name()

	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.started {
		return fmt.Errorf("cannot register service %s: lifecycle manager already started", name)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	lm.services[name] = service
	lm.dependencies[name] = deps
	lm.emit(LifecycleEvent{Type: EventRegistered, Service: name})
	return nil
}

// Start starts all services in dependency order. If one fails, the
// services already started are stopped again.
func (lm *DefaultLifecycleManager) Start(ctx context.Context) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.started {
		return fmt.Errorf("lifecycle manager already started")
	}

	order, err := lm.calculateStartOrder()
	if err != nil {
		return &ApplicationError{Operation: "start", Err: err}
	}

	for _, name := range order {
		lm.emit(LifecycleEvent{Type: EventStarting, Service: name})

		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Start(startCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: EventStartFailed, Service: name, Err: err})
			rollback := lm.stopStarted(ctx)
			return errors.Join(&ApplicationError{Operation: "start", Service: name, Err: err}, rollback)
		}
		lm.startOrder = append(lm.startOrder, name)
		lm.emit(LifecycleEvent{Type: EventStarted, Service: name})
	}

	lm.started = true
	lm.emit(LifecycleEvent{Type: EventAllStarted})
	return nil
}

// Stop stops all started services in reverse order
func (lm *DefaultLifecycleManager) Stop(ctx context.Context) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if !lm.started {
		return nil
	}
	err := lm.stopStarted(ctx)
	lm.started = false
	lm.emit(LifecycleEvent{Type: EventAllStopped})
	return err
}

func (lm *DefaultLifecycleManager) stopStarted(ctx context.Context) error {
	var errs []error
	for i := len(lm.startOrder) - 1; i >= 0; i-- {
		name := lm.startOrder[i]
		lm.emit(LifecycleEvent{Type: EventStopping, Service: name})

		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Stop(stopCtx)
		cancel()

		if err != nil {
			errs = append(errs, &ApplicationError{Operation: "stop", Service: name, Err: err})
			lm.emit(LifecycleEvent{Type: EventStopFailed, Service: name, Err: err})
			continue
		}
		lm.emit(LifecycleEvent{Type: EventStopped, Service: name})
	}
	lm.startOrder = nil
	return errors.Join(errs...)
}

// Health returns the health status of all services
func (lm *DefaultLifecycleManager) Health(ctx context.Context) map[string]HealthStatus {
	lm.mutex.Lock()
	services := make(map[string]Service, len(lm.services))
	for name, s := range lm.services {
		services[name] = s
	}
	lm.mutex.Unlock()

	health := make(map[string]HealthStatus, len(services))
	for name, service := range services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()
		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		health[name] = status
	}
	return health
}

// Services returns all registered service names
func (lm *DefaultLifecycleManager) Services() []string {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddListener adds a lifecycle event listener
func (lm *DefaultLifecycleManager) AddListener(listener func(LifecycleEvent)) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.listeners = append(lm.listeners, listener)
}

// calculateStartOrder orders services so that dependencies come first.
// Ties are broken by name.
func (lm *DefaultLifecycleManager) calculateStartOrder() ([]string, error) {
	inDegree := make(map[string]int, len(lm.services))
	dependents := make(map[string][]string, len(lm.services))
	for name := range lm.services {
		inDegree[name] = 0
	}
	for name, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, exists := lm.services[dep]; !exists {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, name)
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		for _, d := range dependents[current] {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(lm.services) {
		return nil, fmt.Errorf("circular dependency detected")
	}
	return order, nil
}

// emit logs event and hands it to the listeners. Listener panics are
// logged and otherwise ignored.
func (lm *DefaultLifecycleManager) emit(event LifecycleEvent) {
	event.Timestamp = time.Now()
	if event.Err != nil {
		lm.logger.Error(string(event.Type), "service", event.Service, "error", event.Err)
	} else {
		lm.logger.Debug(string(event.Type), "service", event.Service)
	}

	for _, listener := range lm.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lm.logger.Error("lifecycle listener panicked", "panic", r)
				}
			}()
			listener(event)
		}()
	}
}
