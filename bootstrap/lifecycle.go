package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lifecycle starts services in dependency order and stops them in reverse
type Lifecycle struct {
	// services holds all registered services
	services map[string]Service

	// dependencies tracks service dependencies
	dependencies map[string][]string

	// registration order, used to keep the start order stable
	order []string

	// startOrder tracks the services that were started
	startOrder []string

	// listeners for lifecycle events
	listeners []func(LifecycleEvent)

	// timeout for each Start and Stop call
	timeout time.Duration

	logger zerolog.Logger
	mutex  sync.RWMutex
}

// NewLifecycle creates an empty lifecycle
func NewLifecycle(logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      30 * time.Second,
		logger:       logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Register adds a service that starts after deps
func (lm *Lifecycle) Register(service Service, deps ...string) error {
	if service == nil {
		return fmt.Errorf("service cannot be nil")
	}
	name := service.Name()
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if len(lm.startOrder) > 0 {
		return fmt.Errorf("cannot register service %s: lifecycle already started", name)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	lm.services[name] = service
	lm.dependencies[name] = deps
	lm.order = append(lm.order, name)
	return nil
}

// SetTimeout sets the timeout for service operations
func (lm *Lifecycle) SetTimeout(timeout time.Duration) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.timeout = timeout
}

// AddListener adds a lifecycle event listener
func (lm *Lifecycle) AddListener(listener func(LifecycleEvent)) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.listeners = append(lm.listeners, listener)
}

// Start starts all services in dependency order. When one fails, the
// services already started are stopped again.
func (lm *Lifecycle) Start(ctx context.Context) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if len(lm.startOrder) > 0 {
		return fmt.Errorf("lifecycle already started")
	}

	order, err := lm.calculateStartOrder()
	if err != nil {
		return &ApplicationError{Operation: "start", Err: err}
	}

	for _, name := range order {
		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Start(startCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: EventServiceStartFailed, Service: name, Timestamp: time.Now(), Error: err})
			lm.stopStarted(ctx)
			return &ApplicationError{Operation: "start", Service: name, Err: err}
		}

		lm.startOrder = append(lm.startOrder, name)
		lm.emit(LifecycleEvent{Type: EventServiceStarted, Service: name, Timestamp: time.Now()})
	}
	return nil
}

// Stop stops all started services in reverse order
func (lm *Lifecycle) Stop(ctx context.Context) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.stopStarted(ctx)
}

func (lm *Lifecycle) stopStarted(ctx context.Context) error {
	var errs []error
	for i := len(lm.startOrder) - 1; i >= 0; i-- {
		name := lm.startOrder[i]

		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Stop(stopCtx)
		cancel()

		if err != nil {
			errs = append(errs, &ApplicationError{Operation: "stop", Service: name, Err: err})
			lm.emit(LifecycleEvent{Type: EventServiceStopFailed, Service: name, Timestamp: time.Now(), Error: err})
			continue
		}
		lm.emit(LifecycleEvent{Type: EventServiceStopped, Service: name, Timestamp: time.Now()})
	}
	lm.startOrder = nil
	return errors.Join(errs...)
}

// Started reports whether Start succeeded without a later Stop
func (lm *Lifecycle) Started() bool {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()
	return len(lm.startOrder) > 0
}

// Health returns the health status of all services
func (lm *Lifecycle) Health(ctx context.Context) map[string]HealthStatus {
	lm.mutex.RLock()
	services := make(map[string]Service, len(lm.services))
	for name, s := range lm.services {
		services[name] = s
	}
	lm.mutex.RUnlock()

	health := make(map[string]HealthStatus, len(services))
	for name, service := range services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		if status.LastCheck.IsZero() {
			status.LastCheck = time.Now()
		}
		health[name] = status
	}
	return health
}

// Services returns all registered service names
func (lm *Lifecycle) Services() []string {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// calculateStartOrder topologically sorts the services (Kahn's algorithm),
// taking ready services in registration order.
func (lm *Lifecycle) calculateStartOrder() ([]string, error) {
	inDegree := make(map[string]int, len(lm.services))
	dependents := make(map[string][]string, len(lm.services))

	for _, name := range lm.order {
		for _, dep := range lm.dependencies[name] {
			if _, exists := lm.services[dep]; !exists {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, name)
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var queue []string
	for _, name := range lm.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	result := make([]string, 0, len(lm.order))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(lm.order) {
		return nil, fmt.Errorf("circular dependency detected")
	}
	return result, nil
}

// emit logs ev and hands it to the listeners. Called with the lock held.
func (lm *Lifecycle) emit(ev LifecycleEvent) {
	entry := lm.logger.Debug()
	if ev.Error != nil {
		entry = lm.logger.Error().Err(ev.Error)
	}
	entry.Str("service", ev.Service).Msg(ev.Type)

	for _, listener := range lm.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lm.logger.Error().Interface("panic", r).Msg("Lifecycle listener panicked")
				}
			}()
			listener(ev)
		}()
	}
}
