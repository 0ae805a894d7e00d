package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Initializer is run on a lazily loaded Component before it becomes visible.
type Initializer func(c Component) error

// Registry holds the loaded components, the lazy entries and the contracts
// of one server. The loaded and lazy sets never share a name.
type Registry struct {
	mu        sync.RWMutex
	loaded    map[string]Component
	lazy      map[string]*LazyComponent
	contracts map[string]Contract

	// Serializes loader calls per name
	loads singleflight.Group

	initializer Initializer
	logger      zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		loaded:    make(map[string]Component),
		lazy:      make(map[string]*LazyComponent),
		contracts: make(map[string]Contract),
		logger:    logger.With().Str("component", "registry").Logger(),
	}
}

// SetInitializer installs the hook run on every promoted lazy component.
func (r *Registry) SetInitializer(fn Initializer) {
	r.mu.Lock()
	r.initializer = fn
	r.mu.Unlock()
}

// AddLazy registers a lazy entry. An existing lazy entry of the same name
// is replaced; a loaded component of the same name is an error.
func (r *Registry) AddLazy(entry *LazyComponent) error {
	if entry == nil || entry.Loader == nil {
		return ErrNilComponent
	}
	if entry.Name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.loaded[entry.Name]; exists {
		return fmt.Errorf("component %q: %w", entry.Name, ErrNameInUse)
	}
	if _, exists := r.lazy[entry.Name]; exists {
		r.logger.Warn().Str("name", entry.Name).Msg("Replacing lazy component")
	}
	r.lazy[entry.Name] = entry
	return nil
}

// Add registers a loaded component. A lazy entry of the same name is
// discarded; a loaded component of the same name is an error.
func (r *Registry) Add(c Component) error {
	if c == nil {
		return ErrNilComponent
	}
	name := c.Name()
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.loaded[name]; exists {
		return fmt.Errorf("component %q: %w", name, ErrNameInUse)
	}
	if _, exists := r.lazy[name]; exists {
		r.logger.Warn().Str("name", name).Msg("Discarding lazy component in favour of loaded instance")
		delete(r.lazy, name)
	}
	r.loaded[name] = c
	return nil
}

// Get returns the loaded component called name, loading it first if only a
// lazy entry exists. Concurrent callers for the same name share one load.
// A failed load leaves the lazy entry in place.
func (r *Registry) Get(name string) (Component, error) {
	r.mu.RLock()
	c, ok := r.loaded[name]
	_, isLazy := r.lazy[name]
	r.mu.RUnlock()

	if ok {
		return c, nil
	}
	if !isLazy {
		return nil, fmt.Errorf("component %q: %w", name, ErrNotFound)
	}

	v, err, _ := r.loads.Do(name, func() (interface{}, error) {
		return r.promote(name)
	})
	if err != nil {
		return nil, err
	}
	return v.(Component), nil
}

func (r *Registry) promote(name string) (Component, error) {
	r.mu.RLock()
	if c, ok := r.loaded[name]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	entry, ok := r.lazy[name]
	hook := r.initializer
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("component %q: %w", name, ErrNotFound)
	}

	c, err := entry.Loader.Load()
	if err != nil {
		return nil, fmt.Errorf("component %q: %w: %v", name, ErrLoad, err)
	}
	if c == nil {
		return nil, fmt.Errorf("component %q: %w: %v", name, ErrLoad, ErrNilComponent)
	}
	if c.Name() != name {
		r.logger.Warn().Str("name", name).Str("loaded_name", c.Name()).
			Msg("Loaded component reports a different name")
	}
	if hook != nil {
		if err := hook(c); err != nil {
			c.SetStatus(StatusFaulted)
			return nil, fmt.Errorf("component %q: %w: %v", name, ErrLoad, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.loaded[name]; ok {
		// Added while the loader was running.
		return current, nil
	}
	if r.lazy[name] != entry {
		return nil, fmt.Errorf("component %q: lazy entry changed during load: %w", name, ErrNotFound)
	}
	delete(r.lazy, name)
	r.loaded[name] = c

	r.logger.Info().Str("name", name).Msg("Lazy component loaded")
	return c, nil
}

// Contains reports whether name is loaded or lazily registered.
func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, loaded := r.loaded[name]
	_, lazy := r.lazy[name]
	return loaded || lazy
}

// Remove drops name from whichever set holds it.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.loaded[name]; ok {
		delete(r.loaded, name)
		return true
	}
	if _, ok := r.lazy[name]; ok {
		delete(r.lazy, name)
		return true
	}
	return false
}

// Info returns the metadata of a loaded or lazy entry without loading it.
func (r *Registry) Info(name string) (ComponentInfo, bool) {
	r.mu.RLock()
	c, loaded := r.loaded[name]
	entry, lazy := r.lazy[name]
	r.mu.RUnlock()

	switch {
	case loaded:
		return c.Info(), true
	case lazy:
		return entry.Info, true
	default:
		return ComponentInfo{}, false
	}
}

// Names returns the sorted names of every loaded and lazy entry.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.loaded)+len(r.lazy))
	for name := range r.loaded {
		names = append(names, name)
	}
	for name := range r.lazy {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Loaded returns a snapshot of the loaded components.
func (r *Registry) Loaded() []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Component, 0, len(r.loaded))
	for _, c := range r.loaded {
		out = append(out, c)
	}
	return out
}

// AddContract registers c, replacing any contract of the same name.
func (r *Registry) AddContract(c Contract) error {
	if c == nil {
		return ErrNilComponent
	}
	if c.Name() == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contracts[c.Name()]; exists {
		r.logger.Warn().Str("contract", c.Name()).Msg("Replacing contract")
	}
	r.contracts[c.Name()] = c
	return nil
}

// GetContract returns the contract called name.
func (r *Registry) GetContract(name string) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[name]
	return c, ok
}

// RemoveContract drops the contract called name.
func (r *Registry) RemoveContract(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contracts[name]; !ok {
		return false
	}
	delete(r.contracts, name)
	return true
}

// Contracts returns the sorted contract names.
func (r *Registry) Contracts() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
