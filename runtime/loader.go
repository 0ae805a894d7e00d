package runtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BackupTheBerlios/nova-svn/core"
)

var (
	ErrUnknownKind      = errors.New("unknown runtime kind")
	ErrMissingAttribute = errors.New("missing runtime attribute")
	ErrUnknownClass     = errors.New("unknown component class")
	ErrNotInitialized   = errors.New("runtime not initialized")
	ErrUnexpectedSymbol = errors.New("unexpected plugin symbol type")
)

// Attributes is the configuration handed to a Loader.
type Attributes map[string]string

// Get returns the attribute called key, or def when it is absent or empty.
func (a Attributes) Get(key, def string) string {
	if v, ok := a[key]; ok && v != "" {
		return v
	}
	return def
}

// Require returns the attribute called key or ErrMissingAttribute.
func (a Attributes) Require(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%q: %w", key, ErrMissingAttribute)
	}
	return v, nil
}

// Loader produces a component using one specific strategy.
type Loader interface {
	// Kind returns the strategy name.
	Kind() string

	// Initialize configures the loader for the named component.
	Initialize(componentName string, data Attributes) error

	// Load returns the component. Repeated calls return the same instance.
	Load() (core.Component, error)
}

var (
	kindsMu sync.RWMutex
	kinds   = map[string]func() Loader{}
)

// Register makes a strategy available under kind.
func Register(kind string, factory func() Loader) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[strings.ToLower(kind)] = factory
}

// New creates an uninitialized Loader of the given kind.
func New(kind string) (Loader, error) {
	kindsMu.RLock()
	factory, ok := kinds[strings.ToLower(kind)]
	kindsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
	return factory(), nil
}

// Kinds returns the sorted names of the registered strategies.
func Kinds() []string {
	kindsMu.RLock()
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	kindsMu.RUnlock()

	sort.Strings(out)
	return out
}

// Open creates and initializes a Loader in one step.
func Open(kind, componentName string, data Attributes) (Loader, error) {
	l, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := l.Initialize(componentName, data); err != nil {
		return nil, fmt.Errorf("initialize %s runtime for %q: %w", kind, componentName, err)
	}
	return l, nil
}

// Lazy wraps an initialized Loader as a registry entry.
func Lazy(name string, info core.ComponentInfo, l Loader) *core.LazyComponent {
	return &core.LazyComponent{Name: name, Info: info, Loader: l}
}

// cached holds the instance shared by the built-in strategies.
type cached struct {
	mu        sync.Mutex
	name      string
	ready     bool
	component core.Component
}

func (c *cached) load(build func() (core.Component, error)) (core.Component, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return nil, ErrNotInitialized
	}
	if c.component != nil {
		return c.component, nil
	}
	comp, err := build()
	if err != nil {
		return nil, err
	}
	if comp == nil {
		return nil, core.ErrNilComponent
	}
	c.component = comp
	return comp, nil
}
