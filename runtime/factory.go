package runtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/BackupTheBerlios/nova-svn/core"
)

// KindFactory selects components by a registered class name.
const KindFactory = "factory"

// AttrClass names the constructor used by the factory strategy.
const AttrClass = "class"

var (
	classesMu sync.RWMutex
	classes   = map[string]func() core.Component{}
)

// RegisterFactory makes a component constructor available as class.
func RegisterFactory(class string, ctor func() core.Component) {
	classesMu.Lock()
	defer classesMu.Unlock()
	classes[class] = ctor
}

// Classes returns the sorted registered class names.
func Classes() []string {
	classesMu.RLock()
	out := make([]string, 0, len(classes))
	for c := range classes {
		out = append(out, c)
	}
	classesMu.RUnlock()

	sort.Strings(out)
	return out
}

// FactoryLoader builds a component from a constructor registered with
// RegisterFactory.
type FactoryLoader struct {
	cached
	class string
}

// NewFactoryLoader creates an uninitialized factory loader.
func NewFactoryLoader() *FactoryLoader {
	return &FactoryLoader{}
}

// Kind returns "factory".
func (f *FactoryLoader) Kind() string { return KindFactory }

// Initialize reads the class attribute and checks that it is registered.
func (f *FactoryLoader) Initialize(componentName string, data Attributes) error {
	class, err := data.Require(AttrClass)
	if err != nil {
		return err
	}

	classesMu.RLock()
	_, ok := classes[class]
	classesMu.RUnlock()
	if !ok {
		return fmt.Errorf("%q: %w", class, ErrUnknownClass)
	}

	f.mu.Lock()
	f.name = componentName
	f.class = class
	f.ready = true
	f.component = nil
	f.mu.Unlock()
	return nil
}

// Load constructs the component on first call.
func (f *FactoryLoader) Load() (core.Component, error) {
	return f.load(func() (core.Component, error) {
		classesMu.RLock()
		ctor, ok := classes[f.class]
		classesMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%q: %w", f.class, ErrUnknownClass)
		}
		return ctor(), nil
	})
}

func init() {
	Register(KindFactory, func() Loader { return NewFactoryLoader() })
}
