package runtime

import (
	"fmt"
	"plugin"

	"github.com/BackupTheBerlios/nova-svn/core"
)

// KindPlugin loads components from Go plugins built with -buildmode=plugin.
const KindPlugin = "plugin"

// Plugin strategy attributes.
const (
	AttrFile   = "file"
	AttrSymbol = "symbol"

	// DefaultSymbol is looked up when no symbol attribute is given
	DefaultSymbol = "NewComponent"
)

// PluginLoader opens a shared object and calls its constructor symbol,
// which must have the type func() core.Component.
type PluginLoader struct {
	cached
	file   string
	symbol string
}

// NewPluginLoader creates an uninitialized plugin loader.
func NewPluginLoader() *PluginLoader {
	return &PluginLoader{}
}

// Kind returns "plugin".
func (p *PluginLoader) Kind() string { return KindPlugin }

// Initialize reads the file and symbol attributes.
func (p *PluginLoader) Initialize(componentName string, data Attributes) error {
	file, err := data.Require(AttrFile)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.name = componentName
	p.file = file
	p.symbol = data.Get(AttrSymbol, DefaultSymbol)
	p.ready = true
	p.component = nil
	p.mu.Unlock()
	return nil
}

// Load opens the plugin on first call.
func (p *PluginLoader) Load() (core.Component, error) {
	return p.load(func() (core.Component, error) {
		plug, err := plugin.Open(p.file)
		if err != nil {
			return nil, fmt.Errorf("open plugin %s: %w", p.file, err)
		}
		sym, err := plug.Lookup(p.symbol)
		if err != nil {
			return nil, fmt.Errorf("lookup %s in %s: %w", p.symbol, p.file, err)
		}

		switch ctor := sym.(type) {
		case func() core.Component:
			return ctor(), nil
		case *func() core.Component:
			return (*ctor)(), nil
		default:
			return nil, fmt.Errorf("%s in %s is %T: %w", p.symbol, p.file, sym, ErrUnexpectedSymbol)
		}
	})
}

func init() {
	Register(KindPlugin, func() Loader { return NewPluginLoader() })
}
