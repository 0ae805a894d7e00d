package core

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// RemoteTable maps component names to their location on other servers.
// The last registration of a name wins.
type RemoteTable struct {
	mu      sync.RWMutex
	entries map[string]RemoteComponent
	logger  zerolog.Logger
}

// NewRemoteTable creates an empty RemoteTable.
func NewRemoteTable(logger zerolog.Logger) *RemoteTable {
	return &RemoteTable{
		entries: make(map[string]RemoteComponent),
		logger:  logger.With().Str("component", "remotes").Logger(),
	}
}

// Register stores rc and reports whether an earlier entry was replaced.
func (t *RemoteTable) Register(rc RemoteComponent) (bool, error) {
	if rc.Name == "" {
		return false, ErrEmptyName
	}
	if _, _, ok := SplitAddress(rc.Address); !ok {
		return false, ErrInvalidAddress
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	old, replaced := t.entries[rc.Name]
	if replaced && old.Address != rc.Address {
		t.logger.Warn().
			Str("name", rc.Name).
			Str("old_address", old.Address).
			Str("new_address", rc.Address).
			Msg("Replacing remote component")
	}
	t.entries[rc.Name] = rc
	return replaced, nil
}

// Unregister removes name and reports whether it was present.
func (t *RemoteTable) Unregister(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[name]; !ok {
		return false
	}
	delete(t.entries, name)
	return true
}

// Lookup returns the entry for name.
func (t *RemoteTable) Lookup(name string) (RemoteComponent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rc, ok := t.entries[name]
	return rc, ok
}

// All returns a snapshot of every entry sorted by name.
func (t *RemoteTable) All() []RemoteComponent {
	t.mu.RLock()
	out := make([]RemoteComponent, 0, len(t.entries))
	for _, rc := range t.entries {
		out = append(out, rc)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WithContract returns the entries whose info lists contract.
func (t *RemoteTable) WithContract(contract string) []RemoteComponent {
	var out []RemoteComponent
	for _, rc := range t.All() {
		if rc.Info.Supports(contract) {
			out = append(out, rc)
		}
	}
	return out
}
