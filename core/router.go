package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// SplitAddress splits "scheme:rest" at the first ':'.
func SplitAddress(address string) (scheme, rest string, ok bool) {
	i := strings.IndexByte(address, ':')
	if i <= 0 {
		return "", "", false
	}
	return address[:i], address[i+1:], true
}

// Router keeps one Protocol per scheme and routes messages to remote
// components through them.
type Router struct {
	mu        sync.RWMutex
	protocols map[string]Protocol
	remotes   *RemoteTable
	logger    zerolog.Logger
}

// NewRouter creates a Router resolving targets through remotes.
func NewRouter(remotes *RemoteTable, logger zerolog.Logger) *Router {
	return &Router{
		protocols: make(map[string]Protocol),
		remotes:   remotes,
		logger:    logger.With().Str("component", "router").Logger(),
	}
}

func schemeKey(scheme string) string {
	return strings.ToLower(scheme)
}

// Register adds p, replacing and returning any protocol of the same scheme.
func (r *Router) Register(p Protocol) (Protocol, error) {
	if p == nil {
		return nil, fmt.Errorf("cannot register nil protocol: %w", ErrNoProtocol)
	}
	scheme := p.Scheme()
	if scheme == "" || strings.ContainsRune(scheme, ':') {
		return nil, fmt.Errorf("protocol scheme %q: %w", scheme, ErrInvalidAddress)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := schemeKey(scheme)
	old := r.protocols[key]
	if old != nil && old != p {
		r.logger.Warn().Str("scheme", scheme).Msg("Replacing protocol")
	}
	r.protocols[key] = p
	if old == p {
		return nil, nil
	}
	return old, nil
}

// Unregister removes p if it is the protocol registered for its scheme.
func (r *Router) Unregister(p Protocol) bool {
	if p == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := schemeKey(p.Scheme())
	if r.protocols[key] != p {
		return false
	}
	delete(r.protocols, key)
	return true
}

// Protocol returns the protocol registered for scheme.
func (r *Router) Protocol(scheme string) (Protocol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[schemeKey(scheme)]
	return p, ok
}

// Protocols returns a snapshot of the registered protocols.
func (r *Router) Protocols() []Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Protocol, 0, len(r.protocols))
	for _, p := range r.protocols {
		out = append(out, p)
	}
	return out
}

// Schemes returns the sorted registered schemes.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.protocols))
	for scheme := range r.protocols {
		out = append(out, scheme)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// ForAddress returns the protocol selected by the scheme of address.
func (r *Router) ForAddress(address string) (Protocol, error) {
	scheme, _, ok := SplitAddress(address)
	if !ok {
		return nil, fmt.Errorf("address %q: %w", address, ErrInvalidAddress)
	}
	p, ok := r.Protocol(scheme)
	if !ok {
		return nil, fmt.Errorf("scheme %q: %w", scheme, ErrNoProtocol)
	}
	return p, nil
}

// Resolve finds the remote component called target and its protocol.
func (r *Router) Resolve(target string) (RemoteComponent, Protocol, error) {
	rc, ok := r.remotes.Lookup(target)
	if !ok {
		return RemoteComponent{}, nil, fmt.Errorf("remote component %q: %w", target, ErrNotFound)
	}
	p, err := r.ForAddress(rc.Address)
	if err != nil {
		return rc, nil, err
	}
	return rc, p, nil
}

// Route sends msg to the server hosting its target. Errors from the
// protocol are returned unchanged.
func (r *Router) Route(msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	rc, p, err := r.Resolve(msg.Target)
	if err != nil {
		return err
	}
	return p.Send(msg, rc.Address)
}

// Send delivers msg to an explicit address.
func (r *Router) Send(msg *Message, address string) error {
	if msg == nil {
		return ErrNilMessage
	}
	p, err := r.ForAddress(address)
	if err != nil {
		return err
	}
	return p.Send(msg, address)
}
