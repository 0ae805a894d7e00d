// Package loopback is an in-process protocol connecting servers that run
// in the same process. Addresses have the form "mem:<host>".
package loopback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/BackupTheBerlios/nova-svn/core"
)

// Scheme is the address scheme served by this package.
const Scheme = "mem"

var (
	ErrUnreachable = errors.New("loopback host unreachable")
	ErrClosed      = errors.New("loopback endpoint closed")
	ErrHostInUse   = errors.New("loopback host in use")
)

// Network is a set of endpoints that can reach each other.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	logger    zerolog.Logger
}

// NewNetwork creates an empty Network.
func NewNetwork(logger zerolog.Logger) *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		logger:    logger.With().Str("component", "loopback").Logger(),
	}
}

// Listen creates the endpoint for host.
func (n *Network) Listen(host string) (*Endpoint, error) {
	if host == "" {
		return nil, fmt.Errorf("empty host: %w", core.ErrInvalidAddress)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	key := strings.ToLower(host)
	if _, exists := n.endpoints[key]; exists {
		return nil, fmt.Errorf("%q: %w", host, ErrHostInUse)
	}
	e := &Endpoint{
		network: n,
		host:    host,
		logger:  n.logger.With().Str("host", host).Logger(),
	}
	n.endpoints[key] = e
	return e, nil
}

func (n *Network) endpoint(host string) (*Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.endpoints[strings.ToLower(host)]
	return e, ok
}

func (n *Network) remove(e *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := strings.ToLower(e.host)
	if n.endpoints[key] == e {
		delete(n.endpoints, key)
	}
}

// Hosts returns the number of open endpoints.
func (n *Network) Hosts() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.endpoints)
}

// Endpoint is the protocol instance registered with one server.
type Endpoint struct {
	network *Network
	host    string
	logger  zerolog.Logger

	mu     sync.Mutex
	inbox  []*core.Message
	dir    core.Directory
	closed bool
}

// Scheme returns "mem".
func (e *Endpoint) Scheme() string { return Scheme }

// Address returns "mem:<host>".
func (e *Endpoint) Address() string { return Scheme + ":" + e.host }

func (e *Endpoint) target(address string) (*Endpoint, error) {
	scheme, host, ok := core.SplitAddress(address)
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return nil, fmt.Errorf("address %q: %w", address, core.ErrInvalidAddress)
	}
	t, ok := e.network.endpoint(host)
	if !ok {
		return nil, fmt.Errorf("%q: %w", host, ErrUnreachable)
	}
	return t, nil
}

// Send delivers a copy of msg to the endpoint named by address.
func (e *Endpoint) Send(msg *core.Message, address string) error {
	if msg == nil {
		return core.ErrNilMessage
	}
	t, err := e.target(address)
	if err != nil {
		return err
	}
	if err := t.deliver(msg.Clone()); err != nil {
		return err
	}
	e.logger.Debug().Str("to", address).Str("target", msg.Target).Msg("Message sent")
	return nil
}

func (e *Endpoint) deliver(msg *core.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.inbox = append(e.inbox, msg)
	return nil
}

// Receive returns the oldest delivered message.
func (e *Endpoint) Receive() (*core.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inbox) == 0 {
		return nil, false
	}
	msg := e.inbox[0]
	e.inbox[0] = nil
	e.inbox = e.inbox[1:]
	return msg, true
}

// Pending returns the number of undelivered messages.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbox)
}

// SetDirectory installs the directory answering Resolve calls made by
// other endpoints.
func (e *Endpoint) SetDirectory(d core.Directory) {
	e.mu.Lock()
	e.dir = d
	e.mu.Unlock()
}

func (e *Endpoint) directory() core.Directory {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir
}

// Resolve asks the endpoint at discoAddress where name lives.
func (e *Endpoint) Resolve(ctx context.Context, discoAddress, name string) (*core.RemoteComponent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := e.target(discoAddress)
	if err != nil {
		return nil, err
	}
	dir := t.directory()
	if dir == nil {
		return nil, fmt.Errorf("%q at %s: %w", name, discoAddress, core.ErrNotFound)
	}
	rc, ok := dir.Lookup(name)
	if !ok || rc == nil {
		return nil, fmt.Errorf("%q at %s: %w", name, discoAddress, core.ErrNotFound)
	}

	found := *rc
	if found.Address == "" {
		found.Address = t.Address()
	}
	return &found, nil
}

// Close detaches the endpoint from its network and drops queued messages.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.inbox = nil
	e.mu.Unlock()

	e.network.remove(e)
	return nil
}
