// Package tcp carries messages between servers over TCP. Addresses have
// the form "tcp:<host>:<port>". Each frame is a CBOR document preceded by
// its 4-byte big-endian length. Besides messages the transport answers
// resolve requests from its server's directory, which makes it usable for
// discovery.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/BackupTheBerlios/nova-svn/core"
)

// Scheme is the address scheme served by this package.
const Scheme = "tcp"

var (
	ErrClosed     = errors.New("tcp transport closed")
	ErrNotStarted = errors.New("tcp transport not started")
)

// Options configures a Transport.
type Options struct {
	// Listen is the host:port to accept connections on
	Listen string

	// Advertise is the host:port other servers should use; defaults to
	// the bound listen address
	Advertise string

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// InboxSize bounds received messages waiting for Receive
	InboxSize int

	// SendQueue bounds frames waiting to be written per connection
	SendQueue int

	MaxFrame int
	Logger   zerolog.Logger
}

// DefaultOptions returns the default transport options.
func DefaultOptions() Options {
	return Options{
		Listen:       "127.0.0.1:0",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		InboxSize:    1024,
		SendQueue:    256,
		MaxFrame:     DefaultMaxFrame,
		Logger:       zerolog.Nop(),
	}
}

// Transport is a core.Protocol over TCP.
type Transport struct {
	opts     Options
	logger   zerolog.Logger
	listener net.Listener
	inbox    chan *core.Message

	mu      sync.Mutex
	dialed  map[string]*conn
	all     map[*conn]struct{}
	pending map[string]chan *Frame
	dir     core.Directory
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Transport. Call Start to begin accepting connections.
func New(opts Options) *Transport {
	def := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = def.InboxSize
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = def.SendQueue
	}
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = def.MaxFrame
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "tcp").Logger(),
		inbox:   make(chan *core.Message, opts.InboxSize),
		dialed:  make(map[string]*conn),
		all:     make(map[*conn]struct{}),
		pending: make(map[string]chan *Frame),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the listener and starts accepting connections.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", t.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.opts.Listen, err)
	}
	t.listener = l

	t.wg.Add(1)
	go t.acceptLoop(l)

	t.logger.Info().Str("listen", l.Addr().String()).Str("address", t.addressLocked()).Msg("TCP transport started")
	return nil
}

// Scheme returns "tcp".
func (t *Transport) Scheme() string { return Scheme }

// Address returns the advertised "tcp:<host>:<port>" address.
func (t *Transport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addressLocked()
}

func (t *Transport) addressLocked() string {
	if t.opts.Advertise != "" {
		return Scheme + ":" + t.opts.Advertise
	}
	if t.listener != nil {
		return Scheme + ":" + t.listener.Addr().String()
	}
	return ""
}

// SetDirectory installs the directory used to answer resolve requests.
func (t *Transport) SetDirectory(d core.Directory) {
	t.mu.Lock()
	t.dir = d
	t.mu.Unlock()
}

func (t *Transport) acceptLoop(l net.Listener) {
	defer t.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
			default:
				t.logger.Error().Err(err).Msg("Accept failed")
			}
			return
		}
		if _, err := t.track(nc, nc.RemoteAddr().String(), ""); err != nil {
			_ = nc.Close()
		}
	}
}

// track registers a connection and starts its loops. A non-empty key
// records it as the outbound connection for that host:port.
func (t *Transport) track(nc net.Conn, remote, key string) (*conn, error) {
	c := newConn(nc, remote, t.opts, t.logger)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if key != "" {
		if existing, ok := t.dialed[key]; ok && !existing.isClosed() {
			t.mu.Unlock()
			_ = nc.Close()
			return existing, nil
		}
		t.dialed[key] = c
	}
	t.all[c] = struct{}{}
	t.mu.Unlock()

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		c.sendLoop()
	}()
	go func() {
		defer t.wg.Done()
		c.readLoop(t.handleFrame)
		t.forget(c, key)
	}()

	c.logger.Debug().Msg("Connection established")
	return c, nil
}

func (t *Transport) forget(c *conn, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.all, c)
	if key != "" && t.dialed[key] == c {
		delete(t.dialed, key)
	}
}

// connect returns the outbound connection to hostport, dialing if needed.
func (t *Transport) connect(ctx context.Context, hostport string) (*conn, error) {
	key := strings.ToLower(hostport)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := t.dialed[key]; ok && !c.isClosed() {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	dialer := net.Dialer{Timeout: t.opts.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hostport, err)
	}
	return t.track(nc, hostport, key)
}

func hostPort(address string) (string, error) {
	scheme, rest, ok := core.SplitAddress(address)
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return "", fmt.Errorf("address %q: %w", address, core.ErrInvalidAddress)
	}
	if _, _, err := net.SplitHostPort(rest); err != nil {
		return "", fmt.Errorf("address %q: %w: %v", address, core.ErrInvalidAddress, err)
	}
	return rest, nil
}

// Send writes msg to the server at address.
func (t *Transport) Send(msg *core.Message, address string) error {
	if msg == nil {
		return core.ErrNilMessage
	}
	hp, err := hostPort(address)
	if err != nil {
		return err
	}
	c, err := t.connect(t.ctx, hp)
	if err != nil {
		return err
	}
	return c.send(&Frame{Kind: FrameMessage, Message: msg})
}

// Receive returns the next received message without blocking.
func (t *Transport) Receive() (*core.Message, bool) {
	select {
	case msg := <-t.inbox:
		return msg, true
	default:
		return nil, false
	}
}

// Resolve asks the server at discoAddress where name lives.
func (t *Transport) Resolve(ctx context.Context, discoAddress, name string) (*core.RemoteComponent, error) {
	hp, err := hostPort(discoAddress)
	if err != nil {
		return nil, err
	}
	c, err := t.connect(ctx, hp)
	if err != nil {
		return nil, err
	}

	id := core.NewRefID()
	ch := make(chan *Frame, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := c.send(&Frame{Kind: FrameResolve, ID: id, Name: name}); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Component == nil {
			return nil, fmt.Errorf("%q at %s: %w", name, discoAddress, core.ErrNotFound)
		}
		rc := *reply.Component
		if rc.Address == "" {
			rc.Address = discoAddress
		}
		return &rc, nil
	case <-c.done:
		return nil, fmt.Errorf("resolve %q at %s: %w", name, discoAddress, ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) handleFrame(c *conn, f *Frame) {
	switch f.Kind {
	case FrameMessage:
		if f.Message == nil {
			c.logger.Debug().Msg("Empty message frame")
			return
		}
		select {
		case t.inbox <- f.Message:
		case <-t.ctx.Done():
		}
	case FrameResolve:
		t.answer(c, f)
	case FrameResolveReply:
		t.mu.Lock()
		ch, ok := t.pending[f.ID]
		t.mu.Unlock()
		if !ok {
			return
		}
		select {
		case ch <- f:
		default:
			c.logger.Debug().Str("id", f.ID).Msg("Duplicate resolve reply")
		}
	default:
		c.logger.Warn().Uint8("kind", uint8(f.Kind)).Msg("Unknown frame kind")
	}
}

func (t *Transport) answer(c *conn, f *Frame) {
	t.mu.Lock()
	dir := t.dir
	self := t.addressLocked()
	t.mu.Unlock()

	reply := &Frame{Kind: FrameResolveReply, ID: f.ID}
	if dir != nil {
		if rc, ok := dir.Lookup(f.Name); ok && rc != nil {
			found := *rc
			if found.Address == "" {
				found.Address = self
			}
			reply.Component = &found
		}
	}
	if reply.Component == nil {
		reply.Error = core.ErrNotFound.Error()
	}
	if err := c.send(reply); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to answer resolve request")
	}
}

// Close stops accepting, closes every connection and waits for the
// connection goroutines to exit.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	l := t.listener
	conns := make([]*conn, 0, len(t.all))
	for c := range t.all {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	t.cancel()
	if l != nil {
		_ = l.Close()
	}
	for _, c := range conns {
		c.close()
	}
	t.wg.Wait()

	t.logger.Info().Msg("TCP transport stopped")
	return nil
}
