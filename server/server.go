package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/BackupTheBerlios/nova-svn/core"
)

// Server hosts components and routes messages between them and other
// servers.
type Server struct {
	opts Options

	mu     sync.RWMutex
	name   string
	discos []string

	systemWide bool
	queue      *core.Queue
	registry   *core.Registry
	remotes    *core.RemoteTable
	router     *core.Router

	// Pool lists; workers are stopped outside poolMu
	poolMu      sync.Mutex
	dispatchers []*worker
	receivers   []*receiver
	nextID      int32

	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	discoveries singleflight.Group
	metrics     *metrics
	logger      zerolog.Logger
}

// New creates a server that may host local components.
func New(opts Options) (*Server, error) {
	opts.normalize()
	if opts.Name == "" {
		return nil, ErrInvalidName
	}

	logger := opts.Logger.With().Str("server", opts.Name).Logger()
	s := &Server{
		opts:       opts,
		name:       opts.Name,
		systemWide: opts.SystemWide,
		queue:      core.NewQueue(),
		registry:   core.NewRegistry(logger),
		logger:     logger,
	}
	s.remotes = core.NewRemoteTable(logger)
	s.router = core.NewRouter(s.remotes, logger)
	s.registry.SetInitializer(s.initializeComponent)

	for _, d := range opts.Discos {
		if err := s.RegisterDisco(d); err != nil {
			return nil, err
		}
	}

	s.metrics = newMetrics(s)
	if err := s.metrics.register(opts.Registerer); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSystemWide creates a server that only routes. Attaching or detaching
// local components fails with core.ErrNotSupported.
func NewSystemWide(opts Options) (*Server, error) {
	opts.SystemWide = true
	return New(opts)
}

func (s *Server) initializeComponent(c core.Component) error {
	c.SetStatus(core.StatusInitializing)
	if err := c.Initialize(s); err != nil {
		c.SetStatus(core.StatusFaulted)
		return err
	}
	if c.Status() == core.StatusInitializing {
		c.SetStatus(core.StatusRunning)
	}
	return nil
}

// Name returns the server name.
func (s *Server) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// SetName renames the server. Control messages must use the new name.
func (s *Server) SetName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	s.mu.Lock()
	old := s.name
	s.name = name
	s.mu.Unlock()

	s.logger.Info().Str("old_name", old).Str("new_name", name).Msg("Server renamed")
	return nil
}

// SystemWide reports whether this server refuses local components.
func (s *Server) SystemWide() bool { return s.systemWide }

// Queue returns the pending message queue.
func (s *Server) Queue() *core.Queue { return s.queue }

// Registry returns the local component registry.
func (s *Server) Registry() *core.Registry { return s.registry }

// Remotes returns the remote component table.
func (s *Server) Remotes() *core.RemoteTable { return s.remotes }

// Router returns the protocol router.
func (s *Server) Router() *core.Router { return s.router }

// Start launches the worker pools. Pools are grown to the configured sizes
// and every existing worker is started. Cancelling ctx aborts all workers.
func (s *Server) Start(ctx context.Context) error {
	s.runMu.Lock()
	if s.ctx != nil {
		s.runMu.Unlock()
		return ErrAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.runMu.Unlock()

	for s.DispatcherCount() < s.opts.Dispatchers {
		s.AddDispatcher()
	}
	for s.ReceiverCount() < s.opts.Receivers {
		s.AddReceiver()
	}

	for _, c := range s.registry.Loaded() {
		if c.Status() == core.StatusStopped {
			c.SetStatus(core.StatusRunning)
		}
	}

	s.poolMu.Lock()
	for _, d := range s.dispatchers {
		d.start(runCtx)
	}
	for _, r := range s.receivers {
		r.startIfReady(runCtx)
	}
	s.poolMu.Unlock()

	s.logger.Info().
		Int("dispatchers", s.DispatcherCount()).
		Int("receivers", s.ReceiverCount()).
		Bool("system_wide", s.systemWide).
		Msg("Server started")
	return nil
}

// runContext returns the context workers run under, or nil when stopped.
func (s *Server) runContext() context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.ctx
}

// Running reports whether Start has been called without a Shutdown.
func (s *Server) Running() bool {
	return s.runContext() != nil
}

// Shutdown stops every worker, receivers first, each within its stop
// timeout. The pools keep their size so a later Start resumes them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.runMu.Lock()
	if s.ctx == nil {
		s.runMu.Unlock()
		return ErrNotRunning
	}
	cancel := s.cancel
	s.ctx, s.cancel = nil, nil
	s.runMu.Unlock()

	s.poolMu.Lock()
	receivers := append([]*receiver(nil), s.receivers...)
	dispatchers := append([]*worker(nil), s.dispatchers...)
	s.poolMu.Unlock()

	var forced int32
	var rg errgroup.Group
	for _, r := range receivers {
		r := r
		rg.Go(func() error {
			if s.stopWorker(ctx, r.worker, s.opts.ReceiveStopTimeout) {
				atomic.AddInt32(&forced, 1)
			}
			return nil
		})
	}
	_ = rg.Wait()

	var dg errgroup.Group
	for _, d := range dispatchers {
		d := d
		dg.Go(func() error {
			if s.stopWorker(ctx, d, s.opts.DispatchStopTimeout) {
				atomic.AddInt32(&forced, 1)
			}
			return nil
		})
	}
	_ = dg.Wait()
	cancel()

	for _, c := range s.registry.Loaded() {
		c.SetStatus(core.StatusStopped)
	}

	s.logger.Info().Int32("forced", forced).Int("pending", s.queue.Len()).Msg("Server stopped")
	return ctx.Err()
}

func (s *Server) stopWorker(ctx context.Context, w *worker, timeout time.Duration) bool {
	forced := w.stop(ctx, timeout)
	if forced {
		s.metrics.forcedStops.WithLabelValues(w.kind.String()).Inc()
	}
	return forced
}

// Close shuts down a running server and unregisters its metrics.
func (s *Server) Close(ctx context.Context) error {
	var err error
	if s.Running() {
		err = s.Shutdown(ctx)
	}
	s.metrics.unregister(s.opts.Registerer)
	return err
}

// AttachComponent initializes c and adds it to the local registry.
func (s *Server) AttachComponent(c core.Component) error {
	if s.systemWide {
		s.logger.Error().Msg("System-wide server cannot have local components")
		return fmt.Errorf("attach component: %w", core.ErrNotSupported)
	}
	if err := s.registry.Add(c); err != nil {
		return err
	}
	if err := s.initializeComponent(c); err != nil {
		s.registry.Remove(c.Name())
		return fmt.Errorf("initialize component %q: %w", c.Name(), err)
	}

	s.logger.Info().Str("name", c.Name()).Msg("Component attached")
	return nil
}

// AttachLazyComponent registers a component that is loaded on first use.
func (s *Server) AttachLazyComponent(entry *core.LazyComponent) error {
	if s.systemWide {
		return fmt.Errorf("attach lazy component: %w", core.ErrNotSupported)
	}
	if err := s.registry.AddLazy(entry); err != nil {
		return err
	}

	s.logger.Info().Str("name", entry.Name).Msg("Lazy component attached")
	return nil
}

// DetachComponent removes a local component.
func (s *Server) DetachComponent(name string) error {
	if s.systemWide {
		s.logger.Error().Msg("System-wide server cannot have local components")
		return fmt.Errorf("detach component: %w", core.ErrNotSupported)
	}

	var detached core.Component
	for _, c := range s.registry.Loaded() {
		if c.Name() == name {
			detached = c
			break
		}
	}
	if !s.registry.Remove(name) {
		return fmt.Errorf("component %q: %w", name, core.ErrNotFound)
	}
	if detached != nil {
		detached.SetStatus(core.StatusStopped)
	}

	s.logger.Info().Str("name", name).Msg("Component detached")
	return nil
}

// RegisterComponent adds or replaces a remote component.
func (s *Server) RegisterComponent(rc core.RemoteComponent) error {
	if _, err := s.remotes.Register(rc); err != nil {
		return fmt.Errorf("register component %q: %w", rc.Name, err)
	}
	s.logger.Info().Str("name", rc.Name).Str("address", rc.Address).Msg("Remote component registered")
	return nil
}

// UnregisterComponent removes a remote component. Removing an unknown
// name is a no-op.
func (s *Server) UnregisterComponent(name string) error {
	if !s.remotes.Unregister(name) {
		s.logger.Warn().Str("name", name).Msg("Remote component was never registered")
		return nil
	}
	s.logger.Info().Str("name", name).Msg("Remote component unregistered")
	return nil
}

// RegisterProtocol adds p to the router and to every receive worker. A
// protocol already registered for the same scheme is swapped out.
func (s *Server) RegisterProtocol(p core.Protocol) error {
	runCtx := s.runContext()

	// The router and the receivers change together so a receiver added
	// concurrently never keeps a replaced protocol.
	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	replaced, err := s.router.Register(p)
	if err != nil {
		return err
	}
	if aware, ok := p.(core.DirectoryAware); ok {
		aware.SetDirectory(s)
	}
	for _, r := range s.receivers {
		if replaced != nil {
			r.replaceProtocol(replaced, p)
		} else {
			r.addProtocol(p)
		}
		if runCtx != nil {
			r.startIfReady(runCtx)
		}
	}

	s.logger.Info().Str("scheme", p.Scheme()).Msg("Protocol registered")
	return nil
}

// UnregisterProtocol removes p from the router and from every receive
// worker. Workers left without protocols are stopped.
func (s *Server) UnregisterProtocol(p core.Protocol) error {
	s.poolMu.Lock()
	if !s.router.Unregister(p) {
		s.poolMu.Unlock()
		return fmt.Errorf("protocol %q: %w", p.Scheme(), core.ErrNoProtocol)
	}
	receivers := append([]*receiver(nil), s.receivers...)
	s.poolMu.Unlock()

	for _, r := range receivers {
		if r.removeProtocol(p) {
			s.stopWorker(context.Background(), r.worker, s.opts.ReceiveStopTimeout)
		}
	}

	s.logger.Info().Str("scheme", p.Scheme()).Msg("Protocol unregistered")
	return nil
}

// SendMessage enqueues msg for dispatch, stamping Sent when it is unset.
func (s *Server) SendMessage(msg *core.Message) error {
	if msg == nil {
		return core.ErrNilMessage
	}
	if msg.Sent.IsZero() {
		msg.Sent = s.opts.Now()
	}
	return s.queue.Enqueue(msg)
}

// Components returns the names of every component reachable from this
// server: remote entries plus, unless system-wide, local ones.
func (s *Server) Components() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, rc := range s.remotes.All() {
		seen[rc.Name] = struct{}{}
		out = append(out, rc.Name)
	}
	if !s.systemWide {
		for _, name := range s.registry.Names() {
			if _, dup := seen[name]; !dup {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ResolveContract returns the components advertising contract. Local
// components are included with an empty address.
func (s *Server) ResolveContract(contract string) []core.RemoteComponent {
	out := s.remotes.WithContract(contract)
	if !s.systemWide {
		for _, name := range s.registry.Names() {
			info, ok := s.registry.Info(name)
			if ok && info.Supports(contract) {
				out = append(out, core.RemoteComponent{Name: name, Info: info})
			}
		}
	}

	s.logger.Info().Str("contract", contract).Int("matches", len(out)).Msg("Contract resolved")
	return out
}

// Lookup answers resolution requests from other servers.
func (s *Server) Lookup(name string) (*core.RemoteComponent, bool) {
	if !s.systemWide {
		if info, ok := s.registry.Info(name); ok {
			return &core.RemoteComponent{Name: name, Info: info}, true
		}
	}
	if rc, ok := s.remotes.Lookup(name); ok {
		return &rc, true
	}
	return nil, false
}

// AddDispatcher adds a dispatch worker, starting it if the server runs.
func (s *Server) AddDispatcher() int {
	id := int(atomic.AddInt32(&s.nextID, 1))
	d := newWorker(id, WorkerDispatch, s.opts.PollInterval, s.logger)
	d.step = s.dispatchStep

	s.poolMu.Lock()
	s.dispatchers = append(s.dispatchers, d)
	s.poolMu.Unlock()

	if ctx := s.runContext(); ctx != nil {
		d.start(ctx)
	}
	s.logger.Info().Int("worker_id", id).Msg("Added dispatch worker")
	return id
}

// RemoveDispatcher stops and removes the oldest dispatch worker. It reports
// false when the pool is already empty.
func (s *Server) RemoveDispatcher(ctx context.Context) bool {
	s.poolMu.Lock()
	if len(s.dispatchers) == 0 {
		s.poolMu.Unlock()
		s.logger.Info().Msg("No dispatch worker to remove")
		return false
	}
	d := s.dispatchers[0]
	s.dispatchers = s.dispatchers[1:]
	s.poolMu.Unlock()

	s.stopWorker(ctx, d, s.opts.DispatchStopTimeout)
	s.logger.Info().Int("worker_id", d.id).Msg("Removed dispatch worker")
	return true
}

// AddReceiver adds a receive worker polling every registered protocol.
func (s *Server) AddReceiver() int {
	id := int(atomic.AddInt32(&s.nextID, 1))

	s.poolMu.Lock()
	r := newReceiver(s, id, s.router.Protocols())
	s.receivers = append(s.receivers, r)
	s.poolMu.Unlock()

	if ctx := s.runContext(); ctx != nil {
		r.startIfReady(ctx)
	}
	s.logger.Info().Int("worker_id", id).Msg("Added receive worker")
	return id
}

// RemoveReceiver stops and removes the oldest receive worker. It reports
// false when the pool is already empty.
func (s *Server) RemoveReceiver(ctx context.Context) bool {
	s.poolMu.Lock()
	if len(s.receivers) == 0 {
		s.poolMu.Unlock()
		s.logger.Info().Msg("No receive worker to remove")
		return false
	}
	r := s.receivers[0]
	s.receivers = s.receivers[1:]
	s.poolMu.Unlock()

	s.stopWorker(ctx, r.worker, s.opts.ReceiveStopTimeout)
	s.logger.Info().Int("worker_id", r.id).Msg("Removed receive worker")
	return true
}

// DispatcherCount returns the number of dispatch workers.
func (s *Server) DispatcherCount() int {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	return len(s.dispatchers)
}

// ReceiverCount returns the number of receive workers.
func (s *Server) ReceiverCount() int {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	return len(s.receivers)
}

// SetDispatchers grows or shrinks the dispatch pool to n.
func (s *Server) SetDispatchers(ctx context.Context, n int) {
	for s.DispatcherCount() < n {
		s.AddDispatcher()
	}
	for s.DispatcherCount() > n {
		if !s.RemoveDispatcher(ctx) {
			return
		}
	}
}

// SetReceivers grows or shrinks the receive pool to n.
func (s *Server) SetReceivers(ctx context.Context, n int) {
	for s.ReceiverCount() < n {
		s.AddReceiver()
	}
	for s.ReceiverCount() > n {
		if !s.RemoveReceiver(ctx) {
			return
		}
	}
}
