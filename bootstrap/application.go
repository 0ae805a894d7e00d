package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/BackupTheBerlios/nova-svn/config"
	"github.com/BackupTheBerlios/nova-svn/core"
	"github.com/BackupTheBerlios/nova-svn/logging"
	"github.com/BackupTheBerlios/nova-svn/runtime"
	"github.com/BackupTheBerlios/nova-svn/server"
	"github.com/BackupTheBerlios/nova-svn/transport/loopback"
	"github.com/BackupTheBerlios/nova-svn/transport/tcp"
)

// DefaultShutdownTimeout bounds the shutdown performed by Run.
const DefaultShutdownTimeout = 30 * time.Second

// Options adjusts how an Application is assembled
type Options struct {
	// ConfigFile is watched for changes when Watch is set
	ConfigFile string
	Watch      bool

	// Logger replaces the logger built from the log configuration
	Logger *zerolog.Logger

	// Network is the in-process network loopback transports join;
	// a private one is created when nil
	Network *loopback.Network

	// Registry receives all metrics; a new one is created when nil
	Registry *prometheus.Registry

	// Loader reads the watched configuration file
	Loader *config.Loader
}

// Application is a configured Nova server with its transports,
// components and monitoring endpoint
type Application struct {
	cfg    *config.Config
	opts   Options
	logger zerolog.Logger

	// logCloser releases the log file, if any
	logCloser io.Closer

	registry   *prometheus.Registry
	server     *server.Server
	network    *loopback.Network
	transports *transportService
	lifecycle  *Lifecycle
	monitor    *monitorService
	watcher    *config.Watcher

	// mu protects running and cfg
	mu      sync.Mutex
	running bool
}

// New assembles an application from cfg. Nothing is started until Start
// or Run is called.
func New(cfg *config.Config, opts Options) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{
		cfg:      cfg,
		opts:     opts,
		registry: opts.Registry,
		network:  opts.Network,
	}

	if opts.Logger != nil {
		app.logger = *opts.Logger
	} else {
		logger, closer, err := logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		app.logger = logger
		app.logCloser = closer
	}
	app.logger = app.logger.With().Str("app", cfg.App.Name).Logger()

	if app.registry == nil {
		app.registry = prometheus.NewRegistry()
		app.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if app.network == nil {
		app.network = loopback.NewNetwork(app.logger)
	}
	app.lifecycle = NewLifecycle(app.logger)
	app.transports = &transportService{}

	if err := app.build(); err != nil {
		_ = app.transports.Stop(context.Background())
		app.release()
		return nil, err
	}
	return app, nil
}

func (app *Application) build() error {
	cfg := app.cfg

	opts := server.Options{
		Name:                cfg.Server.Name,
		SystemWide:          cfg.Server.SystemWide,
		Dispatchers:         cfg.Server.Dispatchers,
		Receivers:           cfg.Server.Receivers,
		PollInterval:        cfg.Server.PollInterval.Std(),
		DispatchStopTimeout: cfg.Server.DispatchStopTimeout.Std(),
		ReceiveStopTimeout:  cfg.Server.ReceiveStopTimeout.Std(),
		DiscoverTimeout:     cfg.Server.DiscoverTimeout.Std(),
		Discos:              cfg.Server.Discos,
		Logger:              app.logger,
	}
	if cfg.Monitor.Enabled {
		opts.Registerer = app.registry
	}
	srv, err := server.New(opts)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	app.server = srv

	transports := &transportService{}
	app.transports = transports
	for i, tc := range cfg.Transports {
		t, err := app.openTransport(tc)
		if err != nil {
			return fmt.Errorf("transport %d (%s): %w", i, tc.Kind, err)
		}
		transports.transports = append(transports.transports, t)
		if err := srv.RegisterProtocol(t); err != nil {
			return fmt.Errorf("register %s transport: %w", tc.Kind, err)
		}
	}

	for _, rc := range cfg.Remotes {
		if err := srv.RegisterComponent(rc.Component()); err != nil {
			return fmt.Errorf("remote %q: %w", rc.Name, err)
		}
	}

	for _, cc := range cfg.Components {
		if err := app.attachComponent(cc); err != nil {
			return fmt.Errorf("component %q: %w", cc.Name, err)
		}
	}

	if err := app.lifecycle.Register(transports); err != nil {
		return err
	}
	if err := app.lifecycle.Register(&serverService{server: srv}, ServiceTransports); err != nil {
		return err
	}

	if cfg.Monitor.Enabled && cfg.Monitor.HTTP.Enabled {
		app.monitor = &monitorService{
			cfg:      cfg.Monitor.HTTP,
			gatherer: app.registry,
			health:   app.lifecycle.Health,
			logger:   app.logger,
		}
		if err := app.lifecycle.Register(app.monitor, ServiceServer); err != nil {
			return err
		}
	}

	if app.opts.Watch && app.opts.ConfigFile != "" {
		loader := app.opts.Loader
		if loader == nil {
			loader = config.NewLoader()
		}
		w, err := config.NewWatcher(app.opts.ConfigFile, loader, app.logger)
		if err != nil {
			return err
		}
		w.OnConfigChange(app.applyConfig)
		app.watcher = w
		if err := app.lifecycle.Register(&watcherService{watcher: w}, ServiceServer); err != nil {
			return err
		}
	}
	return nil
}

func (app *Application) openTransport(tc config.TransportConfig) (transport, error) {
	switch tc.Kind {
	case config.TransportLoopback:
		host := tc.Host
		if host == "" {
			host = app.cfg.Server.Name
		}
		return app.network.Listen(host)
	case config.TransportTCP:
		opts := tcp.DefaultOptions()
		opts.Listen = tc.Listen
		opts.Advertise = tc.Advertise
		if tc.DialTimeout > 0 {
			opts.DialTimeout = tc.DialTimeout.Std()
		}
		if tc.WriteTimeout > 0 {
			opts.WriteTimeout = tc.WriteTimeout.Std()
		}
		opts.SendQueue = tc.SendQueue
		opts.InboxSize = tc.InboxSize
		opts.MaxFrame = tc.MaxFrame
		opts.Logger = app.logger
		return tcp.New(opts), nil
	default:
		return nil, fmt.Errorf("%w: kind %q", config.ErrInvalidTransport, tc.Kind)
	}
}

func (app *Application) attachComponent(cc config.ComponentConfig) error {
	loader, err := runtime.Open(cc.Runtime.Kind, cc.Name, runtime.Attributes(cc.Runtime.Attributes))
	if err != nil {
		return err
	}

	info := cc.Info
	if info.Name == "" {
		info.Name = cc.Name
	}

	if cc.Lazy {
		return app.server.AttachLazyComponent(runtime.Lazy(cc.Name, info, loader))
	}

	c, err := loader.Load()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrLoad, err)
	}
	if c.Info().Name == "" {
		c.SetInfo(info)
	}
	return app.server.AttachComponent(c)
}

// Config returns the configuration currently applied.
func (app *Application) Config() *config.Config {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.cfg
}

// Server returns the message server.
func (app *Application) Server() *server.Server { return app.server }

// Registry returns the metrics registry.
func (app *Application) Registry() *prometheus.Registry { return app.registry }

// Lifecycle returns the service lifecycle.
func (app *Application) Lifecycle() *Lifecycle { return app.lifecycle }

// Logger returns the application logger.
func (app *Application) Logger() zerolog.Logger { return app.logger }

// MonitorAddr returns the bound monitoring address, or "" when disabled.
func (app *Application) MonitorAddr() string {
	if app.monitor == nil {
		return ""
	}
	return app.monitor.Addr()
}

// Start starts transports, worker pools, monitoring and the config watcher.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	if app.running {
		app.mu.Unlock()
		return fmt.Errorf("application is already running")
	}
	app.running = true
	app.mu.Unlock()

	if err := app.lifecycle.Start(ctx); err != nil {
		app.mu.Lock()
		app.running = false
		app.mu.Unlock()
		return err
	}

	app.logger.Info().
		Str("server", app.server.Name()).
		Strs("components", app.server.Components()).
		Msg("Application started")
	return nil
}

// Run starts the application and blocks until ctx is done or the process
// receives SIGINT or SIGTERM, then shuts down.
func (app *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		app.release()
		return err
	}

	<-ctx.Done()
	app.logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

// Shutdown stops every service in reverse start order and releases the
// server's metrics and the log output.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	wasRunning := app.running
	app.running = false
	app.mu.Unlock()

	var err error
	if wasRunning {
		err = app.lifecycle.Stop(ctx)
	}
	app.release()

	app.logger.Info().Err(err).Msg("Application stopped")
	return err
}

// release frees what New acquired outside the lifecycle.
func (app *Application) release() {
	if app.watcher != nil {
		_ = app.watcher.Stop()
	}
	if app.server != nil {
		_ = app.server.Close(context.Background())
	}
	if app.logCloser != nil {
		_ = app.logCloser.Close()
		app.logCloser = nil
	}
}

// applyConfig applies the parts of a reloaded configuration that can
// change at runtime: pool sizes and the disco list.
func (app *Application) applyConfig(oldConfig, newConfig *config.Config) {
	ctx := context.Background()
	srv := app.server

	if newConfig.Server.Dispatchers != oldConfig.Server.Dispatchers {
		srv.SetDispatchers(ctx, newConfig.Server.Dispatchers)
		app.logger.Info().Int("dispatchers", newConfig.Server.Dispatchers).Msg("Dispatcher pool resized")
	}
	if newConfig.Server.Receivers != oldConfig.Server.Receivers {
		srv.SetReceivers(ctx, newConfig.Server.Receivers)
		app.logger.Info().Int("receivers", newConfig.Server.Receivers).Msg("Receiver pool resized")
	}
	if !reflect.DeepEqual(newConfig.Server.Discos, oldConfig.Server.Discos) {
		if err := srv.SetDiscos(newConfig.Server.Discos); err != nil {
			app.logger.Error().Err(err).Msg("Failed to apply disco list")
		} else {
			app.logger.Info().Strs("discos", newConfig.Server.Discos).Msg("Disco list replaced")
		}
	}

	if !reflect.DeepEqual(newConfig.Transports, oldConfig.Transports) ||
		!reflect.DeepEqual(newConfig.Components, oldConfig.Components) ||
		newConfig.Server.Name != oldConfig.Server.Name {
		app.logger.Warn().Msg("Server name, transport and component changes take effect after restart")
	}

	app.mu.Lock()
	app.cfg = newConfig
	app.mu.Unlock()
}
