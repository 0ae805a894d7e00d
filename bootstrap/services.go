package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/BackupTheBerlios/nova-svn/config"
	"github.com/BackupTheBerlios/nova-svn/core"
	"github.com/BackupTheBerlios/nova-svn/server"
)

// Service names
const (
	ServiceTransports = "transports"
	ServiceServer     = "server"
	ServiceMonitor    = "monitor"
	ServiceWatcher    = "config-watcher"
)

// transport is a protocol managed by the application
type transport interface {
	core.Protocol
	Address() string
	Close() error
}

// starter is implemented by transports that listen on the network
type starter interface {
	Start() error
}

// transportService opens and closes every configured transport
type transportService struct {
	transports []transport
}

func (s *transportService) Name() string { return ServiceTransports }

func (s *transportService) Start(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, t := range s.transports {
		if st, ok := t.(starter); ok {
			g.Go(st.Start)
		}
	}
	return g.Wait()
}

func (s *transportService) Stop(ctx context.Context) error {
	var g errgroup.Group
	for _, t := range s.transports {
		g.Go(t.Close)
	}
	return g.Wait()
}

func (s *transportService) Health(ctx context.Context) (HealthStatus, error) {
	addresses := make([]string, 0, len(s.transports))
	for _, t := range s.transports {
		addresses = append(addresses, t.Address())
	}
	return HealthStatus{
		State: HealthHealthy,
		Data:  map[string]interface{}{"addresses": addresses},
	}, nil
}

// serverService runs the server's worker pools
type serverService struct {
	server *server.Server
}

func (s *serverService) Name() string { return ServiceServer }

// Start detaches from ctx, which only bounds the start call itself.
func (s *serverService) Start(ctx context.Context) error {
	return s.server.Start(context.WithoutCancel(ctx))
}

func (s *serverService) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if errors.Is(err, server.ErrNotRunning) {
		return nil
	}
	return err
}

func (s *serverService) Health(ctx context.Context) (HealthStatus, error) {
	status := HealthStatus{
		State: HealthHealthy,
		Data: map[string]interface{}{
			"name":        s.server.Name(),
			"dispatchers": s.server.DispatcherCount(),
			"receivers":   s.server.ReceiverCount(),
			"queued":      s.server.Queue().Len(),
		},
	}
	if !s.server.Running() {
		status.State = HealthStopped
	}
	return status, nil
}

// monitorService serves metrics and health over HTTP
type monitorService struct {
	cfg      config.HTTPMonitorConfig
	gatherer prometheus.Gatherer
	health   func(ctx context.Context) map[string]HealthStatus
	logger   zerolog.Logger

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

func (m *monitorService) Name() string { return ServiceMonitor }

func (m *monitorService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(m.cfg.MetricsPath, promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc(m.cfg.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		report := m.health(r.Context())
		code := http.StatusOK
		for _, status := range report {
			if status.State == HealthUnhealthy {
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	})
	return mux
}

func (m *monitorService) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", m.cfg.Addr())
	if err != nil {
		return fmt.Errorf("monitor listen on %s: %w", m.cfg.Addr(), err)
	}

	srv := &http.Server{Handler: m.handler(), ReadHeaderTimeout: 5 * time.Second}
	m.mu.Lock()
	m.srv = srv
	m.addr = l.Addr().String()
	m.mu.Unlock()

	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("Monitor server failed")
		}
	}()

	m.logger.Info().Str("address", m.addr).Str("metrics", m.cfg.MetricsPath).Msg("Monitor listening")
	return nil
}

func (m *monitorService) Stop(ctx context.Context) error {
	m.mu.Lock()
	srv := m.srv
	m.srv = nil
	m.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (m *monitorService) Health(ctx context.Context) (HealthStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.srv == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: map[string]interface{}{"address": m.addr}}, nil
}

// Addr returns the bound address once started.
func (m *monitorService) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// watcherService reloads the configuration file on change
type watcherService struct {
	watcher *config.Watcher
}

func (w *watcherService) Name() string { return ServiceWatcher }

func (w *watcherService) Start(ctx context.Context) error { return w.watcher.Start() }

func (w *watcherService) Stop(ctx context.Context) error { return w.watcher.Stop() }

func (w *watcherService) Health(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{State: HealthHealthy}, nil
}
