package server

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BackupTheBerlios/nova-svn/core"
)

const metricsNamespace = "nova"

// Message outcomes counted by the messages_total metric.
const (
	outcomeReceipt   = "receipt"
	outcomeException = "exception"
	outcomeRouted    = "routed"
	outcomeDropped   = "dropped"
	outcomeExpired   = "expired"
)

// metrics holds the server's Prometheus collectors.
type metrics struct {
	messages    *prometheus.CounterVec
	forcedStops *prometheus.CounterVec
	controls    *prometheus.CounterVec
	dispatch    prometheus.Histogram
	gauges      []prometheus.Collector
}

func newMetrics(s *Server) *metrics {
	labels := prometheus.Labels{"server": s.Name()}

	m := &metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "messages_total",
			Help:        "Messages handled by dispatch workers, by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		forcedStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "worker_forced_stops_total",
			Help:        "Workers abandoned after missing their stop timeout",
			ConstLabels: labels,
		}, []string{"kind"}),
		controls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "control_actions_total",
			Help:        "Control actions executed, by action",
			ConstLabels: labels,
		}, []string{"action"}),
		dispatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "component_dispatch_seconds",
			Help:        "Time spent in local component dispatch",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}

	for _, p := range []core.Priority{core.PriorityHigh, core.PriorityNormal, core.PriorityLow} {
		p := p
		m.gauges = append(m.gauges, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "queue_depth",
			Help:        "Pending messages per priority",
			ConstLabels: prometheus.Labels{"server": s.Name(), "priority": p.String()},
		}, func() float64 { return float64(s.queue.LenPriority(p)) }))
	}
	m.gauges = append(m.gauges,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "dispatchers",
			Help:        "Dispatch workers in the pool",
			ConstLabels: labels,
		}, func() float64 { return float64(s.DispatcherCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "receivers",
			Help:        "Receive workers in the pool",
			ConstLabels: labels,
		}, func() float64 { return float64(s.ReceiverCount()) }),
	)
	return m
}

func (m *metrics) collectors() []prometheus.Collector {
	out := []prometheus.Collector{m.messages, m.forcedStops, m.controls, m.dispatch}
	return append(out, m.gauges...)
}

func (m *metrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return fmt.Errorf("metrics for server already registered: %w", err)
			}
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	return nil
}

func (m *metrics) unregister(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

func (m *metrics) outcome(o string) {
	m.messages.WithLabelValues(o).Inc()
}
