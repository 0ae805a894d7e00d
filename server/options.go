package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Options configures a Server.
type Options struct {
	// Name is the server name used in "SRV:<name>" control addresses
	Name string

	// SystemWide servers host no local components
	SystemWide bool

	// Dispatchers and Receivers are the pool sizes ensured by Start
	Dispatchers int
	Receivers   int

	// PollInterval is how long an idle worker sleeps before polling again
	PollInterval time.Duration

	// Bounded joins used when a worker is removed or the server shuts down
	DispatchStopTimeout time.Duration
	ReceiveStopTimeout  time.Duration

	// DiscoverTimeout bounds each query sent to a disco server
	DiscoverTimeout time.Duration

	// Discos are the initial disco server addresses, queried in order
	Discos []string

	Logger zerolog.Logger

	// Registerer receives the server metrics; nil disables registration
	Registerer prometheus.Registerer

	// Now is the clock used for TTL checks
	Now func() time.Time
}

// DefaultOptions returns the default server options.
func DefaultOptions() Options {
	return Options{
		Name:                "nova",
		Dispatchers:         1,
		Receivers:           1,
		PollInterval:        200 * time.Millisecond,
		DispatchStopTimeout: 200 * time.Millisecond,
		ReceiveStopTimeout:  200 * time.Millisecond,
		DiscoverTimeout:     2 * time.Second,
		Logger:              zerolog.Nop(),
		Now:                 time.Now,
	}
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.Dispatchers < 0 {
		o.Dispatchers = 0
	}
	if o.Receivers < 0 {
		o.Receivers = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.DispatchStopTimeout <= 0 {
		o.DispatchStopTimeout = def.DispatchStopTimeout
	}
	if o.ReceiveStopTimeout <= 0 {
		o.ReceiveStopTimeout = def.ReceiveStopTimeout
	}
	if o.DiscoverTimeout <= 0 {
		o.DiscoverTimeout = def.DiscoverTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
