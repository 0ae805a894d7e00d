// Package config provides configuration management for Nova servers
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BackupTheBerlios/nova-svn/core"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Duration is a time.Duration written as "200ms" or "2s" in every format.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String returns the duration in time.Duration notation.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Transport kinds
const (
	TransportLoopback = "loopback"
	TransportTCP      = "tcp"
)

// Log formats
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config represents the complete Nova configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app" toml:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log" toml:"log"`

	// Server configuration
	Server ServerConfig `yaml:"server" json:"server" toml:"server"`

	// Protocols registered with the server
	Transports []TransportConfig `yaml:"transports,omitempty" json:"transports,omitempty" toml:"transports,omitempty"`

	// Components hosted by the server
	Components []ComponentConfig `yaml:"components,omitempty" json:"components,omitempty" toml:"components,omitempty"`

	// Components known to live on other servers
	Remotes []RemoteConfig `yaml:"remotes,omitempty" json:"remotes,omitempty" toml:"remotes,omitempty"`

	// Monitoring configuration
	Monitor MonitorConfig `yaml:"monitor" json:"monitor" toml:"monitor"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string            `yaml:"name" json:"name" toml:"name"`
	Version     string            `yaml:"version" json:"version" toml:"version"`
	Environment Environment       `yaml:"environment" json:"environment" toml:"environment"`
	Debug       bool              `yaml:"debug" json:"debug" toml:"debug"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty" toml:"description,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty" toml:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level" toml:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format" toml:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output" toml:"output"`

	// Enable colored output for the text format
	Color bool `yaml:"color" json:"color" toml:"color"`

	// Fields added to every log entry
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty" toml:"fields,omitempty"`
}

// ServerConfig contains the message server settings
type ServerConfig struct {
	// Server name, addressed as "SRV:<name>"
	Name string `yaml:"name" json:"name" toml:"name"`

	// System-wide servers route only and host no components
	SystemWide bool `yaml:"system_wide" json:"system_wide" toml:"system_wide"`

	// Worker pool sizes
	Dispatchers int `yaml:"dispatchers" json:"dispatchers" toml:"dispatchers"`
	Receivers   int `yaml:"receivers" json:"receivers" toml:"receivers"`

	// Sleep between polls of an idle worker
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval" toml:"poll_interval"`

	// Bounded joins when stopping workers
	DispatchStopTimeout Duration `yaml:"dispatch_stop_timeout" json:"dispatch_stop_timeout" toml:"dispatch_stop_timeout"`
	ReceiveStopTimeout  Duration `yaml:"receive_stop_timeout" json:"receive_stop_timeout" toml:"receive_stop_timeout"`

	// Timeout of a single disco query
	DiscoverTimeout Duration `yaml:"discover_timeout" json:"discover_timeout" toml:"discover_timeout"`

	// Disco server addresses, queried in order
	Discos []string `yaml:"discos,omitempty" json:"discos,omitempty" toml:"discos,omitempty"`
}

// TransportConfig describes one protocol instance
type TransportConfig struct {
	// Kind is "loopback" or "tcp"
	Kind string `yaml:"kind" json:"kind" toml:"kind"`

	// Host is the loopback host name; defaults to the server name
	Host string `yaml:"host,omitempty" json:"host,omitempty" toml:"host,omitempty"`

	// TCP listen and advertised host:port
	Listen    string `yaml:"listen,omitempty" json:"listen,omitempty" toml:"listen,omitempty"`
	Advertise string `yaml:"advertise,omitempty" json:"advertise,omitempty" toml:"advertise,omitempty"`

	DialTimeout  Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty" toml:"dial_timeout,omitempty"`
	WriteTimeout Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty" toml:"write_timeout,omitempty"`

	SendQueue int `yaml:"send_queue,omitempty" json:"send_queue,omitempty" toml:"send_queue,omitempty"`
	InboxSize int `yaml:"inbox_size,omitempty" json:"inbox_size,omitempty" toml:"inbox_size,omitempty"`
	MaxFrame  int `yaml:"max_frame,omitempty" json:"max_frame,omitempty" toml:"max_frame,omitempty"`
}

// ComponentConfig describes a component loaded through the runtime
type ComponentConfig struct {
	Name string `yaml:"name" json:"name" toml:"name"`

	// Lazy components are loaded on their first message
	Lazy bool `yaml:"lazy" json:"lazy" toml:"lazy"`

	Info    core.ComponentInfo `yaml:"info" json:"info" toml:"info"`
	Runtime RuntimeConfig      `yaml:"runtime" json:"runtime" toml:"runtime"`
}

// RuntimeConfig selects the loading strategy of a component
type RuntimeConfig struct {
	// Kind is a registered runtime strategy, e.g. "factory" or "plugin"
	Kind string `yaml:"kind" json:"kind" toml:"kind"`

	Attributes map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty" toml:"attributes,omitempty"`
}

// RemoteConfig is a static entry in the remote component table
type RemoteConfig struct {
	Name      string   `yaml:"name" json:"name" toml:"name"`
	Address   string   `yaml:"address" json:"address" toml:"address"`
	Contracts []string `yaml:"contracts,omitempty" json:"contracts,omitempty" toml:"contracts,omitempty"`
}

// Component returns the remote table entry described by r.
func (r RemoteConfig) Component() core.RemoteComponent {
	return core.RemoteComponent{
		Name:    r.Name,
		Address: r.Address,
		Info:    core.ComponentInfo{Name: r.Name, SupportedContracts: r.Contracts},
	}
}

// MonitorConfig contains monitoring configuration
type MonitorConfig struct {
	// Enable metrics collection
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// HTTP server for metrics
	HTTP HTTPMonitorConfig `yaml:"http" json:"http" toml:"http"`
}

// HTTPMonitorConfig contains HTTP monitoring server settings
type HTTPMonitorConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	Address     string `yaml:"address" json:"address" toml:"address"`
	Port        int    `yaml:"port" json:"port" toml:"port"`
	MetricsPath string `yaml:"metrics_path" json:"metrics_path" toml:"metrics_path"`
	HealthPath  string `yaml:"health_path" json:"health_path" toml:"health_path"`
}

// Addr returns the host:port the monitoring server listens on.
func (h HTTPMonitorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "nova",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Description: "Nova component server",
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
			Output: "stdout",
			Color:  true,
		},
		Server: ServerConfig{
			Name:                "nova",
			Dispatchers:         1,
			Receivers:           1,
			PollInterval:        Duration(200 * time.Millisecond),
			DispatchStopTimeout: Duration(200 * time.Millisecond),
			ReceiveStopTimeout:  Duration(200 * time.Millisecond),
			DiscoverTimeout:     Duration(2 * time.Second),
		},
		Monitor: MonitorConfig{
			Enabled: true,
			HTTP: HTTPMonitorConfig{
				Enabled:     false,
				Address:     "127.0.0.1",
				Port:        9090,
				MetricsPath: "/metrics",
				HealthPath:  "/health",
			},
		},
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.App.Metadata = cloneStrings(c.App.Metadata)
	out.Log.Fields = cloneStrings(c.Log.Fields)
	out.Server.Discos = append([]string(nil), c.Server.Discos...)
	out.Transports = append([]TransportConfig(nil), c.Transports...)
	out.Remotes = make([]RemoteConfig, len(c.Remotes))
	for i, r := range c.Remotes {
		r.Contracts = append([]string(nil), r.Contracts...)
		out.Remotes[i] = r
	}
	out.Components = make([]ComponentConfig, len(c.Components))
	for i, comp := range c.Components {
		comp.Info.SupportedContracts = append([]string(nil), comp.Info.SupportedContracts...)
		comp.Runtime.Attributes = cloneStrings(comp.Runtime.Attributes)
		out.Components[i] = comp
	}
	return &out
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, c.App.Environment)
	}

	if !c.Log.Level.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	switch c.Log.Format {
	case LogFormatJSON, LogFormatText:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}

	if c.Server.Name == "" {
		return ErrInvalidServerName
	}
	if c.Server.Dispatchers < 0 || c.Server.Receivers < 0 {
		return ErrInvalidWorkerCount
	}
	for _, d := range c.Server.Discos {
		if _, _, ok := core.SplitAddress(d); !ok {
			return fmt.Errorf("disco %q: %w", d, core.ErrInvalidAddress)
		}
	}

	for i, t := range c.Transports {
		switch t.Kind {
		case TransportLoopback:
		case TransportTCP:
			if t.Listen == "" {
				return fmt.Errorf("transport %d: %w: tcp requires listen", i, ErrInvalidTransport)
			}
		default:
			return fmt.Errorf("transport %d: %w: kind %q", i, ErrInvalidTransport, t.Kind)
		}
	}

	names := make(map[string]bool, len(c.Components)+len(c.Remotes))
	for i, comp := range c.Components {
		if comp.Name == "" {
			return fmt.Errorf("component %d: %w: missing name", i, ErrInvalidComponent)
		}
		if comp.Runtime.Kind == "" {
			return fmt.Errorf("component %q: %w: missing runtime kind", comp.Name, ErrInvalidComponent)
		}
		if names[comp.Name] {
			return fmt.Errorf("component %q: %w", comp.Name, ErrDuplicateName)
		}
		names[comp.Name] = true
	}
	if c.Server.SystemWide && len(c.Components) > 0 {
		return fmt.Errorf("%w: system-wide server cannot host components", ErrInvalidComponent)
	}

	for _, r := range c.Remotes {
		if r.Name == "" {
			return fmt.Errorf("%w: missing name", ErrInvalidRemote)
		}
		if _, _, ok := core.SplitAddress(r.Address); !ok {
			return fmt.Errorf("remote %q: %w", r.Name, core.ErrInvalidAddress)
		}
		if names[r.Name] {
			return fmt.Errorf("remote %q: %w", r.Name, ErrDuplicateName)
		}
		names[r.Name] = true
	}

	if c.Monitor.HTTP.Enabled && (c.Monitor.HTTP.Port < 0 || c.Monitor.HTTP.Port > 65535) {
		return ErrInvalidPort
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}
