// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/BackupTheBerlios/nova-svn/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Level maps a configured level onto zerolog. Unknown levels mean info.
func Level(l config.LogLevel) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(string(l)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Output opens the configured destination. The returned closer releases
// a log file and is a no-op for the standard streams.
func Output(dest string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(dest) {
	case "", "stdout":
		return os.Stdout, nopCloser{}, nil
	case "stderr":
		return os.Stderr, nopCloser{}, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", dest, err)
	}
	return f, f, nil
}

// New builds a logger writing to the configured output.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	w, closer, err := Output(cfg.Output)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	return NewWithWriter(cfg, w), closer, nil
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	if cfg.Format != config.LogFormatJSON {
		w = zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    !cfg.Color,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(w).Level(Level(cfg.Level)).With().Timestamp()

	keys := make([]string, 0, len(cfg.Fields))
	for k := range cfg.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ctx = ctx.Str(k, cfg.Fields[k])
	}
	return ctx.Logger()
}
