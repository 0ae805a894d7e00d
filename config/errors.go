// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName     = errors.New("invalid application name")
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidLogFormat   = errors.New("invalid log format")
	ErrInvalidServerName  = errors.New("invalid server name")
	ErrInvalidWorkerCount = errors.New("invalid worker count")
	ErrInvalidTransport   = errors.New("invalid transport")
	ErrInvalidComponent   = errors.New("invalid component")
	ErrInvalidRemote      = errors.New("invalid remote component")
	ErrDuplicateName      = errors.New("duplicate component name")
	ErrInvalidPort        = errors.New("invalid port number")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrConfigWatchError    = errors.New("configuration watch error")
)
