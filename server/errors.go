package server

import "errors"

var (
	ErrUnknownAction   = errors.New("unknown control action")
	ErrAlreadyRunning  = errors.New("server already running")
	ErrNotRunning      = errors.New("server not running")
	ErrControlMismatch = errors.New("cannot route control message")
	ErrExpired         = errors.New("message expired")
	ErrInvalidName     = errors.New("server name cannot be empty")
)
