package core

import (
	"context"
	"sync"
)

// Status is the lifecycle state of a component.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusInitializing
	StatusRunning
	StatusStopped
	StatusFaulted
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ComponentInfo is descriptive metadata about a component.
type ComponentInfo struct {
	Name               string   `yaml:"name" json:"name" toml:"name" cbor:"1,keyasint,omitempty"`
	Author             string   `yaml:"author" json:"author" toml:"author" cbor:"2,keyasint,omitempty"`
	Company            string   `yaml:"company" json:"company" toml:"company" cbor:"3,keyasint,omitempty"`
	Website            string   `yaml:"website" json:"website" toml:"website" cbor:"4,keyasint,omitempty"`
	Version            string   `yaml:"version" json:"version" toml:"version" cbor:"5,keyasint,omitempty"`
	Description        string   `yaml:"description" json:"description" toml:"description" cbor:"6,keyasint,omitempty"`
	Copyright          string   `yaml:"copyright" json:"copyright" toml:"copyright" cbor:"7,keyasint,omitempty"`
	SupportedContracts []string `yaml:"contracts" json:"contracts" toml:"contracts" cbor:"8,keyasint,omitempty"`
}

// Supports reports whether contract is listed in SupportedContracts.
func (i ComponentInfo) Supports(contract string) bool {
	for _, c := range i.SupportedContracts {
		if c == contract {
			return true
		}
	}
	return false
}

// LazyComponent is a registry entry whose Component is built on first use.
type LazyComponent struct {
	Name   string
	Info   ComponentInfo
	Loader ComponentLoader
}

// RemoteComponent locates a component hosted by another server.
type RemoteComponent struct {
	Name string `cbor:"1,keyasint" json:"name"`

	// Address is "scheme:rest"; the scheme selects the protocol
	Address string `cbor:"2,keyasint" json:"address"`

	Info ComponentInfo `cbor:"3,keyasint,omitempty" json:"info"`
}

// BaseComponent carries the bookkeeping shared by every Component.
// Embed it and implement Dispatch.
type BaseComponent struct {
	mu     sync.RWMutex
	name   string
	status Status
	info   ComponentInfo
	server ComponentServer
}

// NewBaseComponent creates a BaseComponent with the given name.
func NewBaseComponent(name string) *BaseComponent {
	return &BaseComponent{name: name, info: ComponentInfo{Name: name}}
}

// Name returns the component name.
func (b *BaseComponent) Name() string {
	return b.name
}

// Initialize records the owning server and marks the component running.
func (b *BaseComponent) Initialize(server ComponentServer) error {
	b.mu.Lock()
	b.server = server
	b.status = StatusRunning
	b.mu.Unlock()
	return nil
}

// Server returns the owning server, or nil before Initialize.
func (b *BaseComponent) Server() ComponentServer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.server
}

// Status returns the current status.
func (b *BaseComponent) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// SetStatus updates the status.
func (b *BaseComponent) SetStatus(status Status) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
}

// Info returns the component metadata.
func (b *BaseComponent) Info() ComponentInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info
}

// SetInfo replaces the component metadata.
func (b *BaseComponent) SetInfo(info ComponentInfo) {
	b.mu.Lock()
	b.info = info
	b.mu.Unlock()
}

// SupportedContracts returns the contracts listed in Info.
func (b *BaseComponent) SupportedContracts() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.info.SupportedContracts))
	copy(out, b.info.SupportedContracts)
	return out
}

// DispatchFunc is the signature of a message handler.
type DispatchFunc func(ctx context.Context, msg *Message) (any, error)

// FuncComponent is a Component backed by a single handler function.
type FuncComponent struct {
	*BaseComponent
	handler DispatchFunc
}

// NewFuncComponent creates a Component that dispatches to handler.
func NewFuncComponent(name string, handler DispatchFunc) *FuncComponent {
	return &FuncComponent{
		BaseComponent: NewBaseComponent(name),
		handler:       handler,
	}
}

// Dispatch calls the handler.
func (f *FuncComponent) Dispatch(ctx context.Context, msg *Message) (any, error) {
	return f.handler(ctx, msg)
}

// ContractFunc is a Contract backed by a predicate.
type ContractFunc struct {
	name   string
	verify func(*Message) bool
}

// NewContract creates a Contract called name.
func NewContract(name string, verify func(*Message) bool) *ContractFunc {
	return &ContractFunc{name: name, verify: verify}
}

// Name returns the contract name.
func (c *ContractFunc) Name() string { return c.name }

// Verify applies the predicate.
func (c *ContractFunc) Verify(msg *Message) bool {
	if c.verify == nil {
		return true
	}
	return c.verify(msg)
}
