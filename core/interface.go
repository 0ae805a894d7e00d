package core

import (
	"context"
)

// Component is a named unit of behaviour hosted by exactly one server.
type Component interface {
	// Name returns the registry key of this Component.
	Name() string

	// Initialize binds the Component to its owning server.
	// It is called once, before the first Dispatch.
	Initialize(server ComponentServer) error

	// Dispatch handles a single message and returns the reply payload.
	// A returned error is reported to the sender as an Exception.
	Dispatch(ctx context.Context, msg *Message) (any, error)

	// Status returns the current lifecycle status.
	Status() Status

	// SetStatus updates the lifecycle status.
	SetStatus(status Status)

	// Info returns descriptive metadata.
	Info() ComponentInfo

	// SetInfo replaces the descriptive metadata.
	SetInfo(info ComponentInfo)

	// SupportedContracts lists the contract names this Component satisfies.
	SupportedContracts() []string
}

// ComponentServer is the view of a server available to its components.
type ComponentServer interface {
	// Name returns the server name.
	Name() string

	// SendMessage enqueues a message for local or remote delivery.
	SendMessage(msg *Message) error

	// Components returns the names of all local components.
	Components() []string

	// ResolveContract returns the components advertising contract.
	ResolveContract(contract string) []RemoteComponent
}

// Contract is a named predicate over messages.
type Contract interface {
	// Name returns the registry key of this Contract.
	Name() string

	// Verify reports whether msg satisfies the contract.
	Verify(msg *Message) bool
}

// Protocol is a transport identified by an address scheme.
// Implementations must be safe for concurrent use.
type Protocol interface {
	// Scheme returns the address prefix before the first ':'.
	Scheme() string

	// Send delivers msg to the server at address.
	Send(msg *Message, address string) error

	// Receive returns the next inbound message without blocking.
	Receive() (*Message, bool)
}

// Resolver is implemented by protocols that can ask a remote server where
// a component lives.
type Resolver interface {
	// Resolve asks the server at discoAddress for the component called name.
	// It returns ErrNotFound when that server does not know the name.
	Resolve(ctx context.Context, discoAddress, name string) (*RemoteComponent, error)
}

// Directory answers resolution requests from other servers.
type Directory interface {
	// Lookup returns the location of name. An empty Address means the
	// component is hosted by the answering server itself.
	Lookup(name string) (*RemoteComponent, bool)
}

// DirectoryAware is implemented by protocols that serve resolution requests.
type DirectoryAware interface {
	SetDirectory(d Directory)
}

// ComponentLoader produces the Component behind a lazy entry.
type ComponentLoader interface {
	Load() (Component, error)
}

// LoaderFunc adapts a plain function to ComponentLoader.
type LoaderFunc func() (Component, error)

// Load calls f.
func (f LoaderFunc) Load() (Component, error) {
	return f()
}
