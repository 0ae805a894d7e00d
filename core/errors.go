package core

import (
	"errors"
	"fmt"
)

// Registration errors
var (
	ErrNameInUse    = errors.New("name in use")
	ErrNotFound     = errors.New("not found")
	ErrNotSupported = errors.New("operation not supported")
	ErrNilComponent = errors.New("component is nil")
	ErrEmptyName    = errors.New("name cannot be empty")
)

// Routing errors
var (
	ErrNoProtocol     = errors.New("no protocol for scheme")
	ErrInvalidAddress = errors.New("invalid address")
	ErrNilMessage     = errors.New("message is nil")
)

// Execution errors
var (
	ErrLoad        = errors.New("component load failed")
	ErrBadArgument = errors.New("bad argument")
	ErrPanic       = errors.New("component panicked")
)

// FaultKind classifies the failure reported by an Exception reply.
type FaultKind string

const (
	FaultNotFound      FaultKind = "not-found"
	FaultRouting       FaultKind = "routing"
	FaultExecution     FaultKind = "execution"
	FaultControl       FaultKind = "control"
	FaultLoad          FaultKind = "load"
	FaultExpired       FaultKind = "expired"
	FaultUnknownAction FaultKind = "unknown-action"
)

// Fault is the argument carried by an Exception reply. Only plain strings
// are stored so every protocol can serialize it.
type Fault struct {
	Kind    FaultKind `cbor:"1,keyasint" json:"kind"`
	Message string    `cbor:"2,keyasint" json:"message"`
}

// NewFault wraps err as a Fault of the given kind.
func NewFault(kind FaultKind, err error) *Fault {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Fault{Kind: kind, Message: msg}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// FaultOf returns the Fault carried by an Exception reply, if any.
func FaultOf(m *Message) (*Fault, bool) {
	if m == nil || m.Type != MessageTypeException {
		return nil, false
	}
	switch f := m.Arg(0).(type) {
	case *Fault:
		return f, true
	case Fault:
		return &f, true
	case nil:
		return nil, false
	default:
		out := &Fault{}
		if err := ConvertArg(f, out); err != nil {
			return nil, false
		}
		return out, true
	}
}
