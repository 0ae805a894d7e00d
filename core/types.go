package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ControlPrefix marks a target address as a server control address.
// A message targeted at "SRV:<name>" is handled by the server called name.
const ControlPrefix = "SRV:"

// MessageType defines the kind of message being sent.
type MessageType uint8

const (
	// MessageTypeUnknown is the zero value
	MessageTypeUnknown MessageType = iota

	// MessageTypeMessage for ordinary requests
	MessageTypeMessage

	// MessageTypeReceipt for success replies
	MessageTypeReceipt

	// MessageTypeException for failure replies
	MessageTypeException
)

// String returns the string representation of MessageType.
func (t MessageType) String() string {
	switch t {
	case MessageTypeMessage:
		return "message"
	case MessageTypeReceipt:
		return "receipt"
	case MessageTypeException:
		return "exception"
	default:
		return "unknown"
	}
}

// IsReply reports whether t is a Receipt or an Exception.
func (t MessageType) IsReply() bool {
	return t == MessageTypeReceipt || t == MessageTypeException
}

// Priority selects the queue buffer a message is placed in.
type Priority uint8

const (
	// PriorityNormal is the default priority
	PriorityNormal Priority = iota

	// PriorityLow messages are served after every Normal and High message
	PriorityLow

	// PriorityHigh messages are served first
	PriorityHigh
)

// String returns the string representation of Priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority converts a configuration string into a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, true
	case "", "normal":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	default:
		return PriorityNormal, false
	}
}

// Message is the unit of communication between components.
//
// RefID is assigned by the sender and copied verbatim onto every reply;
// nothing in the server interprets or changes it.
type Message struct {
	// Action is the verb the target should perform
	Action string `cbor:"1,keyasint" json:"action"`

	// Arguments are opaque values passed to the target
	Arguments []any `cbor:"2,keyasint,omitempty" json:"arguments,omitempty"`

	// Sender is the address replies are sent to
	Sender string `cbor:"3,keyasint" json:"sender"`

	// Target is the component name or a "SRV:<name>" control address
	Target string `cbor:"4,keyasint" json:"target"`

	// RefID is the sender-assigned correlation token
	RefID string `cbor:"5,keyasint,omitempty" json:"ref_id,omitempty"`

	Type     MessageType `cbor:"6,keyasint" json:"type"`
	Priority Priority    `cbor:"7,keyasint" json:"priority"`

	// TTL of zero means the message never expires
	TTL time.Duration `cbor:"8,keyasint,omitempty" json:"ttl,omitempty"`

	// Sent is stamped by the originating server
	Sent time.Time `cbor:"9,keyasint" json:"sent"`
}

// NewMessage creates a Normal priority message carrying a fresh RefID.
func NewMessage(action, target, sender string, args ...any) *Message {
	return &Message{
		Action:    action,
		Arguments: args,
		Target:    target,
		Sender:    sender,
		RefID:     NewRefID(),
		Type:      MessageTypeMessage,
		Priority:  PriorityNormal,
	}
}

// NewRefID returns a random correlation token.
func NewRefID() string {
	return uuid.NewString()
}

// Arg returns the i-th argument, or nil when there is none.
func (m *Message) Arg(i int) any {
	if i < 0 || i >= len(m.Arguments) {
		return nil
	}
	return m.Arguments[i]
}

// IsControl reports whether the message targets a server control address.
func (m *Message) IsControl() bool {
	return IsControlAddress(m.Target)
}

// IsExpired reports whether a non-zero TTL has elapsed since Sent.
func (m *Message) IsExpired(now time.Time) bool {
	if m.TTL <= 0 || m.Sent.IsZero() {
		return false
	}
	return now.After(m.Sent.Add(m.TTL))
}

// Clone returns a copy of the message with its own argument slice.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Arguments != nil {
		clone.Arguments = make([]any, len(m.Arguments))
		copy(clone.Arguments, m.Arguments)
	}
	return &clone
}

// IsControlAddress reports whether address has the "SRV:" prefix.
func IsControlAddress(address string) bool {
	return len(address) >= len(ControlPrefix) &&
		strings.EqualFold(address[:len(ControlPrefix)], ControlPrefix)
}

// ControlAddress returns the control address of the named server.
func ControlAddress(serverName string) string {
	return ControlPrefix + serverName
}

// ControlServerName extracts the server name from a control address.
func ControlServerName(address string) string {
	if !IsControlAddress(address) {
		return ""
	}
	return address[len(ControlPrefix):]
}
