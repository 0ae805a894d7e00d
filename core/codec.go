package core

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ConvertArg copies an argument into out. Values decoded by a wire
// protocol arrive as generic maps, so anything that is not already the
// target type is re-encoded and decoded into out.
func ConvertArg(v any, out any) error {
	if v == nil {
		return fmt.Errorf("nil argument: %w", ErrBadArgument)
	}
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %T: %w: %v", v, ErrBadArgument, err)
	}
	if err := cbor.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %T into %T: %w: %v", v, out, ErrBadArgument, err)
	}
	return nil
}

// StringArg returns argument i as a string.
func StringArg(m *Message, i int) (string, error) {
	s, ok := m.Arg(i).(string)
	if !ok {
		return "", fmt.Errorf("argument %d of %s must be a string, got %T: %w", i, m.Action, m.Arg(i), ErrBadArgument)
	}
	return s, nil
}

// RemoteArg returns argument i as a RemoteComponent.
func RemoteArg(m *Message, i int) (RemoteComponent, error) {
	switch v := m.Arg(i).(type) {
	case RemoteComponent:
		return v, nil
	case *RemoteComponent:
		if v == nil {
			return RemoteComponent{}, fmt.Errorf("argument %d of %s is nil: %w", i, m.Action, ErrBadArgument)
		}
		return *v, nil
	default:
		var rc RemoteComponent
		if err := ConvertArg(v, &rc); err != nil {
			return RemoteComponent{}, err
		}
		return rc, nil
	}
}

// MessageArg returns argument i as a Message.
func MessageArg(m *Message, i int) (*Message, error) {
	switch v := m.Arg(i).(type) {
	case *Message:
		if v == nil {
			return nil, fmt.Errorf("argument %d of %s is nil: %w", i, m.Action, ErrBadArgument)
		}
		return v, nil
	case Message:
		return &v, nil
	default:
		out := &Message{}
		if err := ConvertArg(v, out); err != nil {
			return nil, err
		}
		return out, nil
	}
}
