package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/BackupTheBerlios/nova-svn/core"
)

// ControlAction is an action understood by the control protocol.
type ControlAction uint8

const (
	ActionUnknown ControlAction = iota
	ActionAddReceiver
	ActionRemoveReceiver
	ActionAddDispatcher
	ActionRemoveDispatcher
	ActionGetReceiverCount
	ActionGetDispatcherCount
	ActionRegisterComponent
	ActionUnregisterComponent
	ActionResolveContract
	ActionGetName
	ActionSendMessage
	ActionRegisterDisco
	ActionUnregisterDisco
	ActionGetComponents
	ActionSetName
)

var actionNames = map[ControlAction]string{
	ActionAddReceiver:         "ADDRECEIVER",
	ActionRemoveReceiver:      "REMOVERECEIVER",
	ActionAddDispatcher:       "ADDDISPATCHER",
	ActionRemoveDispatcher:    "REMOVEDISPATCHER",
	ActionGetReceiverCount:    "GETRTHREADCOUNT",
	ActionGetDispatcherCount:  "GETDTHREADCOUNT",
	ActionRegisterComponent:   "REGISTERCOMPONENT",
	ActionUnregisterComponent: "UNREGISTERCOMPONENT",
	ActionResolveContract:     "RESOLVECONTRACT",
	ActionGetName:             "GETNAME",
	ActionSendMessage:         "SENDMESSAGE",
	ActionRegisterDisco:       "REGISTERDISCO",
	ActionUnregisterDisco:     "UNREGISTERDISCO",
	ActionGetComponents:       "GETCOMPONENTS",
	ActionSetName:             "SETNAME",
}

// Spellings accepted in addition to actionNames.
var actionAliases = map[string]ControlAction{
	"ADDRECIEVER":    ActionAddReceiver,
	"REMOVERECIEVER": ActionRemoveReceiver,
}

var actionsByName = func() map[string]ControlAction {
	m := make(map[string]ControlAction, len(actionNames)+len(actionAliases))
	for a, name := range actionNames {
		m[name] = a
	}
	for name, a := range actionAliases {
		m[name] = a
	}
	return m
}()

// String returns the wire name of the action.
func (a ControlAction) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseControlAction matches s case-insensitively.
func ParseControlAction(s string) ControlAction {
	return actionsByName[strings.ToUpper(strings.TrimSpace(s))]
}

// ControlMessage builds a control message for the named server.
func ControlMessage(action ControlAction, serverName, sender string, args ...any) *core.Message {
	return core.NewMessage(action.String(), core.ControlAddress(serverName), sender, args...)
}

type controlHandler func(ctx context.Context, s *Server, msg *core.Message) (any, error)

// controlHandlers is filled in init because the handlers reach
// DispatchControl through the dispatch workers they start.
var controlHandlers map[ControlAction]controlHandler

func init() {
	controlHandlers = map[ControlAction]controlHandler{
		ActionAddReceiver: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			s.AddReceiver()
			return nil, nil
		},
		ActionRemoveReceiver: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			s.RemoveReceiver(ctx)
			return nil, nil
		},
		ActionAddDispatcher: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			s.AddDispatcher()
			return nil, nil
		},
		ActionRemoveDispatcher: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			s.RemoveDispatcher(ctx)
			return nil, nil
		},
		ActionGetReceiverCount: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			return s.ReceiverCount(), nil
		},
		ActionGetDispatcherCount: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			return s.DispatcherCount(), nil
		},
		ActionRegisterComponent: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			rc, err := core.RemoteArg(msg, 0)
			if err != nil {
				return nil, err
			}
			return nil, s.RegisterComponent(rc)
		},
		ActionUnregisterComponent: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			name, err := core.StringArg(msg, 0)
			if err != nil {
				return nil, err
			}
			return nil, s.UnregisterComponent(name)
		},
		ActionResolveContract: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			contract, err := core.StringArg(msg, 0)
			if err != nil {
				return nil, err
			}
			return s.ResolveContract(contract), nil
		},
		ActionGetName: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			return s.Name(), nil
		},
		ActionSendMessage: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			inner, err := core.MessageArg(msg, 0)
			if err != nil {
				return nil, err
			}
			return nil, s.SendMessage(inner)
		},
		ActionRegisterDisco: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			address, err := core.StringArg(msg, 0)
			if err != nil {
				return nil, err
			}
			return nil, s.RegisterDisco(address)
		},
		ActionUnregisterDisco: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			address, err := core.StringArg(msg, 0)
			if err != nil {
				return nil, err
			}
			return nil, s.UnregisterDisco(address)
		},
		ActionGetComponents: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			return s.Components(), nil
		},
		ActionSetName: func(ctx context.Context, s *Server, msg *core.Message) (any, error) {
			name, err := core.StringArg(msg, 0)
			if err != nil {
				return nil, err
			}
			return nil, s.SetName(name)
		},
	}
}

// DispatchControl executes a control message and returns its result.
// Unknown actions fail with ErrUnknownAction.
func (s *Server) DispatchControl(ctx context.Context, msg *core.Message) (any, error) {
	if msg == nil {
		return nil, core.ErrNilMessage
	}
	action := ParseControlAction(msg.Action)
	handler, ok := controlHandlers[action]
	if !ok {
		s.logger.Warn().Str("action", msg.Action).Str("sender", msg.Sender).Msg("Unknown control action")
		return nil, fmt.Errorf("%q: %w", msg.Action, ErrUnknownAction)
	}

	result, err := handler(ctx, s, msg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}

	s.metrics.controls.WithLabelValues(action.String()).Inc()
	s.logger.Info().Str("action", action.String()).Str("sender", msg.Sender).Msg("Control action executed")
	return result, nil
}
