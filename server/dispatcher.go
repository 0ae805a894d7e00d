package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/BackupTheBerlios/nova-svn/core"
)

// dispatchStep handles the next queued message, if any.
func (s *Server) dispatchStep(ctx context.Context) bool {
	msg, ok := s.queue.Dequeue()
	if !ok {
		return false
	}
	s.dispatch(ctx, msg)
	return true
}

// dispatch takes exactly one terminal branch for msg: expiry, control,
// local delivery, remote routing, or not found.
func (s *Server) dispatch(ctx context.Context, msg *core.Message) {
	logger := s.logger.With().
		Str("action", msg.Action).
		Str("target", msg.Target).
		Str("sender", msg.Sender).
		Str("ref_id", msg.RefID).
		Logger()

	if msg.IsExpired(s.opts.Now()) {
		s.metrics.outcome(outcomeExpired)
		logger.Debug().Dur("ttl", msg.TTL).Msg("Message expired")
		s.fail(msg, core.FaultExpired, ErrExpired, logger)
		return
	}

	if msg.IsControl() {
		s.dispatchControl(ctx, msg, logger)
		return
	}

	if !s.systemWide {
		c, err := s.registry.Get(msg.Target)
		switch {
		case err == nil:
			s.dispatchLocal(ctx, c, msg, logger)
			return
		case errors.Is(err, core.ErrLoad):
			logger.Error().Err(err).Msg("Component failed to load")
			s.fail(msg, core.FaultLoad, err, logger)
			return
		}
	}

	if s.canRoute(ctx, msg.Target) {
		if err := s.router.Route(msg); err != nil {
			logger.Error().Err(err).Msg("Failed to route message")
			s.fail(msg, core.FaultRouting, err, logger)
			return
		}
		s.metrics.outcome(outcomeRouted)
		logger.Debug().Msg("Message routed")
		return
	}

	logger.Error().Msg("Unable to locate target component")
	s.fail(msg, core.FaultNotFound,
		fmt.Errorf("unable to locate target component %q: %w", msg.Target, core.ErrNotFound), logger)
}

// canRoute reports whether target is in the remote table or can be
// discovered.
func (s *Server) canRoute(ctx context.Context, target string) bool {
	if _, ok := s.remotes.Lookup(target); ok {
		return true
	}
	return s.Discover(ctx, target)
}

func (s *Server) dispatchLocal(ctx context.Context, c core.Component, msg *core.Message, logger zerolog.Logger) {
	logger.Debug().Msg("Dispatching to local component")

	start := time.Now()
	result, err := invoke(ctx, c, msg)
	s.metrics.dispatch.Observe(time.Since(start).Seconds())

	if msg.Type.IsReply() {
		// Replies are consumed by the component; errors are only logged.
		if err != nil {
			logger.Warn().Err(err).Msg("Component failed to handle reply")
		}
		return
	}
	if err != nil {
		logger.Info().Err(err).Msg("Component dispatch failed")
		s.metrics.outcome(outcomeException)
		s.send(core.BuildException(msg, core.NewFault(core.FaultExecution, err)), logger)
		return
	}
	s.metrics.outcome(outcomeReceipt)
	s.send(core.BuildReceipt(msg, result), logger)
}

// invoke calls Dispatch, turning a panic into an error.
func invoke(ctx context.Context, c core.Component, msg *core.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", core.ErrPanic, r)
		}
	}()
	return c.Dispatch(ctx, msg)
}

func (s *Server) dispatchControl(ctx context.Context, msg *core.Message, logger zerolog.Logger) {
	if !strings.EqualFold(core.ControlServerName(msg.Target), s.Name()) {
		logger.Error().Msg("Control message addressed to another server")
		s.fail(msg, core.FaultRouting, ErrControlMismatch, logger)
		return
	}
	if msg.Type.IsReply() {
		logger.Debug().Str("type", msg.Type.String()).Msg("Server reply consumed")
		return
	}

	result, err := s.DispatchControl(ctx, msg)
	if err != nil {
		kind := core.FaultControl
		if errors.Is(err, ErrUnknownAction) {
			kind = core.FaultUnknownAction
		}
		logger.Info().Err(err).Msg("Control action failed")
		s.fail(msg, kind, err, logger)
		return
	}
	s.metrics.outcome(outcomeReceipt)
	s.send(core.BuildServerReceipt(msg, result, s.Name()), logger)
}

// fail reports a server-side failure to the sender of msg. Replies never
// produce further replies and are dropped instead.
func (s *Server) fail(msg *core.Message, kind core.FaultKind, err error, logger zerolog.Logger) {
	if msg.Type.IsReply() {
		s.metrics.outcome(outcomeDropped)
		logger.Debug().Err(err).Str("type", msg.Type.String()).Msg("Dropping undeliverable reply")
		return
	}
	if kind != core.FaultExpired {
		s.metrics.outcome(outcomeException)
	}
	s.send(core.BuildServerException(msg, core.NewFault(kind, err), s.Name()), logger)
}

func (s *Server) send(reply *core.Message, logger zerolog.Logger) {
	if reply.Target == "" {
		s.metrics.outcome(outcomeDropped)
		logger.Debug().Str("type", reply.Type.String()).Msg("Dropping reply without a target")
		return
	}
	if err := s.SendMessage(reply); err != nil {
		logger.Error().Err(err).Msg("Failed to enqueue reply")
	}
}

// receive decides what happens to a message taken off a protocol.
func (s *Server) receive(ctx context.Context, msg *core.Message, p core.Protocol, logger zerolog.Logger) {
	switch {
	case msg.IsControl() && strings.EqualFold(core.ControlServerName(msg.Target), s.Name()):
		s.enqueue(msg, p, logger)
	case !s.systemWide && s.registry.Contains(msg.Target):
		s.enqueue(msg, p, logger)
	case !msg.IsControl() && s.canRoute(ctx, msg.Target):
		s.enqueue(msg, p, logger)
	default:
		logger.Error().Str("target", msg.Target).Str("scheme", p.Scheme()).
			Msg("Unable to locate target component for received message")
		if msg.Type.IsReply() || !s.knows(msg.Sender) {
			s.metrics.outcome(outcomeDropped)
			logger.Debug().Str("sender", msg.Sender).Msg("Dropping message from unknown sender")
			return
		}
		s.metrics.outcome(outcomeException)
		fault := core.NewFault(core.FaultNotFound,
			fmt.Errorf("unable to locate target component %q: %w", msg.Target, core.ErrNotFound))
		s.send(core.BuildServerException(msg, fault, s.Name()), logger)
	}
}

func (s *Server) enqueue(msg *core.Message, p core.Protocol, logger zerolog.Logger) {
	if err := s.SendMessage(msg); err != nil {
		logger.Error().Err(err).Msg("Failed to enqueue received message")
		return
	}
	logger.Debug().Str("scheme", p.Scheme()).Str("target", msg.Target).Msg("Message received")
}

// knows reports whether a reply to address could be delivered.
func (s *Server) knows(address string) bool {
	if address == "" {
		return false
	}
	if !s.systemWide && s.registry.Contains(address) {
		return true
	}
	_, ok := s.remotes.Lookup(address)
	return ok
}
