package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/BackupTheBerlios/nova-svn/core"
)

// RegisterDisco appends a disco server address. Duplicates are ignored.
func (s *Server) RegisterDisco(address string) error {
	if _, _, ok := core.SplitAddress(address); !ok {
		return fmt.Errorf("disco %q: %w", address, core.ErrInvalidAddress)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.discos {
		if d == address {
			s.logger.Warn().Str("disco", address).Msg("Disco server already registered")
			return nil
		}
	}
	s.discos = append(s.discos, address)
	s.logger.Info().Str("disco", address).Msg("Disco server registered")
	return nil
}

// UnregisterDisco removes a disco server address.
func (s *Server) UnregisterDisco(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.discos {
		if d == address {
			s.discos = append(s.discos[:i:i], s.discos[i+1:]...)
			s.logger.Info().Str("disco", address).Msg("Disco server unregistered")
			return nil
		}
	}
	s.logger.Warn().Str("disco", address).Msg("Disco server was never registered")
	return fmt.Errorf("disco %q: %w", address, core.ErrNotFound)
}

// Discos returns the disco server addresses in query order.
func (s *Server) Discos() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.discos...)
}

// SetDiscos replaces the disco list.
func (s *Server) SetDiscos(addresses []string) error {
	for _, a := range addresses {
		if _, _, ok := core.SplitAddress(a); !ok {
			return fmt.Errorf("disco %q: %w", a, core.ErrInvalidAddress)
		}
	}
	s.mu.Lock()
	s.discos = append([]string(nil), addresses...)
	s.mu.Unlock()
	return nil
}

// Discover asks each disco server in turn where name lives. The first
// answer is stored in the remote table. Concurrent lookups of one name
// share a single round of queries.
func (s *Server) Discover(ctx context.Context, name string) bool {
	if name == "" || core.IsControlAddress(name) {
		return false
	}
	if _, ok := s.remotes.Lookup(name); ok {
		return true
	}

	v, _, _ := s.discoveries.Do(name, func() (interface{}, error) {
		return s.discover(ctx, name), nil
	})
	return v.(bool)
}

func (s *Server) discover(ctx context.Context, name string) bool {
	for _, disco := range s.Discos() {
		p, err := s.router.ForAddress(disco)
		if err != nil {
			s.logger.Debug().Err(err).Str("disco", disco).Msg("No protocol for disco server")
			continue
		}
		resolver, ok := p.(core.Resolver)
		if !ok {
			s.logger.Debug().Str("disco", disco).Msg("Protocol cannot resolve components")
			continue
		}

		qctx, cancel := context.WithTimeout(ctx, s.opts.DiscoverTimeout)
		rc, err := resolver.Resolve(qctx, disco, name)
		cancel()
		if err != nil {
			if !errors.Is(err, core.ErrNotFound) {
				s.logger.Warn().Err(err).Str("disco", disco).Str("name", name).Msg("Disco query failed")
			}
			continue
		}
		if rc == nil {
			continue
		}

		found := *rc
		found.Name = name
		if found.Address == "" {
			found.Address = disco
		}
		if err := s.RegisterComponent(found); err != nil {
			s.logger.Warn().Err(err).Str("disco", disco).Msg("Discarding invalid disco answer")
			continue
		}
		s.logger.Info().Str("name", name).Str("address", found.Address).Str("disco", disco).
			Msg("Component discovered")
		return true
	}
	return false
}
