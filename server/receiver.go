package server

import (
	"context"
	"sync"

	"github.com/BackupTheBerlios/nova-svn/core"
)

// receiver is a receive worker polling its protocols round-robin. It runs
// only while it has at least one protocol.
type receiver struct {
	*worker
	server *Server

	protoMu   sync.Mutex
	protocols []core.Protocol
	next      int
}

func newReceiver(s *Server, id int, protocols []core.Protocol) *receiver {
	r := &receiver{
		worker:    newWorker(id, WorkerReceive, s.opts.PollInterval, s.logger),
		server:    s,
		protocols: protocols,
	}
	r.step = r.poll
	return r
}

func (r *receiver) protocolCount() int {
	r.protoMu.Lock()
	defer r.protoMu.Unlock()
	return len(r.protocols)
}

func (r *receiver) indexOf(p core.Protocol) int {
	for i, q := range r.protocols {
		if q == p {
			return i
		}
	}
	return -1
}

// startIfReady starts the loop when the receiver has protocols.
func (r *receiver) startIfReady(ctx context.Context) {
	if r.protocolCount() > 0 {
		r.start(ctx)
	}
}

// addProtocol appends p unless it is already polled.
func (r *receiver) addProtocol(p core.Protocol) {
	r.protoMu.Lock()
	defer r.protoMu.Unlock()

	if r.indexOf(p) >= 0 {
		r.logger.Warn().Str("scheme", p.Scheme()).Msg("Protocol already managed by this worker")
		return
	}
	r.protocols = append(r.protocols, p)
}

// removeProtocol drops p and reports whether the worker has no protocols
// left and should be stopped.
func (r *receiver) removeProtocol(p core.Protocol) bool {
	r.protoMu.Lock()
	defer r.protoMu.Unlock()

	i := r.indexOf(p)
	if i < 0 {
		r.logger.Warn().Str("scheme", p.Scheme()).Msg("Protocol not managed by this worker")
		return false
	}
	r.protocols = append(r.protocols[:i:i], r.protocols[i+1:]...)
	if r.next >= len(r.protocols) {
		r.next = 0
	}
	return len(r.protocols) == 0
}

// replaceProtocol swaps old for p in place, or appends p if old is absent.
func (r *receiver) replaceProtocol(old, p core.Protocol) {
	r.protoMu.Lock()
	defer r.protoMu.Unlock()

	if i := r.indexOf(old); i >= 0 {
		r.protocols[i] = p
		return
	}
	if r.indexOf(p) < 0 {
		r.protocols = append(r.protocols, p)
	}
}

// poll makes one sweep over the protocols starting after the last one that
// produced a message. It returns after the first message so a busy
// protocol cannot starve the stop check.
func (r *receiver) poll(ctx context.Context) bool {
	r.protoMu.Lock()
	protocols := append([]core.Protocol(nil), r.protocols...)
	start := r.next
	r.protoMu.Unlock()

	n := len(protocols)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		msg, ok := protocols[idx].Receive()
		if !ok || msg == nil {
			continue
		}

		r.protoMu.Lock()
		if len(r.protocols) > 0 {
			r.next = (idx + 1) % len(r.protocols)
		}
		r.protoMu.Unlock()

		r.server.receive(ctx, msg, protocols[idx], r.logger)
		return true
	}
	return false
}
