package server

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BackupTheBerlios/nova-svn/core"
	"github.com/BackupTheBerlios/nova-svn/transport/loopback"
)

// stubProtocol is a protocol that never receives anything.
type stubProtocol struct {
	scheme string
}

func (p *stubProtocol) Scheme() string { return p.scheme }

func (p *stubProtocol) Send(msg *core.Message, addr string) error { return nil }

func (p *stubProtocol) Receive() (*core.Message, bool) { return nil, false }

func receiverProtocols(s *Server) [][]core.Protocol {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	out := make([][]core.Protocol, len(s.receivers))
	for i, r := range s.receivers {
		r.protoMu.Lock()
		out[i] = append([]core.Protocol(nil), r.protocols...)
		r.protoMu.Unlock()
	}
	return out
}

func TestRegisterProtocolReplacesOnEveryReceiver(t *testing.T) {
	s := newTestServer(t, testOptions("main"))
	s.AddReceiver()
	s.AddReceiver()

	first := &stubProtocol{scheme: "x"}
	second := &stubProtocol{scheme: "x"}
	require.NoError(t, s.RegisterProtocol(first))
	require.NoError(t, s.RegisterProtocol(second))

	active, ok := s.Router().Protocol("x")
	require.True(t, ok)
	assert.Same(t, second, active)
	assert.Equal(t, []string{"x"}, s.Router().Schemes())

	for _, protocols := range receiverProtocols(s) {
		require.Len(t, protocols, 1)
		assert.Same(t, second, protocols[0])
	}

	// Receivers added later start with the current protocol set.
	s.AddReceiver()
	for _, protocols := range receiverProtocols(s) {
		require.Len(t, protocols, 1)
		assert.Same(t, second, protocols[0])
	}
}

func TestAddReceiverDuringProtocolReplacement(t *testing.T) {
	s := newTestServer(t, testOptions("main"))
	require.NoError(t, s.RegisterProtocol(&stubProtocol{scheme: "x"}))

	var (
		wg   sync.WaitGroup
		last = make(chan core.Protocol, 1)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		var p core.Protocol
		for i := 0; i < 200; i++ {
			p = &stubProtocol{scheme: "x"}
			assert.NoError(t, s.RegisterProtocol(p))
		}
		last <- p
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.AddReceiver()
		}
	}()
	wg.Wait()

	want := <-last
	for _, protocols := range receiverProtocols(s) {
		require.Len(t, protocols, 1)
		assert.Same(t, want, protocols[0])
	}
}

func TestReceiverStartsWithFirstProtocol(t *testing.T) {
	s := newTestServer(t, testOptions("main"))
	startServer(t, s)
	require.Equal(t, 1, s.ReceiverCount())

	r := s.receivers[0]
	assert.False(t, r.running())

	p := &stubProtocol{scheme: "x"}
	require.NoError(t, s.RegisterProtocol(p))
	assert.True(t, r.running())

	require.NoError(t, s.UnregisterProtocol(p))
	assert.False(t, r.running())
	assert.ErrorIs(t, s.UnregisterProtocol(p), core.ErrNoProtocol)
}

// pair is two servers joined by a loopback network.
type pair struct {
	a, b     *Server
	epA, epB *loopback.Endpoint
	client   *inbox
}

func newPair(t *testing.T) *pair {
	t.Helper()
	network := loopback.NewNetwork(zerolog.Nop())

	p := &pair{
		a:      newTestServer(t, testOptions("a")),
		b:      newTestServer(t, testOptions("b")),
		client: newInbox("client"),
	}

	var err error
	p.epA, err = network.Listen("a")
	require.NoError(t, err)
	p.epB, err = network.Listen("b")
	require.NoError(t, err)

	require.NoError(t, p.a.RegisterProtocol(p.epA))
	require.NoError(t, p.b.RegisterProtocol(p.epB))
	require.NoError(t, p.a.AttachComponent(p.client))
	require.NoError(t, p.b.AttachComponent(echoComponent("echo")))
	return p
}

func (p *pair) start(t *testing.T) {
	startServer(t, p.a)
	startServer(t, p.b)
}

func TestRemoteRoundTrip(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.a.RegisterComponent(core.RemoteComponent{Name: "echo", Address: "mem:b"}))
	require.NoError(t, p.b.RegisterComponent(core.RemoteComponent{Name: "client", Address: "mem:a"}))
	p.start(t)

	msg := core.NewMessage("ECHO", "echo", "client", "over the wire")
	require.NoError(t, p.a.SendMessage(msg))

	reply := p.client.next(t)
	assert.Equal(t, core.MessageTypeReceipt, reply.Type)
	assert.Equal(t, msg.RefID, reply.RefID)
	assert.Equal(t, "echo", reply.Sender)
	assert.Equal(t, "over the wire", reply.Arg(0))
}

func TestDiscoveryRoundTrip(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.a.RegisterDisco("mem:b"))
	require.NoError(t, p.b.RegisterDisco("mem:a"))
	p.start(t)

	require.NoError(t, p.a.SendMessage(core.NewMessage("ECHO", "echo", "client", 5)))
	reply := p.client.next(t)
	assert.Equal(t, core.MessageTypeReceipt, reply.Type)

	rc, ok := p.a.Remotes().Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, "mem:b", rc.Address)

	rc, ok = p.b.Remotes().Lookup("client")
	require.True(t, ok)
	assert.Equal(t, "mem:a", rc.Address)
}

func TestDiscoverMisses(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	assert.False(t, p.a.Discover(ctx, "echo"))

	require.NoError(t, p.a.RegisterDisco("tcp:nowhere:1"))
	require.NoError(t, p.a.RegisterDisco("mem:b"))
	assert.True(t, p.a.Discover(ctx, "echo"))
	assert.False(t, p.a.Discover(ctx, "ghost"))
	assert.False(t, p.a.Discover(ctx, "SRV:b"))
}

func TestRoutingFailureReportsException(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.a.RegisterComponent(core.RemoteComponent{Name: "gone", Address: "mem:nowhere"}))
	require.NoError(t, p.a.RegisterComponent(core.RemoteComponent{Name: "odd", Address: "udp:x"}))
	p.start(t)

	require.NoError(t, p.a.SendMessage(core.NewMessage("PING", "gone", "client")))
	fault, ok := core.FaultOf(p.client.next(t))
	require.True(t, ok)
	assert.Equal(t, core.FaultRouting, fault.Kind)

	require.NoError(t, p.a.SendMessage(core.NewMessage("PING", "odd", "client")))
	fault, ok = core.FaultOf(p.client.next(t))
	require.True(t, ok)
	assert.Equal(t, core.FaultRouting, fault.Kind)
}

func TestReceivedMessageForUnknownTarget(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.b.RegisterComponent(core.RemoteComponent{Name: "client", Address: "mem:a"}))
	p.start(t)

	// Arrives at b for a name b has never heard of.
	msg := core.NewMessage("PING", "ghost", "client")
	require.NoError(t, p.epA.Send(msg, "mem:b"))

	reply := p.client.next(t)
	fault, ok := core.FaultOf(reply)
	require.True(t, ok)
	assert.Equal(t, core.FaultNotFound, fault.Kind)
	assert.Equal(t, "SRV:b", reply.Sender)
	assert.Equal(t, msg.RefID, reply.RefID)
}

func TestRemoteControlMessage(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.b.RegisterComponent(core.RemoteComponent{Name: "client", Address: "mem:a"}))
	p.start(t)

	require.NoError(t, p.epA.Send(ControlMessage(ActionGetName, "b", "client"), "mem:b"))

	reply := p.client.next(t)
	assert.Equal(t, core.MessageTypeReceipt, reply.Type)
	assert.Equal(t, "b", reply.Arg(0))
}
