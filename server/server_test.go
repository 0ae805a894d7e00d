package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BackupTheBerlios/nova-svn/core"
)

const waitFor = 2 * time.Second

func testOptions(name string) Options {
	opts := DefaultOptions()
	opts.Name = name
	opts.PollInterval = 2 * time.Millisecond
	opts.DispatchStopTimeout = 200 * time.Millisecond
	opts.ReceiveStopTimeout = 200 * time.Millisecond
	opts.DiscoverTimeout = 200 * time.Millisecond
	opts.Logger = zerolog.Nop()
	return opts
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func startServer(t *testing.T, s *Server) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
}

// inbox is a component that records every message it receives.
type inbox struct {
	*core.FuncComponent
	ch chan *core.Message
}

func newInbox(name string) *inbox {
	in := &inbox{ch: make(chan *core.Message, 64)}
	in.FuncComponent = core.NewFuncComponent(name, func(ctx context.Context, msg *core.Message) (any, error) {
		in.ch <- msg
		return nil, nil
	})
	return in
}

func (in *inbox) next(t *testing.T) *core.Message {
	t.Helper()
	select {
	case msg := <-in.ch:
		return msg
	case <-time.After(waitFor):
		t.Fatalf("%s: no message within %s", in.Name(), waitFor)
		return nil
	}
}

func (in *inbox) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-in.ch:
		t.Fatalf("%s: unexpected %s message %q", in.Name(), msg.Type, msg.Action)
	case <-time.After(d):
	}
}

func echoComponent(name string) *core.FuncComponent {
	return core.NewFuncComponent(name, func(ctx context.Context, msg *core.Message) (any, error) {
		return msg.Arg(0), nil
	})
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					return m.GetCounter().GetValue() + m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func TestNewRequiresName(t *testing.T) {
	opts := testOptions("")
	_, err := New(opts)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestReceiptEchoesRefID(t *testing.T) {
	s := newTestServer(t, testOptions("main"))
	client := newInbox("client")
	require.NoError(t, s.AttachComponent(client))
	require.NoError(t, s.AttachComponent(echoComponent("echo")))
	startServer(t, s)

	msg := core.NewMessage("ECHO", "echo", "client", "hello")
	msg.RefID = "ref-42"
	require.NoError(t, s.SendMessage(msg))

	reply := client.next(t)
	assert.Equal(t, core.MessageTypeReceipt, reply.Type)
	assert.Equal(t, "ref-42", reply.RefID)
	assert.Equal(t, "echo", reply.Sender)
	assert.Equal(t, "hello", reply.Arg(0))
	client.quiet(t, 50*time.Millisecond)
}

func TestUnknownTargetSendsOneException(t *testing.T) {
	s := newTestServer(t, testOptions("main"))
	client := newInbox("client")
	require.NoError(t, s.AttachComponent(client))
	startServer(t, s)

	msg := core.NewMessage("PING", "ghost", "client")
	require.NoError(t, s.SendMessage(msg))

	reply := client.next(t)
	assert.Equal(t, core.MessageTypeException, reply.Type)
	assert.Equal(t, msg.RefID, reply.RefID)
	assert.Equal(t, "SRV:main", reply.Sender)

	fault, ok := core.FaultOf(reply)
	require.True(t, ok)
	assert.Equal(t, core.FaultNotFound, fault.Kind)

	client.quiet(t, 100*time.Millisecond)
}

func TestComponentFailures(t *testing.T) {
	s := newTestServer(t, testOptions("main"))
	client := newInbox("client")
	require.NoError(t, s.AttachComponent(client))
	require.NoError(t, s.AttachComponent(core.NewFuncComponent("broken", func(ctx context.Context, msg *core.Message) (any, error) {
		return nil, errors.New("boom")
	})))
	require.NoError(t, s.AttachComponent(core.NewFuncComponent("panicky", func(ctx context.Context, msg *core.Message) (any, error) {
		panic("bad state")
	})))
	startServer(t, s)

	require.NoError(t, s.SendMessage(core.NewMessage("RUN", "broken", "client")))
	reply := client.next(t)
	fault, ok := core.FaultOf(reply)
	require.True(t, ok)
	assert.Equal(t, core.FaultExecution, fault.Kind)
	assert.Equal(t, "broken", reply.Sender)
	assert.Contains(t, fault.Message, "boom")

	require.NoError(t, s.SendMessage(core.NewMessage("RUN", "panicky", "client")))
	reply = client.next(t)
	fault, ok = core.FaultOf(reply)
	require.True(t, ok)
	assert.Equal(t, core.FaultExecution, fault.Kind)
	assert.Contains(t, fault.Message, "bad state")
}

func TestLazyLoadFailure(t *testing.T) {
	s := newTestServer(t, testOptions("main"))
	client := newInbox("client")
	require.NoError(t, s.AttachComponent(client))
	require.NoError(t, s.AttachLazyComponent(&core.LazyComponent{
		Name:   "lazy",
		Loader: core.LoaderFunc(func() (core.Component, error) { return nil, errors.New("missing file") }),
	}))
	startServer(t, s)

	require.NoError(t, s.SendMessage(core.NewMessage("RUN", "lazy", "client")))
	fault, ok := core.FaultOf(client.next(t))
	require.True(t, ok)
	assert.Equal(t, core.FaultLoad, fault.Kind)
	assert.True(t, s.Registry().Contains("lazy"))
}

func TestLazyComponentInitialized(t *testing.T) {
	s := newTestServer(t, testOptions("main"))
	lazy := echoComponent("lazy")
	require.NoError(t, s.AttachLazyComponent(&core.LazyComponent{
		Name:   "lazy",
		Loader: core.LoaderFunc(func() (core.Component, error) { return lazy, nil }),
	}))

	c, err := s.Registry().Get("lazy")
	require.NoError(t, err)
	assert.Same(t, lazy, c)
	assert.Equal(t, core.StatusRunning, c.Status())
	assert.Same(t, s, lazy.Server())
}

func TestExpiredMessage(t *testing.T) {
	opts := testOptions("main")
	reg := prometheus.NewRegistry()
	opts.Registerer = reg
	s := newTestServer(t, opts)
	client := newInbox("client")
	require.NoError(t, s.AttachComponent(client))
	require.NoError(t, s.AttachComponent(echoComponent("echo")))

	msg := core.NewMessage("ECHO", "echo", "client")
	msg.TTL = time.Millisecond
	msg.Sent = time.Now().Add(-time.Minute)
	require.NoError(t, s.SendMessage(msg))
	startServer(t, s)

	reply := client.next(t)
	fault, ok := core.FaultOf(reply)
	require.True(t, ok)
	assert.Equal(t, core.FaultExpired, fault.Kind)
	assert.Equal(t, msg.RefID, reply.RefID)
	assert.Equal(t, 1.0, counterValue(t, reg, "nova_messages_total", "outcome", "expired"))
}

func TestRepliesNeverProduceReplies(t *testing.T) {
	opts := testOptions("main")
	reg := prometheus.NewRegistry()
	opts.Registerer = reg
	s := newTestServer(t, opts)
	startServer(t, s)

	orig := core.NewMessage("PING", "nobody", "nobody-else")
	require.NoError(t, s.SendMessage(core.BuildReceipt(orig, "x")))

	require.Eventually(t, func() bool {
		return counterValue(t, reg, "nova_messages_total", "outcome", "dropped") == 1
	}, waitFor, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, s.Queue().Len())
	assert.Equal(t, 0.0, counterValue(t, reg, "nova_messages_total", "outcome", "exception"))
}

func TestSystemWideServer(t *testing.T) {
	s, err := NewSystemWide(testOptions("sys"))
	require.NoError(t, err)
	assert.True(t, s.SystemWide())

	err = s.AttachComponent(echoComponent("echo"))
	assert.ErrorIs(t, err, core.ErrNotSupported)
	err = s.DetachComponent("echo")
	assert.ErrorIs(t, err, core.ErrNotSupported)
	err = s.AttachLazyComponent(&core.LazyComponent{Name: "x", Loader: core.LoaderFunc(nil)})
	assert.ErrorIs(t, err, core.ErrNotSupported)

	// Contracts are still served from the registry.
	require.NoError(t, s.Registry().AddContract(core.NewContract("echo", nil)))
	_, ok := s.Registry().GetContract("echo")
	assert.True(t, ok)
}

func TestDetachComponent(t *testing.T) {
	s := newTestServer(t, testOptions("main"))
	c := echoComponent("echo")
	require.NoError(t, s.AttachComponent(c))
	assert.Equal(t, core.StatusRunning, c.Status())

	require.NoError(t, s.DetachComponent("echo"))
	assert.Equal(t, core.StatusStopped, c.Status())
	assert.ErrorIs(t, s.DetachComponent("echo"), core.ErrNotFound)

	require.NoError(t, s.AttachComponent(c))
	assert.ErrorIs(t, s.AttachComponent(echoComponent("echo")), core.ErrNameInUse)
}

func TestComponentsAndContracts(t *testing.T) {
	s := newTestServer(t, testOptions("main"))

	local := echoComponent("local")
	local.SetInfo(core.ComponentInfo{Name: "local", SupportedContracts: []string{"echo"}})
	require.NoError(t, s.AttachComponent(local))
	require.NoError(t, s.AttachComponent(echoComponent("plain")))
	require.NoError(t, s.RegisterComponent(core.RemoteComponent{
		Name:    "far",
		Address: "mem:other",
		Info:    core.ComponentInfo{SupportedContracts: []string{"echo"}},
	}))

	assert.Equal(t, []string{"far", "local", "plain"}, s.Components())

	matches := s.ResolveContract("echo")
	require.Len(t, matches, 2)
	assert.Equal(t, "far", matches[0].Name)
	assert.Equal(t, "local", matches[1].Name)
	assert.Empty(t, matches[1].Address)

	rc, ok := s.Lookup("local")
	require.True(t, ok)
	assert.Empty(t, rc.Address)
	rc, ok = s.Lookup("far")
	require.True(t, ok)
	assert.Equal(t, "mem:other", rc.Address)
	_, ok = s.Lookup("ghost")
	assert.False(t, ok)

	require.NoError(t, s.UnregisterComponent("far"))
	assert.NoError(t, s.UnregisterComponent("far"))
	assert.NoError(t, s.UnregisterComponent("never"))
}

func TestStartShutdownRestart(t *testing.T) {
	opts := testOptions("main")
	opts.Dispatchers = 2
	opts.Receivers = 1
	s := newTestServer(t, opts)

	ctx := context.Background()
	assert.ErrorIs(t, s.Shutdown(ctx), ErrNotRunning)

	startServer(t, s)
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyRunning)
	assert.Equal(t, 2, s.DispatcherCount())
	assert.Equal(t, 1, s.ReceiverCount())

	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.Running())

	client := newInbox("client")
	require.NoError(t, s.AttachComponent(client))
	require.NoError(t, s.AttachComponent(echoComponent("echo")))
	require.NoError(t, s.SendMessage(core.NewMessage("ECHO", "echo", "client", 1)))
	client.quiet(t, 30*time.Millisecond)

	startServer(t, s)
	assert.Equal(t, core.MessageTypeReceipt, client.next(t).Type)
	assert.Equal(t, 2, s.DispatcherCount())
}

func TestForcedWorkerStop(t *testing.T) {
	opts := testOptions("main")
	opts.Dispatchers = 1
	opts.DispatchStopTimeout = 30 * time.Millisecond
	reg := prometheus.NewRegistry()
	opts.Registerer = reg
	s := newTestServer(t, opts)

	entered := make(chan struct{})
	var once sync.Once
	require.NoError(t, s.AttachComponent(core.NewFuncComponent("slow", func(ctx context.Context, msg *core.Message) (any, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	startServer(t, s)

	require.NoError(t, s.SendMessage(core.NewMessage("WAIT", "slow", "client")))
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("component was never dispatched")
	}

	assert.True(t, s.RemoveDispatcher(context.Background()))
	assert.Equal(t, 0, s.DispatcherCount())
	assert.Equal(t, 1.0, counterValue(t, reg, "nova_worker_forced_stops_total", "kind", "dispatcher"))
}

func TestSetPoolSizes(t *testing.T) {
	s := newTestServer(t, testOptions("main"))
	ctx := context.Background()

	s.SetDispatchers(ctx, 3)
	s.SetReceivers(ctx, 2)
	assert.Equal(t, 3, s.DispatcherCount())
	assert.Equal(t, 2, s.ReceiverCount())

	s.SetDispatchers(ctx, 1)
	s.SetReceivers(ctx, 0)
	assert.Equal(t, 1, s.DispatcherCount())
	assert.Equal(t, 0, s.ReceiverCount())
	assert.False(t, s.RemoveReceiver(ctx))
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := testOptions("main")
	opts.Registerer = reg
	opts.Dispatchers = 2
	s := newTestServer(t, opts)
	startServer(t, s)

	assert.Equal(t, 2.0, counterValue(t, reg, "nova_dispatchers", "server", "main"))

	_, err := New(opts)
	assert.Error(t, err)
}
