package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BackupTheBerlios/nova-svn/config"
	"github.com/BackupTheBerlios/nova-svn/core"
	"github.com/BackupTheBerlios/nova-svn/runtime"
	"github.com/BackupTheBerlios/nova-svn/transport/loopback"
)

const echoClass = "bootstrap-test-echo"

func init() {
	runtime.RegisterFactory(echoClass, func() core.Component {
		return core.NewFuncComponent("echo", func(ctx context.Context, msg *core.Message) (any, error) {
			return msg.Arg(0), nil
		})
	})
}

func testConfig(name string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.App.Name = "test-" + name
	cfg.Server.Name = name
	cfg.Server.PollInterval = config.Duration(5 * time.Millisecond)
	cfg.Transports = []config.TransportConfig{{Kind: config.TransportLoopback}}
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, opts Options) *Application {
	t.Helper()
	nop := zerolog.Nop()
	if opts.Logger == nil {
		opts.Logger = &nop
	}
	app, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app
}

// collector is a component that records every message it receives.
func collector(name string) (core.Component, <-chan *core.Message) {
	ch := make(chan *core.Message, 16)
	c := core.NewFuncComponent(name, func(ctx context.Context, msg *core.Message) (any, error) {
		ch <- msg
		return nil, nil
	})
	return c, ch
}

func waitMessage(t *testing.T, ch <-chan *core.Message) *core.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestApplicationRoundTrip(t *testing.T) {
	network := loopback.NewNetwork(zerolog.Nop())

	cfgA := testConfig("a")
	cfgA.Remotes = []config.RemoteConfig{{Name: "echo", Address: "mem:b"}}

	cfgB := testConfig("b")
	cfgB.Components = []config.ComponentConfig{{
		Name:    "echo",
		Lazy:    true,
		Info:    core.ComponentInfo{Version: "1.0", SupportedContracts: []string{"echo"}},
		Runtime: config.RuntimeConfig{Kind: runtime.KindFactory, Attributes: map[string]string{runtime.AttrClass: echoClass}},
	}}
	cfgB.Remotes = []config.RemoteConfig{{Name: "client", Address: "mem:a"}}

	a := newApp(t, cfgA, Options{Network: network})
	b := newApp(t, cfgB, Options{Network: network})

	client, inbox := collector("client")
	require.NoError(t, a.Server().AttachComponent(client))

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	info, ok := b.Server().Registry().Info("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", info.Name)
	assert.Equal(t, "1.0", info.Version)

	msg := core.NewMessage("ECHO", "echo", "client", "hello")
	require.NoError(t, a.Server().SendMessage(msg))

	reply := waitMessage(t, inbox)
	assert.Equal(t, core.MessageTypeReceipt, reply.Type)
	assert.Equal(t, msg.RefID, reply.RefID)
	assert.Equal(t, "hello", reply.Arg(0))

	require.NoError(t, b.Shutdown(ctx))
	assert.False(t, b.Server().Running())
	assert.Equal(t, 1, network.Hosts())
}

func TestApplicationEagerComponent(t *testing.T) {
	cfg := testConfig("eager")
	cfg.Components = []config.ComponentConfig{{
		Name:    "echo",
		Runtime: config.RuntimeConfig{Kind: runtime.KindFactory, Attributes: map[string]string{runtime.AttrClass: echoClass}},
	}}
	app := newApp(t, cfg, Options{})

	// Eager components are loaded and initialized by New.
	loaded := app.Server().Registry().Loaded()
	require.Len(t, loaded, 1)
	assert.Equal(t, core.StatusRunning, loaded[0].Status())
	assert.Equal(t, "echo", loaded[0].Info().Name)
}

func TestApplicationBuildErrors(t *testing.T) {
	nop := zerolog.Nop()

	cfg := testConfig("bad")
	cfg.Components = []config.ComponentConfig{{Name: "x", Runtime: config.RuntimeConfig{Kind: "corba"}}}
	_, err := New(cfg, Options{Logger: &nop})
	assert.ErrorIs(t, err, runtime.ErrUnknownKind)

	cfg = testConfig("bad")
	cfg.Components = []config.ComponentConfig{{
		Name:    "x",
		Runtime: config.RuntimeConfig{Kind: runtime.KindFactory, Attributes: map[string]string{runtime.AttrClass: "nope"}},
	}}
	_, err = New(cfg, Options{Logger: &nop})
	assert.ErrorIs(t, err, runtime.ErrUnknownClass)

	cfg = testConfig("")
	_, err = New(cfg, Options{Logger: &nop})
	assert.ErrorIs(t, err, config.ErrInvalidServerName)

	// The loopback host is taken by the first application.
	network := loopback.NewNetwork(zerolog.Nop())
	newApp(t, testConfig("dup"), Options{Network: network})
	_, err = New(testConfig("dup"), Options{Logger: &nop, Network: network})
	assert.ErrorIs(t, err, loopback.ErrHostInUse)
}

func TestApplicationTCPTransport(t *testing.T) {
	cfg := testConfig("tcp")
	cfg.Transports = []config.TransportConfig{{Kind: config.TransportTCP, Listen: "127.0.0.1:0"}}
	app := newApp(t, cfg, Options{})

	require.NoError(t, app.Start(context.Background()))
	assert.Equal(t, []string{"tcp"}, app.Server().Router().Schemes())

	health := app.Lifecycle().Health(context.Background())
	addresses := health[ServiceTransports].Data["addresses"].([]string)
	require.Len(t, addresses, 1)
	assert.Regexp(t, `^tcp:127\.0\.0\.1:\d+$`, addresses[0])
}

func TestMonitorEndpoints(t *testing.T) {
	cfg := testConfig("mon")
	cfg.Monitor.HTTP.Enabled = true
	cfg.Monitor.HTTP.Port = 0
	app := newApp(t, cfg, Options{})
	assert.Empty(t, app.MonitorAddr())

	require.NoError(t, app.Start(context.Background()))
	addr := app.MonitorAddr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + cfg.Monitor.HTTP.MetricsPath)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "nova_dispatchers")
	assert.Contains(t, string(body), "nova_queue_depth")
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get("http://" + addr + cfg.Monitor.HTTP.HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report map[string]HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, HealthHealthy, report[ServiceServer].State)
	assert.Equal(t, HealthHealthy, report[ServiceMonitor].State)
}

func TestApplyConfig(t *testing.T) {
	cfg := testConfig("reload")
	app := newApp(t, cfg, Options{})
	require.NoError(t, app.Start(context.Background()))

	next := cfg.Clone()
	next.Server.Dispatchers = 3
	next.Server.Receivers = 2
	next.Server.Discos = []string{"mem:disco"}
	app.applyConfig(cfg, next)

	assert.Equal(t, 3, app.Server().DispatcherCount())
	assert.Equal(t, 2, app.Server().ReceiverCount())
	assert.Equal(t, []string{"mem:disco"}, app.Server().Discos())
	assert.Same(t, next, app.Config())

	bad := next.Clone()
	bad.Server.Discos = []string{"nocolon"}
	app.applyConfig(next, bad)
	assert.Equal(t, []string{"mem:disco"}, app.Server().Discos())
}

func TestWatchedConfigReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nova.yaml")
	write := func(dispatchers string) {
		content := "server:\n  name: watched\n  dispatchers: " + dispatchers + "\ntransports:\n  - kind: loopback\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("1")

	loader := config.NewLoader().SetEnvPrefix("NOVA_BOOTSTRAP_TEST")
	cfg, err := loader.Load(path)
	require.NoError(t, err)

	app := newApp(t, cfg, Options{ConfigFile: path, Watch: true, Loader: loader})
	require.NoError(t, app.Start(context.Background()))
	assert.Equal(t, 1, app.Server().DispatcherCount())

	write("4")
	assert.Eventually(t, func() bool {
		return app.Server().DispatcherCount() == 4
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	app := newApp(t, testConfig("run"), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, app.Server().Running, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, app.Server().Running())
}
