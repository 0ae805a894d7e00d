package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(name string) *FuncComponent {
	return NewFuncComponent(name, func(ctx context.Context, msg *Message) (any, error) {
		return msg.Arg(0), nil
	})
}

func TestRegistryAddDuplicate(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	require.NoError(t, r.Add(echo("A")))
	err := r.Add(echo("A"))
	require.ErrorIs(t, err, ErrNameInUse)

	err = r.AddLazy(&LazyComponent{Name: "A", Loader: LoaderFunc(func() (Component, error) {
		return echo("A"), nil
	})})
	assert.ErrorIs(t, err, ErrNameInUse)
}

func TestRegistryAddReplacesLazy(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	var calls int32
	require.NoError(t, r.AddLazy(&LazyComponent{Name: "A", Loader: LoaderFunc(func() (Component, error) {
		atomic.AddInt32(&calls, 1)
		return echo("A"), nil
	})}))

	direct := echo("A")
	require.NoError(t, r.Add(direct))

	c, err := r.Get("A")
	require.NoError(t, err)
	assert.Same(t, direct, c)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestRegistryLazySingleLoad(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	var calls int32
	release := make(chan struct{})
	require.NoError(t, r.AddLazy(&LazyComponent{
		Name: "L",
		Info: ComponentInfo{Name: "L", Version: "1.0"},
		Loader: LoaderFunc(func() (Component, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return echo("L"), nil
		}),
	}))

	info, ok := r.Info("L")
	require.True(t, ok)
	assert.Equal(t, "1.0", info.Version)

	var wg sync.WaitGroup
	results := make([]Component, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.Get("L")
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, c := range results {
		assert.Same(t, results[0], c)
	}

	// Promoted entries are served from the loaded set.
	_, err := r.Get("L")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, []string{"L"}, r.Names())
}

func TestRegistryLazyLoadFailure(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	fail := true
	require.NoError(t, r.AddLazy(&LazyComponent{Name: "F", Loader: LoaderFunc(func() (Component, error) {
		if fail {
			return nil, errors.New("disk on fire")
		}
		return echo("F"), nil
	})}))

	_, err := r.Get("F")
	require.ErrorIs(t, err, ErrLoad)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.True(t, r.Contains("F"))

	fail = false
	c, err := r.Get("F")
	require.NoError(t, err)
	assert.Equal(t, "F", c.Name())
}

func TestRegistryInitializer(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	var initialized []string
	r.SetInitializer(func(c Component) error {
		initialized = append(initialized, c.Name())
		return nil
	})

	require.NoError(t, r.AddLazy(&LazyComponent{Name: "I", Loader: LoaderFunc(func() (Component, error) {
		return echo("I"), nil
	})}))

	_, err := r.Get("I")
	require.NoError(t, err)
	_, err = r.Get("I")
	require.NoError(t, err)
	assert.Equal(t, []string{"I"}, initialized)
}

func TestRegistryInitializerFailure(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.SetInitializer(func(c Component) error { return errors.New("no") })

	require.NoError(t, r.AddLazy(&LazyComponent{Name: "I", Loader: LoaderFunc(func() (Component, error) {
		return echo("I"), nil
	})}))

	_, err := r.Get("I")
	require.ErrorIs(t, err, ErrLoad)
	assert.True(t, r.Contains("I"))
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, r.Contains("nope"))
	assert.False(t, r.Remove("nope"))
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Add(echo("A")))
	require.NoError(t, r.AddLazy(&LazyComponent{Name: "B", Loader: LoaderFunc(func() (Component, error) {
		return echo("B"), nil
	})}))

	assert.Equal(t, []string{"A", "B"}, r.Names())
	assert.True(t, r.Remove("A"))
	assert.True(t, r.Remove("B"))
	assert.Empty(t, r.Names())
}

func TestRegistryContracts(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	first := NewContract("echo", nil)
	second := NewContract("echo", func(m *Message) bool { return m.Action == "ECHO" })

	require.NoError(t, r.AddContract(first))
	require.NoError(t, r.AddContract(second))

	c, ok := r.GetContract("echo")
	require.True(t, ok)
	assert.Same(t, second, c)
	assert.True(t, c.Verify(NewMessage("ECHO", "x", "y")))
	assert.False(t, c.Verify(NewMessage("PING", "x", "y")))

	assert.Equal(t, []string{"echo"}, r.Contracts())
	assert.True(t, r.RemoveContract("echo"))
	assert.False(t, r.RemoveContract("echo"))
}
