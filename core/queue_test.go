package core

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgWith(action string, p Priority) *Message {
	m := NewMessage(action, "target", "sender")
	m.Priority = p
	return m
}

func TestQueuePriorityPrecedence(t *testing.T) {
	q := NewQueue()

	require.NoError(t, q.Enqueue(msgWith("low", PriorityLow)))
	require.NoError(t, q.Enqueue(msgWith("normal", PriorityNormal)))
	require.NoError(t, q.Enqueue(msgWith("high", PriorityHigh)))

	var got []string
	for {
		m, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, m.Action)
	}
	assert.Equal(t, []string{"high", "normal", "low"}, got)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(msgWith(fmt.Sprintf("n%d", i), PriorityNormal)))
	}
	require.NoError(t, q.Enqueue(msgWith("h0", PriorityHigh)))

	m, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "h0", m.Action)

	for i := 0; i < 5; i++ {
		m, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("n%d", i), m.Action)
	}
}

func TestQueueEmpty(t *testing.T) {
	q := NewQueue()

	m, ok := q.Dequeue()
	assert.False(t, ok)
	assert.Nil(t, m)

	_, ok = q.DequeuePriority(PriorityHigh)
	assert.False(t, ok)

	assert.ErrorIs(t, q.Enqueue(nil), ErrNilMessage)
}

func TestQueueDequeuePriority(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Enqueue(msgWith("high", PriorityHigh)))
	require.NoError(t, q.Enqueue(msgWith("low", PriorityLow)))

	m, ok := q.DequeuePriority(PriorityLow)
	require.True(t, ok)
	assert.Equal(t, "low", m.Action)

	_, ok = q.DequeuePriority(PriorityNormal)
	assert.False(t, ok)

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.LenPriority(PriorityHigh))
	assert.Equal(t, 0, q.LenPriority(PriorityLow))
}

func TestQueueConcurrent(t *testing.T) {
	q := NewQueue()
	const producers, perProducer = 8, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Enqueue(msgWith("m", Priority(i%3)))
			}
		}(p)
	}
	wg.Wait()
	require.Equal(t, producers*perProducer, q.Len())

	var mu sync.Mutex
	seen := 0
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, ok := q.Dequeue(); !ok {
					return
				}
				mu.Lock()
				seen++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, producers*perProducer, seen)
	assert.Equal(t, 0, q.Len())
}
