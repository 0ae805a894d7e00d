package core

import (
	"sync"
)

// fifo is a single priority buffer guarded by its own lock.
type fifo struct {
	mu    sync.Mutex
	items []*Message
}

func (f *fifo) push(msg *Message) {
	f.mu.Lock()
	f.items = append(f.items, msg)
	f.mu.Unlock()
}

func (f *fifo) pop() (*Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return nil, false
	}
	msg := f.items[0]
	f.items[0] = nil
	f.items = f.items[1:]
	if len(f.items) == 0 {
		// Drop the backing array once drained.
		f.items = nil
	}
	return msg, true
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Queue holds pending messages in three FIFO buffers, one per priority.
// Dequeue always drains High before Normal before Low. It is safe for
// concurrent use and never blocks.
type Queue struct {
	high   fifo
	normal fifo
	low    fifo
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) buffer(p Priority) *fifo {
	switch p {
	case PriorityHigh:
		return &q.high
	case PriorityLow:
		return &q.low
	default:
		return &q.normal
	}
}

// Enqueue appends msg to the buffer selected by its priority.
// Unknown priorities are treated as Normal.
func (q *Queue) Enqueue(msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	q.buffer(msg.Priority).push(msg)
	return nil
}

// Dequeue removes the oldest message of the highest non-empty priority.
func (q *Queue) Dequeue() (*Message, bool) {
	if msg, ok := q.high.pop(); ok {
		return msg, true
	}
	if msg, ok := q.normal.pop(); ok {
		return msg, true
	}
	return q.low.pop()
}

// DequeuePriority removes the oldest message of exactly priority p.
func (q *Queue) DequeuePriority(p Priority) (*Message, bool) {
	return q.buffer(p).pop()
}

// Len returns the total number of pending messages.
func (q *Queue) Len() int {
	return q.high.len() + q.normal.len() + q.low.len()
}

// LenPriority returns the number of pending messages of priority p.
func (q *Queue) LenPriority(p Priority) int {
	return q.buffer(p).len()
}
