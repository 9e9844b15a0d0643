package signal

import (
	"context"
	"sync"
	"time"
)

// Queue buffers signal envelopes before consumption.
type Queue struct {
	ch     chan Envelope
	mu     sync.Mutex
	closed bool
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan Envelope, size)}
}

// Enqueue offers an envelope without blocking. Returns false when the
// queue is full or closed.
func (q *Queue) Enqueue(env Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- env:
		return true
	default:
		return false
	}
}

// Requeue re-offers an envelope after a visibility delay. Used for
// scheduled signals and nack-with-retry.
func (q *Queue) Requeue(env Envelope, delay time.Duration) {
	if delay <= 0 {
		q.Enqueue(env)
		return
	}
	time.AfterFunc(delay, func() { q.Enqueue(env) })
}

func (q *Queue) Chan() <-chan Envelope {
	return q.ch
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Drain consumes envelopes with a handler until the context is canceled
// or the queue is closed.
func (q *Queue) Drain(ctx context.Context, handler func(Envelope)) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-q.ch:
			if !ok {
				return
			}
			handler(env)
		}
	}
}
