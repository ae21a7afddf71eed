// Package multiqueue provides multiple logical FIFO channels multiplexed over
// a single concurrent structure. Values sent under a key are delivered, in
// order, to requesters of the same key; a requester with no value available
// blocks until one arrives or the queue closes. Channels are created lazily on
// first reference to a key and live for the lifetime of the queue; there is
// no per-channel deletion, so a long-lived queue keyed by unbounded input
// grows without eviction.
//
// Synchronization is per channel: senders and requesters on distinct keys
// never contend on a shared lock.
package multiqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send and Request once the queue has been closed,
// and delivered to every requester blocked at close time. It is distinct from
// any application-level error so callers can tell shutdown from failure.
var ErrClosed = errors.New("multiqueue: closed")

// MultiQueue routes values to per-key FIFO channels. It is safe for
// concurrent use by any number of senders and requesters.
type MultiQueue[K comparable, V any] struct {
	mu       sync.RWMutex
	channels map[K]*channel[V]
	closed   bool
}

// channel is one logical FIFO lane. values holds the backlog when no
// requester is waiting; waiters holds blocked requesters (oldest first) when
// the backlog is empty. At most one of the two is non-empty.
type channel[V any] struct {
	mu      sync.Mutex
	values  []V
	waiters []chan V
	closed  bool
}

// New constructs an empty MultiQueue.
func New[K comparable, V any]() *MultiQueue[K, V] {
	return &MultiQueue[K, V]{channels: make(map[K]*channel[V])}
}

// lookup returns the channel for key, creating it on first reference.
func (q *MultiQueue[K, V]) lookup(key K) (*channel[V], error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrClosed
	}
	ch, ok := q.channels[key]
	q.mu.RUnlock()
	if ok {
		return ch, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if ch, ok = q.channels[key]; !ok {
		ch = &channel[V]{}
		q.channels[key] = ch
	}
	return ch, nil
}

// Send delivers value to the key's channel: directly to the longest-waiting
// requester if one is blocked, otherwise appended to the channel's backlog.
// Returns ErrClosed after Close.
func (q *MultiQueue[K, V]) Send(key K, value V) error {
	ch, err := q.lookup(key)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	if len(ch.waiters) > 0 {
		w := ch.waiters[0]
		ch.waiters = ch.waiters[1:]
		w <- value // buffered, never blocks
		return nil
	}
	ch.values = append(ch.values, value)
	return nil
}

// Request returns the next value for key, blocking until one is sent, the
// queue closes (ErrClosed), or ctx is done (ctx.Err()).
func (q *MultiQueue[K, V]) Request(ctx context.Context, key K) (V, error) {
	var zero V

	ch, err := q.lookup(key)
	if err != nil {
		return zero, err
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return zero, ErrClosed
	}
	if len(ch.values) > 0 {
		v := ch.values[0]
		ch.values = ch.values[1:]
		ch.mu.Unlock()
		return v, nil
	}
	w := make(chan V, 1)
	ch.waiters = append(ch.waiters, w)
	ch.mu.Unlock()

	select {
	case v, ok := <-w:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ch.cancel(w, ctx.Err())
	}
}

// cancel withdraws a waiter after its context fired. If the waiter has
// already been handed a value (or closed) in the meantime, that outcome wins:
// a delivered value is pushed back to the front of the backlog so it is not
// lost, and close still reports ErrClosed.
func (c *channel[V]) cancel(w chan V, ctxErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return ctxErr
		}
	}
	// No longer in the waiter list: Send or Close resolved us first.
	if v, ok := <-w; ok {
		c.values = append([]V{v}, c.values...)
		return ctxErr
	}
	return ErrClosed
}

// Close marks every channel closed. All blocked Request calls wake with
// ErrClosed and every subsequent Send or Request on any key fails with
// ErrClosed. Close is idempotent.
func (q *MultiQueue[K, V]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, ch := range q.channels {
		ch.mu.Lock()
		ch.closed = true
		for _, w := range ch.waiters {
			close(w)
		}
		ch.waiters = nil
		ch.mu.Unlock()
	}
}
