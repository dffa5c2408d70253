package server

import (
	"errors"
	"sync"

	"github.com/creachadair/mds/queue"
)

var (
	// ErrOutboxFull indicates the destination has too many undelivered messages.
	ErrOutboxFull = errors.New("outbox full")
	// ErrOutboxClosed indicates the destination session is gone.
	ErrOutboxClosed = errors.New("outbox closed")
)

// Outbox is the FIFO of pending messages for one session. Messages are
// delivered in submission order by a single writer; whatever is still queued
// when the session ends is dropped.
type Outbox struct {
	mu     sync.Mutex
	q      *queue.Queue[[]byte]
	limit  int // 0 = unbounded
	closed bool

	notify chan struct{} // buffered(1): queue became non-empty
	done   chan struct{} // closed by Close
}

func newOutbox(limit int) *Outbox {
	return &Outbox{
		q:      queue.New[[]byte](),
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends an encoded message.
func (o *Outbox) Push(payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	if o.limit > 0 && o.q.Len() >= o.limit {
		return ErrOutboxFull
	}
	o.q.Add(payload)

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// Full reports whether the next Push would fail with ErrOutboxFull.
func (o *Outbox) Full() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.limit > 0 && o.q.Len() >= o.limit
}

// Len returns the number of undelivered messages
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.q.Len()
}

func (o *Outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false
	}
	return o.q.Pop()
}

// Close drops every queued message and returns how many were dropped. Later
// calls return 0.
func (o *Outbox) Close() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0
	}
	o.closed = true
	dropped := o.q.Len()
	o.q.Clear()
	close(o.done)
	return dropped
}

// drain writes queued messages with write until the outbox is closed or a
// write fails.
func (o *Outbox) drain(write func([]byte) error) error {
	for {
		for {
			payload, ok := o.pop()
			if !ok {
				break
			}
			if err := write(payload); err != nil {
				return err
			}
		}

		select {
		case <-o.notify:
		case <-o.done:
			return nil
		}
	}
}
