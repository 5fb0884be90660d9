// Package queue is the in-process FIFO between admission and dispatch.
//
// Enqueue never blocks and the queue has no capacity limit; Dequeue blocks
// until an item is available, the context ends, or the queue is closed and
// drained.
package queue

import (
	"context"
	"errors"
	"sync"

	"alertrelay/internal/alert"
)

var ErrClosed = errors.New("queue closed")

type Queue struct {
	mu     sync.Mutex
	items  []alert.Event
	head   int
	notify chan struct{}
	closed bool
}

func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) Enqueue(e alert.Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, e)
	q.signal()
	q.mu.Unlock()
	return nil
}

// Dequeue returns the oldest item. After Close it keeps returning queued
// items and then ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (alert.Event, error) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			e := q.items[q.head]
			q.items[q.head] = alert.Event{}
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			} else if q.head > 64 && q.head*2 > len(q.items) {
				q.items = append(q.items[:0], q.items[q.head:]...)
				q.head = 0
			}
			if q.head < len(q.items) && !q.closed {
				// Pass the wakeup on to the next waiter.
				q.signal()
			}
			q.mu.Unlock()
			return e, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return alert.Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return alert.Event{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close stops new items and wakes blocked consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.notify)
	q.mu.Unlock()
}

// signal must be called with mu held and the queue open.
func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
