package ack

import (
	"context"
	"strconv"
	"sync"
	"time"

	"alertrelay/internal/alert"
	logx "alertrelay/pkg/logx"
)

// Redeliverer is called when a message moves to Delayed. Only chatID gets
// the alert again.
type Redeliverer interface {
	Schedule(ctx context.Context, ev alert.Event, chatID int64, after time.Duration) error
}

// NopRedeliverer only records the delay; nothing is sent again.
type NopRedeliverer struct{}

func (NopRedeliverer) Schedule(context.Context, alert.Event, int64, time.Duration) error { return nil }

// Enqueuer is satisfied by the delivery queue.
type Enqueuer interface {
	Enqueue(e alert.Event) error
}

// TimerRedeliverer puts the alert back on the delivery queue once the delay
// elapses. Pending timers live in memory and are lost on restart.
type TimerRedeliverer struct {
	q   Enqueuer
	log logx.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewTimerRedeliverer(q Enqueuer, log logx.Logger) *TimerRedeliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TimerRedeliverer{q: q, log: log, timers: map[string]*time.Timer{}}
}

// Schedule replaces any earlier timer for the same alert and chat.
func (r *TimerRedeliverer) Schedule(_ context.Context, ev alert.Event, chatID int64, after time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	key := ev.ID + "|" + strconv.FormatInt(chatID, 10)
	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	ev.Delivered = false
	ev.DeliveryTargets = nil
	ev.RedeliverTo = chatID
	r.timers[key] = time.AfterFunc(after, func() {
		r.mu.Lock()
		delete(r.timers, key)
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		if err := r.q.Enqueue(ev); err != nil {
			r.log.Warn("redelivery enqueue failed", logx.String("alert_id", ev.ID), logx.Int64("chat_id", chatID), logx.Err(err))
			return
		}
		r.log.Info("delayed alert requeued", logx.String("alert_id", ev.ID), logx.Int64("chat_id", chatID))
	})
	return nil
}

// Pending returns the number of scheduled redeliveries.
func (r *TimerRedeliverer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop cancels every pending timer.
func (r *TimerRedeliverer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
