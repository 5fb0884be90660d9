package queue

import (
	"context"

	"alertrelay/internal/alert"
	logx "alertrelay/pkg/logx"
)

// PendingSource lists alerts that were persisted but never handed to a
// dispatcher.
type PendingSource interface {
	Pending(ctx context.Context, limit int) ([]alert.Event, error)
}

// Recover re-enqueues pending alerts, oldest first, and returns how many
// were queued.
func Recover(ctx context.Context, src PendingSource, q *Queue, limit int, log logx.Logger) (int, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	pending, err := src.Pending(ctx, limit)
	if err != nil {
		return 0, alert.WrapStorage("list pending", err)
	}
	n := 0
	for _, e := range pending {
		if err := q.Enqueue(e); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		log.Info("recovered pending alerts", logx.Int("count", n))
	}
	return n, nil
}
