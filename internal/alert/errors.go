package alert

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEvent marks events missing a required field; they are dropped.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrNotFound is returned by lookups for unknown alert ids.
	ErrNotFound = errors.New("alert not found")
)

// Reason is why admission turned an event away.
type Reason string

const (
	ReasonCooldown    Reason = "cooldown_active"
	ReasonRateLimited Reason = "rate_limited"
	ReasonInvalid     Reason = "invalid_event"
)

// StorageError wraps a persistence failure. Submit returns it to the
// caller and the event is not queued.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage returns nil for a nil err.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// DeliveryFailure describes a send to one recipient that failed. The
// dispatcher logs it and moves on to the next recipient.
type DeliveryFailure struct {
	AlertID string
	ChatID  int64
	Err     error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver %s to %d: %v", e.AlertID, e.ChatID, e.Err)
}
func (e *DeliveryFailure) Unwrap() error { return e.Err }
