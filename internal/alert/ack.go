package alert

import "time"

// AckState is the acknowledgment state of one delivered message.
type AckState string

const (
	AckDelivered    AckState = "delivered"
	AckConfirmed    AckState = "confirmed"
	AckDelayPending AckState = "delay_pending"
	AckDelayed      AckState = "delayed"
	AckMuted        AckState = "muted"
)

// AckRecord is keyed by (AlertID, ChatID, MessageID).
type AckRecord struct {
	AlertID      string
	ChatID       int64
	MessageID    int
	State        AckState
	DelayMinutes int
	ActorID      int64
	UpdatedAt    time.Time
}
