package eventbus

import "time"

// Alert lifecycle event types.
const (
	TypeAlertAdmitted       = "alert.admitted"
	TypeAlertRejected       = "alert.rejected"
	TypeAlertDelivered      = "alert.delivered"
	TypeAlertDeliveryFailed = "alert.delivery_failed"
	TypeAlertUndeliverable  = "alert.undeliverable"
	TypeAlertAcknowledged   = "alert.acknowledged"
	TypeModuleStatus        = "module.status"
)

// AlertData is the payload of alert.* events.
type AlertData struct {
	AlertID  string
	Kind     string
	Module   string
	Priority string
	Reason   string        // rejected: policy reason; acknowledged: resulting state
	ChatID   int64         // delivered / delivery_failed
	Took     time.Duration // delivered: send latency
}

// ModuleData is the payload of module.status events.
type ModuleData struct {
	Module  string
	State   string
	Latency *float64
}
