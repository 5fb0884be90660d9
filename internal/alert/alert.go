package alert

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is the closed severity enum attached to every event.
type Priority string

const (
	PriorityInfo     Priority = "info"
	PriorityWarning  Priority = "warning"
	PriorityError    Priority = "error"
	PriorityCritical Priority = "critical"
)

// Priorities lists all valid priorities, lowest first.
var Priorities = []Priority{PriorityInfo, PriorityWarning, PriorityError, PriorityCritical}

// ParsePriority maps a raw string to a Priority. Empty input yields info.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	if p == "" {
		return PriorityInfo, nil
	}
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidEvent, raw)
	}
	return p, nil
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityInfo, PriorityWarning, PriorityError, PriorityCritical:
		return true
	}
	return false
}

// Attr is one entry of an event's ordered attribute mapping.
type Attr struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Attrs keeps attributes in insertion order.
type Attrs []Attr

// AttrsFromMap builds Attrs with keys sorted, giving map input a stable order.
func AttrsFromMap(m map[string]string) Attrs {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Attrs, 0, len(keys))
	for _, k := range keys {
		out = append(out, Attr{Key: k, Value: m[k]})
	}
	return out
}

func (a Attrs) Get(key string) (string, bool) {
	for _, kv := range a {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// DeliveryTarget records one successful send.
type DeliveryTarget struct {
	ChatID    int64     `json:"chat_id"`
	MessageID int       `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// Event is one alert flowing through the relay.
type Event struct {
	ID              string           `json:"id"`
	Kind            string           `json:"type"`
	Priority        Priority         `json:"priority"`
	Module          string           `json:"module"`
	Message         string           `json:"message"`
	Attributes      Attrs            `json:"data,omitempty"`
	CreatedAt       time.Time        `json:"timestamp"`
	Delivered       bool             `json:"delivered"`
	DeliveryTargets []DeliveryTarget `json:"delivery_targets,omitempty"`

	// RedeliverTo limits a requeued alert to one chat. Never persisted.
	RedeliverTo int64 `json:"-"`
}

// Validate checks the required fields and normalizes priority.
func (e *Event) Validate() error {
	e.Kind = strings.TrimSpace(e.Kind)
	e.Module = strings.TrimSpace(e.Module)
	switch {
	case e.Kind == "":
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	case strings.TrimSpace(e.Message) == "":
		return fmt.Errorf("%w: message is required", ErrInvalidEvent)
	case e.Module == "":
		return fmt.Errorf("%w: module is required", ErrInvalidEvent)
	case len(e.Module) > MaxModuleLen:
		return fmt.Errorf("%w: module longer than %d bytes", ErrInvalidEvent, MaxModuleLen)
	}
	p, err := ParsePriority(string(e.Priority))
	if err != nil {
		return err
	}
	e.Priority = p
	return nil
}

// MaxModuleLen keeps every control button's callback data, the longest
// being "cancel_delay_<module>_<unix>_<8 hex>", inside Telegram's 64 bytes.
const MaxModuleLen = 31

// NewID derives an id from module and creation second, plus a random suffix
// so two events from one module within the same second never collide.
func NewID(module string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return module + "_" + strconv.FormatInt(at.Unix(), 10) + "_" + suffix
}
