package alert

import (
	"strings"
	"time"
)

// Subscription routes alerts to a chat. An empty filter list on a
// dimension matches everything on that dimension.
type Subscription struct {
	ID             int64      `json:"id"`
	ChatID         int64      `json:"chat_id"`
	AlertTypes     []string   `json:"alert_types,omitempty"`
	Modules        []string   `json:"modules,omitempty"`
	PriorityLevels []Priority `json:"priority_levels,omitempty"`
	Enabled        bool       `json:"enabled"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Matches reports whether e should be delivered under s. Type and module
// filters match loosely (see filterMatches); priority filters match exactly.
func (s Subscription) Matches(e Event) bool {
	if !s.Enabled {
		return false
	}
	if !containsAny(s.AlertTypes, e.Kind) || !containsAny(s.Modules, e.Module) {
		return false
	}
	if len(s.PriorityLevels) == 0 {
		return true
	}
	for _, p := range s.PriorityLevels {
		if p == e.Priority {
			return true
		}
	}
	return false
}

func containsAny(filters []string, v string) bool {
	if len(filters) == 0 {
		return true
	}
	v = strings.ToLower(strings.TrimSpace(v))
	for _, f := range filters {
		if filterMatches(strings.ToLower(strings.TrimSpace(f)), v) {
			return true
		}
	}
	return false
}

// filterMatches accepts containment in either direction, or f being an
// abbreviation of the first segment of v: same first letter, remaining
// letters in order. So "db" matches "database-server" and "api" matches
// "api-gateway", while "dr" does not match "database-server".
func filterMatches(f, v string) bool {
	if f == "" || v == "" {
		return false
	}
	if strings.Contains(v, f) || strings.Contains(f, v) {
		return true
	}
	head := v
	if i := strings.IndexAny(v, "-_. /"); i > 0 {
		head = v[:i]
	}
	if len(f) < 2 || f[0] != head[0] {
		return false
	}
	j := 1
	for i := 1; i < len(head) && j < len(f); i++ {
		if head[i] == f[j] {
			j++
		}
	}
	return j == len(f)
}

// ModuleState is the outcome of the latest liveness check.
type ModuleState string

const (
	StateOnline  ModuleState = "online"
	StateError   ModuleState = "error"
	StateTimeout ModuleState = "timeout"
)

// ModuleStatus is the latest probe result for a module.
type ModuleStatus struct {
	Module        string      `json:"module_name"`
	State         ModuleState `json:"status"`
	LastCheckedAt time.Time   `json:"last_check"`
	Latency       *float64    `json:"response_time"` // seconds
	Detail        *string     `json:"error_message"`
}

// Cooldown is the per-module throttle record.
type Cooldown struct {
	Module      string
	LastAlertAt time.Time // zero when the module has not alerted yet
	Period      time.Duration
}

// Active reports whether a new event at now is still inside the cooldown.
func (c Cooldown) Active(now time.Time) bool {
	if c.LastAlertAt.IsZero() || c.Period <= 0 {
		return false
	}
	return now.Sub(c.LastAlertAt) < c.Period
}
