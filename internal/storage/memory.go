package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"alertrelay/internal/alert"
)

type ackKey struct {
	alertID   string
	chatID    int64
	messageID int
}

type memAlert struct {
	ev        alert.Event
	attempted bool
}

// Memory is a process-local Store. Records are copied in and out so callers
// never share slices with the store.
type Memory struct {
	mu        sync.RWMutex
	alerts    map[string]*memAlert
	order     []string // insertion order
	cooldowns map[string]alert.Cooldown
	statuses  map[string]alert.ModuleStatus
	subs      []alert.Subscription
	nextSubID int64
	acks      map[ackKey]alert.AckRecord
}

func NewMemory() *Memory {
	return &Memory{
		alerts:    map[string]*memAlert{},
		cooldowns: map[string]alert.Cooldown{},
		statuses:  map[string]alert.ModuleStatus{},
		acks:      map[ackKey]alert.AckRecord{},
	}
}

func copyEvent(e alert.Event) alert.Event {
	e.Attributes = append(alert.Attrs(nil), e.Attributes...)
	e.DeliveryTargets = append([]alert.DeliveryTarget(nil), e.DeliveryTargets...)
	return e
}

func (m *Memory) SaveAlert(ctx context.Context, e alert.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[e.ID]; ok {
		return alert.WrapStorage("save alert", fmt.Errorf("duplicate id %q", e.ID))
	}
	m.alerts[e.ID] = &memAlert{ev: copyEvent(e)}
	m.order = append(m.order, e.ID)
	return nil
}

func (m *Memory) GetAlert(ctx context.Context, id string) (alert.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return alert.Event{}, alert.ErrNotFound
	}
	return copyEvent(a.ev), nil
}

func (m *Memory) RecordDelivery(ctx context.Context, alertID string, t alert.DeliveryTarget) error {
	if t.SentAt.IsZero() {
		t.SentAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return alert.ErrNotFound
	}
	a.ev.Delivered = true
	for _, existing := range a.ev.DeliveryTargets {
		if existing.ChatID == t.ChatID && existing.MessageID == t.MessageID {
			return nil
		}
	}
	a.ev.DeliveryTargets = append(a.ev.DeliveryTargets, t)
	return nil
}

func (m *Memory) MarkAttempted(ctx context.Context, alertID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.alerts[alertID]; ok {
		a.attempted = true
	}
	return nil
}

// sorted returns alerts by creation time, ties broken by insertion order.
func (m *Memory) sorted() []*memAlert {
	out := make([]*memAlert, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.alerts[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ev.CreatedAt.Before(out[j].ev.CreatedAt) })
	return out
}

func (m *Memory) History(ctx context.Context, limit int) ([]alert.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sorted()
	out := make([]alert.Event, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyEvent(all[i].ev))
	}
	return out, nil
}

func (m *Memory) Pending(ctx context.Context, limit int) ([]alert.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []alert.Event
	for _, a := range m.sorted() {
		if len(out) >= limit {
			break
		}
		if !a.ev.Delivered && !a.attempted {
			out = append(out, copyEvent(a.ev))
		}
	}
	return out, nil
}

func (m *Memory) CountAlerts(ctx context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if since.IsZero() {
		return len(m.alerts), nil
	}
	n := 0
	for _, a := range m.alerts {
		if !a.ev.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Cooldown(ctx context.Context, module string, def time.Duration) (alert.Cooldown, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cooldowns[module]; ok {
		return c, nil
	}
	return alert.Cooldown{Module: module, Period: def}, nil
}

func (m *Memory) TouchCooldown(ctx context.Context, module string, at time.Time, def time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cooldowns[module]
	if !ok {
		c = alert.Cooldown{Module: module, Period: def}
	}
	c.LastAlertAt = at
	m.cooldowns[module] = c
	return nil
}

func (m *Memory) SetCooldownPeriod(ctx context.Context, module string, period time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cooldowns[module]
	c.Module = module
	c.Period = period
	m.cooldowns[module] = c
	return nil
}

func (m *Memory) UpsertModuleStatus(ctx context.Context, st alert.ModuleStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[st.Module] = st
	return nil
}

func (m *Memory) ModuleStatuses(ctx context.Context) ([]alert.ModuleStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]alert.ModuleStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, nil
}

func (m *Memory) AddSubscription(ctx context.Context, s alert.Subscription) (int64, error) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	s.ID = m.nextSubID
	m.subs = append(m.subs, s)
	return s.ID, nil
}

func (m *Memory) Subscriptions(ctx context.Context, enabledOnly bool) ([]alert.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]alert.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if enabledOnly && !s.Enabled {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) DisableSubscriptions(ctx context.Context, chatID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.subs {
		if m.subs[i].ChatID == chatID && m.subs[i].Enabled {
			m.subs[i].Enabled = false
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetAck(ctx context.Context, alertID string, chatID int64, messageID int) (alert.AckRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.acks[ackKey{alertID, chatID, messageID}]
	return rec, ok, nil
}

func (m *Memory) PutAck(ctx context.Context, rec alert.AckRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks[ackKey{rec.AlertID, rec.ChatID, rec.MessageID}] = rec
	return nil
}

func (m *Memory) Close() error { return nil }
