package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"alertrelay/internal/alert"
	"alertrelay/internal/eventbus"
	"alertrelay/internal/runtime/keyedmu"
	"alertrelay/internal/storage"
	logx "alertrelay/pkg/logx"
)

const (
	DefaultCooldown   = 60 * time.Second
	DefaultMaxPerHour = 100
)

// Queue receives admitted events.
type Queue interface {
	Enqueue(e alert.Event) error
}

type Config struct {
	// DefaultCooldown is the per-module quiet period. Zero selects
	// DefaultCooldown; NoCooldown (any negative value) turns it off.
	DefaultCooldown time.Duration
	MaxPerHour      int
}

// NoCooldown disables the default per-module cooldown.
const NoCooldown time.Duration = -1

// Decision is the outcome of Submit. Rejections are policy outcomes, not errors.
type Decision struct {
	Accepted   bool
	AlertID    string
	Reason     alert.Reason
	RetryAfter time.Duration
}

// Controller validates events and applies cooldown and rate limits before
// persisting and queueing them.
type Controller struct {
	store  storage.Store
	queue  Queue
	window RateWindow
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	locks *keyedmu.Map
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }
func WithBus(b eventbus.Bus) Option         { return func(c *Controller) { c.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(c *Controller) { c.log = l } }

func New(cfg Config, store storage.Store, q Queue, window RateWindow, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		queue:  q,
		window: window,
		bus:    eventbus.Nop(),
		log:    logx.Nop(),
		now:    time.Now,
		locks:  keyedmu.New(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.window == nil {
		c.window = NewMemoryWindow(time.Hour, 0)
	}
	c.SetConfig(cfg)
	return c
}

// SetConfig updates limits at runtime (hot reload). Zero values select defaults.
func (c *Controller) SetConfig(cfg Config) {
	switch {
	case cfg.DefaultCooldown == 0:
		cfg.DefaultCooldown = DefaultCooldown
	case cfg.DefaultCooldown < 0:
		cfg.DefaultCooldown = 0
	}
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = DefaultMaxPerHour
	}
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
}

func (c *Controller) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Submit runs one event through admission. On acceptance the event is
// persisted before it is queued; a persistence failure returns a
// *alert.StorageError and nothing is queued. Invalid events return an error
// wrapping alert.ErrInvalidEvent.
func (c *Controller) Submit(ctx context.Context, ev alert.Event) (Decision, error) {
	if err := ev.Validate(); err != nil {
		c.publishRejected(ev, alert.ReasonInvalid)
		return Decision{Reason: alert.ReasonInvalid}, err
	}
	cfg := c.config()

	// Cooldown and window checks are read-then-write; serialize per module.
	unlock := c.locks.Lock(ev.Module)
	defer unlock()

	now := c.now()
	log := c.log.With(logx.String("module", ev.Module), logx.String("kind", ev.Kind))

	cd, err := c.store.Cooldown(ctx, ev.Module, cfg.DefaultCooldown)
	if err != nil {
		return Decision{}, alert.WrapStorage("get cooldown", err)
	}
	if cd.Active(now) {
		log.Info("alert blocked by cooldown")
		c.publishRejected(ev, alert.ReasonCooldown)
		return Decision{Reason: alert.ReasonCooldown, RetryAfter: cd.Period - now.Sub(cd.LastAlertAt)}, nil
	}

	key := RateKey(ev.Module, ev.Kind)
	n, err := c.window.Count(ctx, key, now)
	if err != nil {
		// Fail open: a rate backend outage must not stop alerts.
		log.Warn("rate window unavailable; admitting", logx.Err(err))
		n = 0
	}
	if n >= cfg.MaxPerHour {
		log.Info("alert blocked by rate limit", logx.Int("count", n), logx.Int("max", cfg.MaxPerHour))
		c.publishRejected(ev, alert.ReasonRateLimited)
		return Decision{Reason: alert.ReasonRateLimited}, nil
	}

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.ID == "" {
		ev.ID = alert.NewID(ev.Module, ev.CreatedAt)
	}
	ev.Delivered = false
	ev.DeliveryTargets = nil

	if err := c.store.SaveAlert(ctx, ev); err != nil {
		log.Error("alert persist failed", logx.String("alert_id", ev.ID), logx.Err(err))
		return Decision{}, alert.WrapStorage("save alert", err)
	}
	if err := c.queue.Enqueue(ev); err != nil {
		// Persisted but not queued; startup recovery picks it up.
		log.Error("alert enqueue failed", logx.String("alert_id", ev.ID), logx.Err(err))
		return Decision{AlertID: ev.ID}, err
	}
	if err := c.store.TouchCooldown(ctx, ev.Module, now, cfg.DefaultCooldown); err != nil {
		log.Warn("cooldown update failed", logx.String("alert_id", ev.ID), logx.Err(err))
	}
	if err := c.window.Add(ctx, key, now); err != nil {
		log.Warn("rate window update failed", logx.String("alert_id", ev.ID), logx.Err(err))
	}

	log.Info("alert queued", logx.String("alert_id", ev.ID), logx.String("priority", string(ev.Priority)))
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertAdmitted, Time: now, Data: alertData(ev, "")})
	return Decision{Accepted: true, AlertID: ev.ID}, nil
}

// SubmitSystem raises an alert on behalf of the relay itself.
func (c *Controller) SubmitSystem(ctx context.Context, kind, message string, priority alert.Priority, module string, attrs map[string]string) (Decision, error) {
	if module == "" {
		module = "alert-bot"
	}
	return c.Submit(ctx, alert.Event{
		Kind:       kind,
		Message:    message,
		Priority:   priority,
		Module:     module,
		Attributes: alert.AttrsFromMap(attrs),
	})
}

func (c *Controller) publishRejected(ev alert.Event, reason alert.Reason) {
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertRejected, Data: alertData(ev, string(reason))})
}

func alertData(ev alert.Event, reason string) eventbus.AlertData {
	return eventbus.AlertData{AlertID: ev.ID, Kind: ev.Kind, Module: ev.Module, Priority: string(ev.Priority), Reason: reason}
}

// IsRejection reports whether err is a caller-side problem (invalid input)
// rather than an internal failure.
func IsRejection(err error) bool { return errors.Is(err, alert.ErrInvalidEvent) }
