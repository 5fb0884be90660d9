// Package dispatch drains the delivery queue and fans each alert out to the
// chats whose subscriptions match it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	tele "gopkg.in/telebot.v4"

	"alertrelay/internal/ack"
	"alertrelay/internal/alert"
	"alertrelay/internal/eventbus"
	"alertrelay/internal/queue"
	"alertrelay/internal/render"
	"alertrelay/internal/storage"
	kit "alertrelay/internal/transport"
	logx "alertrelay/pkg/logx"
	"alertrelay/pkg/tgui"
)

// Source is the consumer side of the delivery queue.
type Source interface {
	Dequeue(ctx context.Context) (alert.Event, error)
}

type Config struct {
	// LoopBackoff pauses the loop after a queue failure. Default 5s.
	LoopBackoff time.Duration
	// SendTimeout bounds one send. Default 15s.
	SendTimeout time.Duration
	// BreakerFailures consecutive transient send failures to one chat open
	// that chat's circuit. Default 5; negative disables the breakers.
	BreakerFailures int
	// BreakerCooldown is how long a circuit stays open. Default 30s.
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.LoopBackoff <= 0 {
		c.LoopBackoff = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

type Dispatcher struct {
	cfg       Config
	src       Source
	store     storage.Store
	sender    kit.Sender
	renderer  *render.Renderer
	keyboards ack.Keyboards
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration)

	bmu      sync.Mutex
	breakers map[int64]*gobreaker.CircuitBreaker
}

type Option func(*Dispatcher)

func WithBus(b eventbus.Bus) Option         { return func(d *Dispatcher) { d.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(d *Dispatcher) { d.log = l } }
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(cfg Config, src Source, store storage.Store, sender kit.Sender, r *render.Renderer, kb ack.Keyboards, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg.withDefaults(),
		src:       src,
		store:     store,
		sender:    sender,
		renderer:  r,
		keyboards: kb,
		bus:       eventbus.Nop(),
		log:       logx.Nop(),
		now:       time.Now,
		sleep:     sleepCtx,
		breakers:  map[int64]*gobreaker.CircuitBreaker{},
	}
	for _, o := range opts {
		o(d)
	}
	if d.renderer == nil {
		d.renderer = render.New(nil)
	}
	return d
}

// breaker returns the circuit for one chat, or nil when breakers are off.
func (d *Dispatcher) breaker(chatID int64) *gobreaker.CircuitBreaker {
	if d.cfg.BreakerFailures <= 0 {
		return nil
	}
	d.bmu.Lock()
	defer d.bmu.Unlock()
	if cb, ok := d.breakers[chatID]; ok {
		return cb
	}
	trip := uint32(d.cfg.BreakerFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         "telegram.send:" + strconv.FormatInt(chatID, 10),
		MaxRequests:  1,
		Timeout:      d.cfg.BreakerCooldown,
		ReadyToTrip:  func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= trip },
		IsSuccessful: func(err error) bool { return err == nil || ChatGone(err) },
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn("send circuit state changed", logx.String("breaker", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	d.breakers[chatID] = cb
	return cb
}

// ChatGone reports whether err is a permanent per-chat refusal from
// Telegram. Such errors say nothing about the health of the transport.
func ChatGone(err error) bool {
	for _, e := range []error{
		tele.ErrBlockedByUser,
		tele.ErrChatNotFound,
		tele.ErrKickedFromGroup,
		tele.ErrKickedFromSuperGroup,
		tele.ErrKickedFromChannel,
		tele.ErrNotStartedByUser,
		tele.ErrUserIsDeactivated,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// Run processes items until the queue is closed and drained or ctx ends.
// An item in progress always finishes; nothing new starts once ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started")
	defer d.log.Info("dispatcher stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		ev, err := d.src.Dequeue(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			d.log.Error("dequeue failed; backing off", logx.Err(err), logx.Duration("backoff", d.cfg.LoopBackoff))
			d.sleep(ctx, d.cfg.LoopBackoff)
			continue
		}
		d.safeProcess(context.WithoutCancel(ctx), ev)
	}
}

func (d *Dispatcher) safeProcess(ctx context.Context, ev alert.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic while dispatching alert",
				logx.String("alert_id", ev.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	if _, err := d.Process(ctx, ev); err != nil {
		d.log.Error("dispatch failed", logx.String("alert_id", ev.ID), logx.Err(err))
	}
}

// Report summarizes one dispatched alert.
type Report struct {
	Recipients int
	Delivered  int
	Failures   []*alert.DeliveryFailure
}

// Process delivers one alert to every matching subscription. Per-recipient
// failures are collected in the report; the returned error is reserved for
// failures that stop the whole item. A redelivery (RedeliverTo set) only
// reaches that chat, and only while it still has a matching subscription.
func (d *Dispatcher) Process(ctx context.Context, ev alert.Event) (Report, error) {
	log := d.log.With(logx.String("alert_id", ev.ID), logx.String("module", ev.Module), logx.String("kind", ev.Kind))

	if err := d.store.MarkAttempted(ctx, ev.ID, d.now()); err != nil {
		log.Warn("mark attempted failed", logx.Err(err))
	}

	subs, err := d.store.Subscriptions(ctx, true)
	if err != nil {
		return Report{}, alert.WrapStorage("list subscriptions", err)
	}
	chats := Recipients(subs, ev)
	if ev.RedeliverTo != 0 {
		chats = only(chats, ev.RedeliverTo)
		log = log.With(logx.Int64("redeliver_to", ev.RedeliverTo))
	}

	var rep Report
	rep.Recipients = len(chats)
	if len(chats) == 0 {
		log.Warn("no subscribers for alert")
		d.publish(eventbus.TypeAlertUndeliverable, ev, 0, 0)
		return rep, nil
	}

	msg := tgui.New().
		RawLine(tgui.H(d.renderer.Alert(ev))).
		Inline(d.keyboards.Controls(ev.ID)).
		Build()

	for _, chatID := range chats {
		start := d.now()
		ref, err := d.send(ctx, kit.ChatTarget{ChatID: chatID}, msg)
		if err != nil {
			f := &alert.DeliveryFailure{AlertID: ev.ID, ChatID: chatID, Err: err}
			rep.Failures = append(rep.Failures, f)
			log.Warn("delivery failed", logx.Int64("chat_id", chatID), logx.Err(err))
			d.publish(eventbus.TypeAlertDeliveryFailed, ev, chatID, 0)
			continue
		}
		target := alert.DeliveryTarget{ChatID: chatID, MessageID: ref.MessageID, SentAt: d.now()}
		if err := d.store.RecordDelivery(ctx, ev.ID, target); err != nil {
			log.Error("record delivery failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
		rep.Delivered++
		d.publish(eventbus.TypeAlertDelivered, ev, chatID, d.now().Sub(start))
	}

	log.Info("alert dispatched", logx.Int("recipients", rep.Recipients), logx.Int("delivered", rep.Delivered))
	return rep, nil
}

func (d *Dispatcher) send(ctx context.Context, to kit.ChatTarget, msg tgui.Message) (kit.MessageRef, error) {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	cb := d.breaker(to.ChatID)
	if cb == nil {
		return msg.Send(sctx, d.sender, to)
	}
	out, err := cb.Execute(func() (interface{}, error) {
		return msg.Send(sctx, d.sender, to)
	})
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("send: %w", err)
	}
	return out.(kit.MessageRef), nil
}

func (d *Dispatcher) publish(typ string, ev alert.Event, chatID int64, took time.Duration) {
	d.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.AlertData{
		AlertID:  ev.ID,
		Kind:     ev.Kind,
		Module:   ev.Module,
		Priority: string(ev.Priority),
		ChatID:   chatID,
		Took:     took,
	}})
}

// Recipients returns the distinct chats with at least one enabled
// subscription matching ev, in subscription order.
func Recipients(subs []alert.Subscription, ev alert.Event) []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, s := range subs {
		if seen[s.ChatID] || !s.Matches(ev) {
			continue
		}
		seen[s.ChatID] = true
		out = append(out, s.ChatID)
	}
	return out
}

func only(chats []int64, chatID int64) []int64 {
	for _, c := range chats {
		if c == chatID {
			return []int64{c}
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
