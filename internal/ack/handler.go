package ack

import (
	"context"
	"errors"
	"strconv"
	"time"

	"alertrelay/internal/alert"
	"alertrelay/internal/eventbus"
	"alertrelay/internal/render"
	"alertrelay/internal/runtime/keyedmu"
	"alertrelay/internal/storage"
	kit "alertrelay/internal/transport"
	logx "alertrelay/pkg/logx"
	"alertrelay/pkg/tgui"
)

// UI is the part of the chat adapter the handler needs.
type UI interface {
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type Handler struct {
	store     storage.Store
	ui        UI
	renderer  *render.Renderer
	keyboards Keyboards
	redeliver Redeliverer
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time

	// Transitions are read-modify-write on one ack record.
	locks *keyedmu.Map
}

type Option func(*Handler)

func WithRedeliverer(r Redeliverer) Option  { return func(h *Handler) { h.redeliver = r } }
func WithBus(b eventbus.Bus) Option         { return func(h *Handler) { h.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(h *Handler) { h.log = l } }
func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

func NewHandler(store storage.Store, ui UI, r *render.Renderer, kb Keyboards, opts ...Option) *Handler {
	h := &Handler{
		store:     store,
		ui:        ui,
		renderer:  r,
		keyboards: kb,
		redeliver: NopRedeliverer{},
		bus:       eventbus.Nop(),
		log:       logx.Nop(),
		now:       time.Now,
		locks:     keyedmu.New(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.renderer == nil {
		h.renderer = render.New(nil)
	}
	return h
}

// Result reports what a callback did.
type Result struct {
	Action   Action
	From, To alert.AckState
	Applied  bool
	Answer   string
}

// Handle applies one callback. Unknown data, unknown alerts and refused
// transitions are answered on the callback and are not errors.
func (h *Handler) Handle(ctx context.Context, cb kit.Callback) (Result, error) {
	a, err := Parse(cb.Data, h.keyboards.Tokens)
	if err != nil {
		h.answer(ctx, cb.ID, "❌ Unknown action")
		return Result{Answer: "❌ Unknown action"}, nil
	}
	ev, err := h.alertFor(ctx, &a)
	log := h.log.With(
		logx.String("alert_id", a.AlertID),
		logx.String("action", string(a.Kind)),
		logx.Int64("chat_id", cb.ChatID),
		logx.Int64("from_id", cb.FromID),
	)
	if errors.Is(err, alert.ErrNotFound) {
		h.answer(ctx, cb.ID, "❌ Alert not found")
		return Result{Action: a, Answer: "❌ Alert not found"}, nil
	}
	if err != nil {
		h.answer(ctx, cb.ID, "❌ Storage unavailable")
		return Result{Action: a}, alert.WrapStorage("get alert", err)
	}

	unlock := h.locks.Lock(ackKey(a.AlertID, cb.ChatID, cb.MessageID))
	defer unlock()

	rec, found, err := h.store.GetAck(ctx, a.AlertID, cb.ChatID, cb.MessageID)
	if err != nil {
		h.answer(ctx, cb.ID, "❌ Storage unavailable")
		return Result{Action: a}, alert.WrapStorage("get ack", err)
	}
	if !found {
		rec = alert.AckRecord{AlertID: a.AlertID, ChatID: cb.ChatID, MessageID: cb.MessageID, State: alert.AckDelivered}
	}

	res := Result{Action: a, From: rec.State}
	to, ok := Next(rec.State, a.Kind)
	if !ok {
		res.To = rec.State
		res.Answer = rejection(rec.State)
		log.Debug("ack transition refused", logx.String("state", string(rec.State)))
		h.answer(ctx, cb.ID, res.Answer)
		return res, nil
	}
	res.To = to
	res.Applied = true

	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}

	if a.Kind == ActDetails {
		msg := tgui.Message{Text: h.renderer.Details(ev), Opt: h.options(ev.ID, rec.State)}
		if err := msg.Edit(ctx, h.ui, ref); err != nil {
			log.Warn("details edit failed", logx.Err(err))
		}
		h.answer(ctx, cb.ID, "")
		return res, nil
	}

	if to == rec.State {
		// Repeated confirm or delay: nothing to change on screen.
		res.Answer = answerFor(a)
		h.answer(ctx, cb.ID, res.Answer)
		return res, nil
	}

	rec.State = to
	rec.ActorID = cb.FromID
	rec.UpdatedAt = h.now()
	if a.Kind == ActDelayFor {
		rec.DelayMinutes = a.Minutes
	}
	if to == alert.AckDelivered {
		rec.DelayMinutes = 0
	}
	if err := h.store.PutAck(ctx, rec); err != nil {
		h.answer(ctx, cb.ID, "❌ Storage unavailable")
		return res, alert.WrapStorage("put ack", err)
	}

	if err := h.View(ev, rec).Edit(ctx, h.ui, ref); err != nil {
		log.Warn("ack edit failed", logx.Err(err))
	}

	if a.Kind == ActDelayFor {
		if err := h.redeliver.Schedule(ctx, ev, cb.ChatID, time.Duration(a.Minutes)*time.Minute); err != nil {
			log.Warn("schedule redelivery failed", logx.Err(err))
		}
	}

	res.Answer = answerFor(a)
	h.answer(ctx, cb.ID, res.Answer)
	log.Info("alert acknowledged", logx.String("from", string(res.From)), logx.String("to", string(to)))
	h.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertAcknowledged, Data: eventbus.AlertData{
		AlertID:  ev.ID,
		Kind:     ev.Kind,
		Module:   ev.Module,
		Priority: string(ev.Priority),
		Reason:   string(to),
		ChatID:   cb.ChatID,
	}})
	return res, nil
}

// alertFor loads the alert a refers to. "delay_60_<id>" is also the picker
// request for an alert whose module is "60"; the full-id reading wins.
func (h *Handler) alertFor(ctx context.Context, a *Action) (alert.Event, error) {
	if a.Kind == ActDelayFor {
		full := strconv.Itoa(a.Minutes) + tgui.CallbackSep + a.AlertID
		if ev, err := h.store.GetAlert(ctx, full); err == nil {
			*a = Action{Kind: ActDelay, AlertID: full}
			return ev, nil
		}
	}
	return h.store.GetAlert(ctx, a.AlertID)
}

// View renders the message for an alert in the record's state.
func (h *Handler) View(ev alert.Event, rec alert.AckRecord) tgui.Message {
	text := h.renderer.Alert(ev)
	switch rec.State {
	case alert.AckConfirmed:
		text += "\n\n✅ <b>Confirmed</b>"
	case alert.AckDelayPending:
		text += "\n\n⏰ <b>Choose a delay:</b>"
	case alert.AckDelayed:
		text += "\n\n⏰ <b>Delayed for " + strconv.Itoa(rec.DelayMinutes) + " minutes</b>"
	case alert.AckMuted:
		text += "\n\n🔕 <b>Notifications muted</b>"
	}
	return tgui.Message{Text: text, Opt: h.options(ev.ID, rec.State)}
}

func (h *Handler) options(alertID string, st alert.AckState) *kit.SendOptions {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	switch st {
	case alert.AckDelivered:
		opt.ReplyMarkupAdapter = h.keyboards.Controls(alertID).Markup()
	case alert.AckDelayPending:
		opt.ReplyMarkupAdapter = h.keyboards.DelayPicker(alertID).Markup()
	case alert.AckConfirmed:
		opt.ReplyMarkupAdapter = h.keyboards.DetailsOnly(alertID).Markup()
	}
	return opt
}

func ackKey(alertID string, chatID int64, messageID int) string {
	return alertID + "|" + strconv.FormatInt(chatID, 10) + "|" + strconv.Itoa(messageID)
}

func answerFor(a Action) string {
	switch a.Kind {
	case ActConfirm:
		return "✅ Alert confirmed"
	case ActDelayFor:
		return "⏰ Alert delayed for " + strconv.Itoa(a.Minutes) + " minutes"
	case ActCancelDelay:
		return "❌ Delay cancelled"
	case ActMute:
		return "🔕 Notifications muted for this alert"
	default:
		return ""
	}
}

func (h *Handler) answer(ctx context.Context, id, text string) {
	if id == "" {
		return
	}
	if err := h.ui.AnswerCallback(ctx, id, text); err != nil {
		h.log.Debug("answer callback failed", logx.Err(err))
	}
}
