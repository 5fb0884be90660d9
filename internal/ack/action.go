// Package ack drives the per-message acknowledgment controls attached to
// delivered alerts.
//
// Callback data is decoded once into an Action; handlers never look at the
// raw string again.
package ack

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"alertrelay/pkg/tgui"
)

type ActionKind string

const (
	ActConfirm     ActionKind = "confirm"
	ActDelay       ActionKind = "delay"     // open the duration picker
	ActDelayFor    ActionKind = "delay_for" // a duration was chosen
	ActDetails     ActionKind = "details"
	ActMute        ActionKind = "mute"
	ActCancelDelay ActionKind = "cancel_delay"
)

// DelayChoices are the offered delay durations, in minutes.
var DelayChoices = []int{5, 15, 30, 60, 120}

var ErrBadAction = errors.New("ack: unrecognized callback data")

type Action struct {
	Kind    ActionKind
	AlertID string
	Minutes int // ActDelayFor only
}

// Parse decodes "<action>_<alert_id>" and "delay_<minutes>_<alert_id>".
// Alert ids parked in tokens (see tgui.FitData) are resolved.
func Parse(data string, tokens *tgui.TokenStore) (Action, error) {
	data = strings.TrimSpace(data)
	var a Action

	rest, ok := strings.CutPrefix(data, string(ActCancelDelay)+tgui.CallbackSep)
	if ok {
		a.Kind = ActCancelDelay
	} else {
		word, tail, found := strings.Cut(data, tgui.CallbackSep)
		if !found {
			return Action{}, fmt.Errorf("%w: %q", ErrBadAction, data)
		}
		rest = tail
		switch ActionKind(word) {
		case ActConfirm, ActDetails, ActMute:
			a.Kind = ActionKind(word)
		case ActDelay:
			a.Kind = ActDelay
			if mins, id, ok := strings.Cut(rest, tgui.CallbackSep); ok {
				if n, err := strconv.Atoi(mins); err == nil && slices.Contains(DelayChoices, n) {
					a.Kind = ActDelayFor
					a.Minutes = n
					rest = id
				}
			}
		default:
			return Action{}, fmt.Errorf("%w: %q", ErrBadAction, data)
		}
	}

	id, ok := tgui.ResolveTail(tokens, rest)
	if !ok || strings.TrimSpace(id) == "" {
		return Action{}, fmt.Errorf("%w: missing or expired alert id", ErrBadAction)
	}
	a.AlertID = id
	return a, nil
}

// Data encodes a back into callback data.
func (a Action) Data(tokens *tgui.TokenStore) string {
	switch a.Kind {
	case ActDelayFor:
		return tgui.FitData(tokens, a.AlertID, string(ActDelay), strconv.Itoa(a.Minutes))
	default:
		return tgui.FitData(tokens, a.AlertID, string(a.Kind))
	}
}

// Keyboards builds the inline controls for each state.
type Keyboards struct {
	Tokens *tgui.TokenStore
}

func (k Keyboards) btn(text string, a Action) tele.Btn {
	return tgui.Btn(text, a.Data(k.Tokens))
}

// Controls is the full control set sent with every alert.
func (k Keyboards) Controls(alertID string) *tgui.Inline {
	return tgui.NewInline().
		Row(
			k.btn("✅ Confirm", Action{Kind: ActConfirm, AlertID: alertID}),
			k.btn("⏰ Delay", Action{Kind: ActDelay, AlertID: alertID}),
		).
		Row(
			k.btn("📊 Details", Action{Kind: ActDetails, AlertID: alertID}),
			k.btn("🔕 Mute", Action{Kind: ActMute, AlertID: alertID}),
		)
}

// DelayPicker offers DelayChoices plus cancel.
func (k Keyboards) DelayPicker(alertID string) *tgui.Inline {
	btns := make([]tele.Btn, 0, len(DelayChoices)+1)
	for _, m := range DelayChoices {
		btns = append(btns, k.btn("⏰ "+delayLabel(m), Action{Kind: ActDelayFor, AlertID: alertID, Minutes: m}))
	}
	btns = append(btns, k.btn("❌ Cancel", Action{Kind: ActCancelDelay, AlertID: alertID}))
	return tgui.NewInline().Grid(3, btns...)
}

// DetailsOnly keeps a way to inspect an alert after it was confirmed.
func (k Keyboards) DetailsOnly(alertID string) *tgui.Inline {
	return tgui.NewInline().Row(k.btn("📊 Details", Action{Kind: ActDetails, AlertID: alertID}))
}

func delayLabel(minutes int) string {
	switch {
	case minutes == 60:
		return "1 hour"
	case minutes > 60 && minutes%60 == 0:
		return strconv.Itoa(minutes/60) + " hours"
	default:
		return strconv.Itoa(minutes) + " min"
	}
}
