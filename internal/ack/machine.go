package ack

import "alertrelay/internal/alert"

// Next returns the state after applying a to a message in state from.
// ok is false for transitions the machine does not allow.
func Next(from alert.AckState, a ActionKind) (to alert.AckState, ok bool) {
	if a == ActDetails {
		return from, true
	}
	switch from {
	case alert.AckDelivered:
		switch a {
		case ActConfirm:
			return alert.AckConfirmed, true
		case ActDelay:
			return alert.AckDelayPending, true
		case ActMute:
			return alert.AckMuted, true
		}
	case alert.AckConfirmed:
		if a == ActConfirm {
			return alert.AckConfirmed, true
		}
	case alert.AckDelayPending:
		switch a {
		case ActDelayFor:
			return alert.AckDelayed, true
		case ActCancelDelay:
			return alert.AckDelivered, true
		case ActDelay:
			return alert.AckDelayPending, true
		}
	}
	return from, false
}

// rejection is the short callback answer for a refused transition.
func rejection(from alert.AckState) string {
	switch from {
	case alert.AckMuted:
		return "🔕 Alert is muted"
	case alert.AckDelayed:
		return "⏰ Alert is already delayed"
	case alert.AckConfirmed:
		return "✅ Alert is already confirmed"
	case alert.AckDelayPending:
		return "⏰ Choose a delay or cancel"
	default:
		return "Action not available"
	}
}
