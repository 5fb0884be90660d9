package tgui

import (
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

// CallbackSep separates the parts of callback data, e.g. "delay_15_<id>".
const CallbackSep = "_"

// Data joins parts with CallbackSep. Empty parts are skipped.
func Data(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, CallbackSep)
}

// FitData builds callback data from a fixed prefix and a variable tail.
// When the result exceeds MaxCallbackDataLen the tail is parked in store
// and replaced by its token. A nil store leaves oversized data as-is.
func FitData(store *TokenStore, tail string, prefix ...string) string {
	d := Data(append(prefix, tail)...)
	if len(d) <= MaxCallbackDataLen || store == nil {
		return d
	}
	return Data(append(prefix, store.PutString(tail))...)
}

// ResolveTail reverses FitData for the tail part.
func ResolveTail(store *TokenStore, tail string) (string, bool) {
	if !IsToken(tail) {
		return tail, true
	}
	if store == nil {
		return "", false
	}
	return store.GetString(tail)
}
