// Package render turns stored alerts into chat messages.
//
// Output is a pure function of the event and the renderer's location, so
// the same alert always renders to the same text.
package render

import (
	"strconv"
	"strings"
	"time"

	"alertrelay/internal/alert"
	"alertrelay/pkg/tgui"
)

const (
	defaultEmoji = "ℹ️"
	moduleEmoji  = "🔧"

	// maxMessageRunes caps the free-text part so the whole alert fits in
	// one chat message.
	maxMessageRunes = 3000
	maxAttrRunes    = 200
)

var emoji = map[string]string{
	"info":        "ℹ️",
	"warning":     "⚠️",
	"error":       "❌",
	"critical":    "🚨",
	"success":     "✅",
	"system":      "🔧",
	"security":    "🔒",
	"performance": "📊",
	"database":    "🗄️",
	"api":         "🌐",
	"bot":         "🤖",
}

// Emoji returns the symbol for a kind or priority tag, or the info symbol.
func Emoji(tag string) string {
	if e, ok := emoji[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return e
	}
	return defaultEmoji
}

// ModuleEmoji keys on the first dash-separated segment of the module name.
func ModuleEmoji(module string) string {
	head, _, _ := strings.Cut(strings.ToLower(module), "-")
	if e, ok := emoji[head]; ok {
		return e
	}
	return moduleEmoji
}

type Renderer struct {
	loc *time.Location
}

// New returns a renderer printing times in loc (UTC when nil).
func New(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{loc: loc}
}

// Alert renders the delivery text.
func (r *Renderer) Alert(ev alert.Event) string {
	b := r.alert(ev)
	return b.Build().Text
}

func (r *Renderer) alert(ev alert.Event) *tgui.Builder {
	kind := ev.Kind
	if kind == "" {
		kind = "alert"
	}
	b := tgui.New().
		Title(Emoji(string(ev.Priority)), strings.ToUpper(kind)).
		Field(Emoji(ev.Kind), "Module", tgui.H(ModuleEmoji(ev.Module)+" ")+tgui.Code(ev.Module)).
		Field("🕐", "Time", tgui.Code(ev.CreatedAt.In(r.loc).Format("15:04:05"))).
		Field("📝", "Message", tgui.Esc(tgui.TruncRunes(ev.Message, maxMessageRunes)))

	if len(ev.Attributes) > 0 {
		b.Blank().Section("Details:")
		for _, a := range ev.Attributes {
			b.KV(a.Key, tgui.TruncRunes(a.Value, maxAttrRunes))
		}
	}
	return b
}

// Details renders the full stored record for the details view.
func (r *Renderer) Details(ev alert.Event) string {
	sent := "❌"
	if ev.Delivered {
		sent = "✅"
	}
	b := tgui.New().
		Title("📋", "Alert details").
		Blank().
		Field("🆔", "ID", tgui.Code(ev.ID)).
		Field("📝", "Type", tgui.Code(ev.Kind)).
		Field("⚠️", "Priority", tgui.Code(string(ev.Priority))).
		Field("🔧", "Module", tgui.Code(ev.Module)).
		Field("📅", "Time", tgui.Code(ev.CreatedAt.In(r.loc).Format(time.RFC3339))).
		Field("📤", "Sent", tgui.H(sent))
	if n := len(ev.DeliveryTargets); n > 0 {
		b.Field("👥", "Recipients", tgui.Code(strconv.Itoa(n)))
	}
	b.Blank().Section("📄 Message:").Line(tgui.TruncRunes(ev.Message, maxMessageRunes))
	if len(ev.Attributes) > 0 {
		b.Blank().Section("📊 Data:")
		for _, a := range ev.Attributes {
			b.KV(a.Key, tgui.TruncRunes(a.Value, maxAttrRunes))
		}
	}
	return b.Build().Text
}
