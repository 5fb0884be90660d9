package bot

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"alertrelay/internal/alert"
	"alertrelay/internal/render"
	"alertrelay/internal/report"
	kit "alertrelay/internal/transport"
	"alertrelay/internal/transport/telegram/router"
	logx "alertrelay/pkg/logx"
	"alertrelay/pkg/tgui"
)

const (
	menuPrefix  = "menu_"
	adminPrefix = "admin_"

	historyPreviewRunes = 50
)

func startKeyboard() *tgui.Inline {
	return tgui.NewInline().Grid(2,
		tgui.Btn("📊 Statistics", menuPrefix+"stats"),
		tgui.Btn("🔧 Modules", menuPrefix+"modules"),
		tgui.Btn("📋 History", menuPrefix+"history"),
	)
}

func menuBack() *tgui.Inline {
	return tgui.NewInline().Row(tgui.Btn("⬅️ Menu", menuPrefix+"home"))
}

func adminKeyboard() *tgui.Inline {
	return tgui.NewInline().Grid(2,
		tgui.Btn("📊 Statistics", adminPrefix+"stats"),
		tgui.Btn("🔧 Modules", adminPrefix+"modules"),
		tgui.Btn("📋 History", adminPrefix+"history"),
		tgui.Btn("🔄 Check modules", adminPrefix+"check_modules"),
		tgui.Btn("⚙️ Settings", adminPrefix+"settings"),
	)
}

func adminBack() *tgui.Inline {
	return tgui.NewInline().Row(tgui.Btn("⬅️ Panel", adminPrefix+"home"))
}

func startMessage(owner bool) tgui.Message {
	b := tgui.New().
		Title("🚨", "Alert Relay").
		Line("Monitored services report problems here. Alerts arrive with buttons to confirm, delay or mute them.").
		Blank().
		Line("Choose an action, or type /help.")
	if owner {
		b.Line("Owners can open /admin.")
	}
	return b.Inline(startKeyboard()).Build()
}

func adminMessage() tgui.Message {
	return tgui.New().
		Title("🔧", "Admin panel").
		Line("Choose an action:").
		Inline(adminKeyboard()).
		Build()
}

func (b *Bot) statusMessage(ctx context.Context, kb *tgui.Inline) tgui.Message {
	snap := b.deps.Reports.Modules(ctx)
	mb := tgui.New().Title("🔧", "Module status")
	if snap.Total == 0 {
		mb.Line("No module has been checked yet.")
	} else {
		mb.Field("", "Online", tgui.Code(fmt.Sprintf("%d/%d", snap.Online, snap.Total))).Blank()
		for _, m := range snap.Modules {
			mb.RawLine(moduleLine(m, b.loc))
		}
	}
	mb.Blank().
		Field("⏱️", "Relay uptime", tgui.Code(durRel(b.now().Sub(b.startedAt)))).
		Field("🕐", "Updated", tgui.Code(snap.GeneratedAt.In(b.loc).Format("2006-01-02 15:04:05")))
	return mb.Inline(kb).Build()
}

func moduleLine(m alert.ModuleStatus, loc *time.Location) tgui.H {
	icon := "✅"
	if m.State != alert.StateOnline {
		icon = "❌"
	}
	latency := "n/a"
	if m.Latency != nil {
		latency = strconv.FormatInt(int64(*m.Latency*1000), 10) + "ms"
	}
	line := tgui.H(icon+" ") + tgui.B(m.Module) + " " + tgui.Code(string(m.State)) +
		" " + tgui.Esc(latency) + " · " + tgui.Esc(m.LastCheckedAt.In(loc).Format("15:04:05"))
	if m.Detail != nil && *m.Detail != "" {
		line += "\n   " + tgui.I(tgui.TruncRunes(*m.Detail, 120))
	}
	return line
}

func (b *Bot) statsMessage(ctx context.Context, kb *tgui.Inline) tgui.Message {
	st := b.deps.Reports.Statistics(ctx)
	mb := tgui.New().
		Title("📊", "Alert statistics").
		Field("📈", "Total", tgui.Code(strconv.Itoa(st.Total))).
		Field("🕐", "Last hour", tgui.Code(strconv.Itoa(st.Recent)))

	section := func(title string, m map[string]int, icon func(string) string) {
		if len(m) == 0 {
			return
		}
		mb.Blank().Section(title)
		for _, c := range report.Sorted(m) {
			mb.RawLine(tgui.H(icon(c.Key)+" ") + tgui.Esc(c.Key) + ": " + tgui.Code(strconv.Itoa(c.N)))
		}
	}
	section("By type", st.ByKind, render.Emoji)
	section("By module", st.ByModule, render.ModuleEmoji)
	section("By priority", st.ByPriority, render.Emoji)
	return mb.Inline(kb).Build()
}

func (b *Bot) historyMessage(ctx context.Context, n int, kb *tgui.Inline) tgui.Message {
	hist := b.deps.Reports.History(ctx, n)
	mb := tgui.New().Title("📋", "Recent alerts")
	if len(hist) == 0 {
		mb.Line("No alerts yet.")
		return mb.Inline(kb).Build()
	}
	for i, e := range hist {
		if i > 0 {
			mb.Blank()
		}
		status := ""
		if !e.Delivered {
			status = " · undelivered"
		}
		mb.RawLine(tgui.H(render.Emoji(string(e.Priority))+" ") + tgui.B(e.Kind) + " - " + tgui.Esc(e.Module))
		mb.RawLine("   " + tgui.Esc(tgui.TruncRunes(e.Message, historyPreviewRunes)))
		mb.RawLine("   " + tgui.Code(e.CreatedAt.In(b.loc).Format("2006-01-02 15:04:05")) + tgui.Esc(status))
	}
	return mb.Inline(kb).Build()
}

func (b *Bot) checkMessage(ctx context.Context, kb *tgui.Inline) tgui.Message {
	mb := tgui.New().Title("🔄", "Module check")
	if b.deps.Checker == nil {
		mb.Line("Health checks are not configured.")
		return mb.Inline(kb).Build()
	}
	results := b.deps.Checker.RunOnce(ctx)
	if len(results) == 0 {
		mb.Line("No modules configured for health checks.")
		return mb.Inline(kb).Build()
	}
	online := 0
	for _, r := range results {
		if r.Status.State == alert.StateOnline {
			online++
		}
		mb.RawLine(moduleLine(r.Status, b.loc))
	}
	mb.Blank().Field("", "Online", tgui.Code(fmt.Sprintf("%d/%d", online, len(results))))
	return mb.Inline(kb).Build()
}

func (b *Bot) settingsMessage(kb *tgui.Inline) tgui.Message {
	s := b.currentSettings()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	mb := tgui.New().Title("⚙️", "Settings").Section("Limits")
	mb.KV("Max alerts per hour", strconv.Itoa(s.MaxPerHour)).
		KV("Default cooldown", s.Cooldown.String()).
		KV("Probe timeout", s.ProbeTimeout.String()).
		KV("Health schedule", s.HealthSchedule)

	mb.Blank().Section("Monitored modules")
	var targets int
	if b.deps.Checker != nil {
		for _, t := range b.deps.Checker.Targets() {
			targets++
			endpoint := t.Endpoint
			if endpoint == "" {
				endpoint = "no endpoint"
			}
			mb.KV(t.Module, endpoint)
		}
	}
	if targets == 0 {
		mb.Line("• none")
	}

	mb.Blank().Section("Runtime").
		KV("Storage", s.Storage).
		KV("Uptime", durRel(b.now().Sub(b.startedAt))).
		KV("Goroutines", strconv.Itoa(runtime.NumGoroutine())).
		KV("Memory", fmtBytes(ms.Alloc))
	return mb.Inline(kb).Build()
}

// cbMenu serves the /start menu buttons by editing the menu message.
func (b *Bot) cbMenu(ctx context.Context, req *router.Request) error {
	var m tgui.Message
	switch req.RawArgs[len(menuPrefix):] {
	case "home":
		m = startMessage(req.IsOwner)
	case "stats":
		m = b.statsMessage(ctx, menuBack())
	case "modules":
		m = b.statusMessage(ctx, menuBack())
	case "history":
		if !req.IsOwner {
			return req.Adapter.AnswerCallback(ctx, req.Callback.ID, "⛔ Owner only")
		}
		m = b.historyMessage(ctx, defaultHistoryCount, menuBack())
	default:
		return req.Adapter.AnswerCallback(ctx, req.Callback.ID, "❌ Unknown action")
	}
	return b.editInPlace(ctx, req, m, "")
}

func (b *Bot) cbAdmin(ctx context.Context, req *router.Request) error {
	var (
		m      tgui.Message
		answer string
	)
	switch req.RawArgs[len(adminPrefix):] {
	case "home":
		m = adminMessage()
	case "stats":
		m = b.statsMessage(ctx, adminBack())
	case "modules":
		m = b.statusMessage(ctx, adminBack())
	case "history":
		m = b.historyMessage(ctx, defaultHistoryCount, adminBack())
	case "check_modules":
		m = b.checkMessage(ctx, adminBack())
		answer = "✅ Check complete"
	case "settings":
		m = b.settingsMessage(adminBack())
	default:
		return req.Adapter.AnswerCallback(ctx, req.Callback.ID, "❌ Unknown action")
	}
	return b.editInPlace(ctx, req, m, answer)
}

func (b *Bot) editInPlace(ctx context.Context, req *router.Request, m tgui.Message, answer string) error {
	cb := req.Callback
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	if err := m.Edit(ctx, req.Adapter, ref); err != nil {
		// Telegram refuses edits that change nothing; the view is still current.
		req.Logger.Debug("menu edit failed", logx.Err(err))
	}
	return req.Adapter.AnswerCallback(ctx, cb.ID, answer)
}

func fmtBytes(n uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1fGB", float64(n)/GB)
	case n >= MB:
		return fmt.Sprintf("%.1fMB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.1fKB", float64(n)/KB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
