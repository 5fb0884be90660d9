package bot

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"alertrelay/internal/admission"
	"alertrelay/internal/alert"
	"alertrelay/internal/transport/telegram/router"
	logx "alertrelay/pkg/logx"
	"alertrelay/pkg/tgui"
)

const (
	defaultHistoryCount = 10
	maxHistoryCount     = 50
)

func (b *Bot) cmdStart(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, startMessage(req.IsOwner))
}

func (b *Bot) cmdStatus(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, b.statusMessage(ctx, nil))
}

func (b *Bot) cmdStats(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, b.statsMessage(ctx, nil))
}

func (b *Bot) cmdHistory(ctx context.Context, req *router.Request) error {
	n := clampPositiveIntArg(req.Args, defaultHistoryCount, maxHistoryCount)
	return req.Reply(ctx, b.historyMessage(ctx, n, nil))
}

func (b *Bot) cmdPing(ctx context.Context, req *router.Request) error {
	start := b.now()
	msg := tgui.New().
		Title("🏓", "Pong!").
		Field("⏱️", "Uptime", tgui.Code(durRel(start.Sub(b.startedAt)))).
		Field("🕐", "Time", tgui.Code(start.In(b.loc).Format("15:04:05"))).
		Build()
	return req.Reply(ctx, msg)
}

func (b *Bot) cmdTest(ctx context.Context, req *router.Request) error {
	d, err := b.deps.Submitter.SubmitSystem(ctx, "test", "Test alert from the relay", alert.PriorityInfo, SystemModule, map[string]string{
		"test":      "true",
		"timestamp": b.now().UTC().Format(time.RFC3339),
		"requested": strconv.FormatInt(req.FromID, 10),
	})
	if err != nil {
		req.Logger.Error("test alert failed", logx.Err(err))
		return errors.New("test alert failed")
	}
	return req.ReplyText(ctx, decisionText(d))
}

// cmdSend takes the raw argument text: "type|priority|module|message".
// The message may itself contain "|".
func (b *Bot) cmdSend(ctx context.Context, req *router.Request) error {
	kind, prio, module, text, err := parseSendArgs(req.RawArgs)
	if err != nil {
		return err
	}
	d, err := b.deps.Submitter.SubmitSystem(ctx, kind, text, prio, module, nil)
	if err != nil {
		if admission.IsRejection(err) {
			return err
		}
		req.Logger.Error("manual alert failed", logx.Err(err))
		return errors.New("alert could not be stored")
	}
	return req.ReplyText(ctx, decisionText(d))
}

func parseSendArgs(raw string) (kind string, prio alert.Priority, module, text string, err error) {
	parts := strings.SplitN(raw, "|", 4)
	if len(parts) != 4 {
		return "", "", "", "", errors.New("usage: /send type|priority|module|message")
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	prio, err = alert.ParsePriority(parts[1])
	if err != nil {
		return "", "", "", "", err
	}
	if parts[0] == "" || parts[2] == "" || parts[3] == "" {
		return "", "", "", "", errors.New("usage: /send type|priority|module|message")
	}
	return parts[0], prio, parts[2], parts[3], nil
}

func (b *Bot) cmdCheck(ctx context.Context, req *router.Request) error {
	if b.deps.Checker == nil || len(b.deps.Checker.Targets()) == 0 {
		return req.ReplyText(ctx, "No modules configured for health checks")
	}
	_ = req.ReplyText(ctx, "🔄 Checking modules...")
	return req.Reply(ctx, b.checkMessage(ctx, nil))
}

func (b *Bot) cmdSubscribe(ctx context.Context, req *router.Request) error {
	sub := alert.Subscription{
		ChatID:     req.Chat.ChatID,
		AlertTypes: splitList(req.Flags["types"]),
		Modules:    splitList(req.Flags["modules"]),
		Enabled:    true,
	}
	for _, raw := range splitList(req.Flags["priorities"]) {
		p, err := alert.ParsePriority(raw)
		if err != nil {
			return err
		}
		sub.PriorityLevels = append(sub.PriorityLevels, p)
	}
	existing, err := b.deps.Subscriptions.Subscriptions(ctx, true)
	if err != nil {
		req.Logger.Error("list subscriptions failed", logx.Err(err))
		return errors.New("subscription could not be saved")
	}
	title := "Subscribed"
	if slices.ContainsFunc(existing, func(s alert.Subscription) bool { return sameFilter(s, sub) }) {
		title = "Already subscribed"
	} else {
		id, err := b.deps.Subscriptions.AddSubscription(ctx, sub)
		if err != nil {
			req.Logger.Error("add subscription failed", logx.Err(err))
			return errors.New("subscription could not be saved")
		}
		req.Logger.Info("subscription added", logx.Int64("subscription_id", id))
	}

	m := tgui.New().
		Title("🔔", title).
		Field("", "Types", tgui.Code(listOrAll(sub.AlertTypes))).
		Field("", "Modules", tgui.Code(listOrAll(sub.Modules))).
		Field("", "Priorities", tgui.Code(listOrAll(priorityStrings(sub.PriorityLevels)))).
		Build()
	return req.Reply(ctx, m)
}

// sameFilter reports whether a and b are the same chat with the same filter
// sets, ignoring order.
func sameFilter(a, b alert.Subscription) bool {
	return a.ChatID == b.ChatID &&
		sameSet(a.AlertTypes, b.AlertTypes) &&
		sameSet(a.Modules, b.Modules) &&
		sameSet(a.PriorityLevels, b.PriorityLevels)
}

func sameSet[T cmp.Ordered](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

func (b *Bot) cmdUnsubscribe(ctx context.Context, req *router.Request) error {
	n, err := b.deps.Subscriptions.DisableSubscriptions(ctx, req.Chat.ChatID)
	if err != nil {
		req.Logger.Error("disable subscriptions failed", logx.Err(err))
		return errors.New("subscriptions could not be updated")
	}
	if n == 0 {
		return req.ReplyText(ctx, "This chat has no active subscriptions")
	}
	return req.ReplyText(ctx, fmt.Sprintf("🔕 %d subscription(s) disabled", n))
}

func decisionText(d admission.Decision) string {
	if d.Accepted {
		return "✅ Alert queued: " + d.AlertID
	}
	s := "⏳ Alert not sent: " + string(d.Reason)
	if d.RetryAfter > 0 {
		s += " (retry in " + durRel(d.RetryAfter.Round(time.Second)) + ")"
	}
	return s
}

func clampPositiveIntArg(args []string, defVal, maxVal int) int {
	if len(args) == 0 {
		return defVal
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return defVal
	}
	if maxVal > 0 && n > maxVal {
		return maxVal
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func listOrAll(v []string) string {
	if len(v) == 0 {
		return "all"
	}
	return strings.Join(v, ", ")
}

func priorityStrings(ps []alert.Priority) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, string(p))
	}
	return out
}
