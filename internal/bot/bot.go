// Package bot holds the relay's chat commands and menu callbacks.
package bot

import (
	"context"
	"sync"
	"time"

	"alertrelay/internal/ack"
	"alertrelay/internal/admission"
	"alertrelay/internal/alert"
	"alertrelay/internal/health"
	"alertrelay/internal/report"
	kit "alertrelay/internal/transport"
	"alertrelay/internal/transport/telegram/router"
	logx "alertrelay/pkg/logx"
)

// SystemModule is the module name used for alerts the relay raises itself.
const SystemModule = "alert-bot"

type Submitter interface {
	SubmitSystem(ctx context.Context, kind, message string, priority alert.Priority, module string, attrs map[string]string) (admission.Decision, error)
}

type Reports interface {
	History(ctx context.Context, limit int) []alert.Event
	Modules(ctx context.Context) report.ModulesSnapshot
	Statistics(ctx context.Context) report.Stats
}

type Checker interface {
	RunOnce(ctx context.Context) []health.Result
	Targets() []health.Target
}

type Subscriptions interface {
	Subscriptions(ctx context.Context, enabledOnly bool) ([]alert.Subscription, error)
	AddSubscription(ctx context.Context, s alert.Subscription) (int64, error)
	DisableSubscriptions(ctx context.Context, chatID int64) (int, error)
}

// Acks handles alert control buttons.
type Acks interface {
	Handle(ctx context.Context, cb kit.Callback) (ack.Result, error)
}

// Settings is the read-only view shown by the settings panel.
type Settings struct {
	Cooldown       time.Duration
	MaxPerHour     int
	ProbeTimeout   time.Duration
	HealthSchedule string
	Storage        string
}

type Deps struct {
	Submitter     Submitter
	Reports       Reports
	Checker       Checker
	Subscriptions Subscriptions
	Acks          Acks
	Logger        logx.Logger
	Location      *time.Location
}

type Bot struct {
	deps      Deps
	log       logx.Logger
	loc       *time.Location
	startedAt time.Time
	now       func() time.Time

	mu       sync.RWMutex
	settings Settings
}

func New(deps Deps, settings Settings) *Bot {
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Bot{
		deps:      deps,
		log:       log,
		loc:       loc,
		startedAt: time.Now(),
		now:       time.Now,
		settings:  settings,
	}
}

// SetSettings replaces the settings view after a config reload.
func (b *Bot) SetSettings(s Settings) {
	b.mu.Lock()
	b.settings = s
	b.mu.Unlock()
}

func (b *Bot) currentSettings() Settings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings
}

func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "start",
			Aliases:     []string{"menu"},
			Description: "main menu",
			Usage:       "/start",
			Handle:      b.cmdStart,
		},
		{
			Name:        "status",
			Description: "monitored module status",
			Usage:       "/status",
			Handle:      b.cmdStatus,
		},
		{
			Name:        "stats",
			Description: "alert statistics",
			Usage:       "/stats",
			Handle:      b.cmdStats,
		},
		{
			Name:        "history",
			Aliases:     []string{"hist"},
			Description: "recent alerts",
			Usage:       "/history [count]",
			Access:      router.AccessOwnerOnly,
			Handle:      b.cmdHistory,
		},
		{
			Name:        "ping",
			Description: "check that the relay answers",
			Usage:       "/ping",
			Handle:      b.cmdPing,
		},
		{
			Name:        "test",
			Description: "send a test alert",
			Usage:       "/test",
			Handle:      b.cmdTest,
		},
		{
			Name:        "subscribe",
			Aliases:     []string{"sub"},
			Description: "receive alerts in this chat",
			Usage:       "/subscribe [types=a,b] [modules=x,y] [priorities=error,critical]",
			Access:      router.AccessOwnerOnly,
			Handle:      b.cmdSubscribe,
		},
		{
			Name:        "unsubscribe",
			Aliases:     []string{"unsub"},
			Description: "stop alerts in this chat",
			Usage:       "/unsubscribe",
			Access:      router.AccessOwnerOnly,
			Handle:      b.cmdUnsubscribe,
		},
		{
			Name:        "send",
			Description: "send an alert",
			Usage:       "/send type|priority|module|message",
			Access:      router.AccessOwnerOnly,
			Handle:      b.cmdSend,
		},
		{
			Name:        "check",
			Description: "probe monitored modules now",
			Usage:       "/check",
			Access:      router.AccessOwnerOnly,
			Timeout:     30 * time.Second,
			Handle:      b.cmdCheck,
		},
		{
			Name:        "admin",
			Description: "admin panel",
			Usage:       "/admin",
			Access:      router.AccessOwnerOnly,
			Handle:      b.cmdAdmin,
		},
	}
}

// Callbacks routes menu and admin panel buttons; everything else goes to
// the alert controls.
func (b *Bot) Callbacks() []router.CallbackRoute {
	routes := []router.CallbackRoute{
		{Prefix: menuPrefix, Handle: b.cbMenu},
		{Prefix: adminPrefix, Access: router.AccessOwnerOnly, Timeout: 30 * time.Second, Handle: b.cbAdmin},
	}
	if b.deps.Acks != nil {
		routes = append(routes, router.CallbackRoute{Handle: b.cbAck})
	}
	return routes
}

func (b *Bot) cbAck(ctx context.Context, req *router.Request) error {
	_, err := b.deps.Acks.Handle(ctx, *req.Callback)
	return err
}
