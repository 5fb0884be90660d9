package app

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"alertrelay/internal/ack"
	"alertrelay/internal/admission"
	"alertrelay/internal/alert"
	"alertrelay/internal/bot"
	"alertrelay/internal/config"
	"alertrelay/internal/dispatch"
	"alertrelay/internal/eventbus"
	"alertrelay/internal/health"
	"alertrelay/internal/httpapi"
	"alertrelay/internal/metrics"
	"alertrelay/internal/observability/pprof"
	"alertrelay/internal/queue"
	"alertrelay/internal/render"
	"alertrelay/internal/report"
	"alertrelay/internal/storage"
	kit "alertrelay/internal/transport"
	telegram "alertrelay/internal/transport/telegram/adapter"
	"alertrelay/internal/transport/telegram/router"
	logx "alertrelay/pkg/logx"
	"alertrelay/pkg/tgui"
)

type Config = config.Config

type Option func(*options)

type options struct {
	adapter kit.Adapter
	lookup  config.LookupFunc
}

// WithAdapter replaces the Telegram adapter (tests, dry runs).
func WithAdapter(a kit.Adapter) Option { return func(o *options) { o.adapter = a } }

// WithEnvLookup replaces os.LookupEnv for config overrides.
func WithEnvLookup(fn config.LookupFunc) Option { return func(o *options) { o.lookup = fn } }

// NewApp loads the config and builds every component. Nothing runs until
// Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	if o.lookup != nil {
		cfgm.SetEnvLookup(o.lookup)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return nil, errors.New("telegram token is required (telegram.token or BOT_TOKEN)")
		}
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		tg, err := telegram.New(tc, bootLog)
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	// logx.New applies the config at once; enable the Telegram sink only
	// after its target is set so Apply does not warn about a missing chat.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	setLogTarget(logSvc, cfg)
	logSvc.Apply(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		queue:   queue.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg, log); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *Config, log logx.Logger) error {
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	var window admission.RateWindow
	if rc := cfg.Redis; rc != nil {
		a.redis = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		window = admission.NewRedisWindow(a.redis, rc.Prefix, time.Hour)
		a.log.Info("rate window in redis", logx.String("addr", rc.Addr))
	} else {
		a.window = admission.NewMemoryWindow(time.Hour, cfg.Admission.WindowMaxKeys)
		window = a.window
	}
	admCfg, err := mapAdmissionConfig(cfg)
	if err != nil {
		return err
	}
	a.admit = admission.New(admCfg, a.store, a.queue, window,
		admission.WithBus(a.bus),
		admission.WithLogger(comp("admission")),
	)
	a.reports = report.New(a.store, comp("report"))

	ttl, err := mapAckConfig(cfg)
	if err != nil {
		return err
	}
	keyboards := ack.Keyboards{Tokens: tgui.NewTokenStore(ttl, tokenStoreMax)}
	renderer := render.New(nil)

	ackOpts := []ack.Option{ack.WithBus(a.bus), ack.WithLogger(comp("ack"))}
	if cfg.Ack.Redeliver {
		a.redeliver = ack.NewTimerRedeliverer(a.queue, comp("redeliver"))
		ackOpts = append(ackOpts, ack.WithRedeliverer(a.redeliver))
	}
	a.acks = ack.NewHandler(a.store, a.adapter, renderer, keyboards, ackOpts...)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.disp = dispatch.New(dcfg, a.queue, a.store, a.adapter, renderer, keyboards,
		dispatch.WithBus(a.bus),
		dispatch.WithLogger(comp("dispatch")),
	)

	plan, err := mapHealthConfig(cfg, admCfg.DefaultCooldown)
	if err != nil {
		return err
	}
	a.prober = health.NewProber(a.store,
		health.WithTimeout(plan.Timeout),
		health.WithBus(a.bus),
		health.WithLogger(comp("health")),
	)
	a.runner = health.NewRunner(a.prober, comp("health"))
	if err := a.runner.Configure(plan.Schedule, plan.Targets); err != nil {
		return err
	}

	a.metrics, err = metrics.New(comp("metrics"), a.queue.Len)
	if err != nil {
		return err
	}

	if cfg.HTTP.Addr != "" {
		scfg, err := mapServerConfig(cfg)
		if err != nil {
			return err
		}
		hc := httpapi.HandlerConfig{Secret: cfg.HTTP.WebhookSecret}
		if cfg.HTTP.Metrics {
			hc.Metrics = a.metrics.Handler()
		}
		a.http = httpapi.NewServer(scfg, httpapi.NewHandler(hc, a.admit, a.reports, comp("http")), comp("http"))
	}

	a.pprof = pprof.New(mapPprofConfig(cfg), comp("pprof"))

	a.bot = bot.New(bot.Deps{
		Submitter:     a.admit,
		Reports:       a.reports,
		Checker:       a.runner,
		Subscriptions: a.store,
		Acks:          a.acks,
		Logger:        comp("bot"),
	}, botSettings(cfg))
	a.cmdm = router.NewCommandManager(comp("commands"), a.adapter, cfg.Telegram.OwnerUserIDs)
	return nil
}

// seed applies per-module cooldowns and the default alert chat
// subscription. It is idempotent and reruns on config reload.
func (a *App) seed(ctx context.Context, cfg *Config) error {
	adm, err := mapAdmissionConfig(cfg)
	if err != nil {
		return err
	}
	plan, err := mapHealthConfig(cfg, adm.DefaultCooldown)
	if err != nil {
		return err
	}
	for module, cd := range plan.Cooldowns {
		if err := a.store.SetCooldownPeriod(ctx, module, cd); err != nil {
			return alert.WrapStorage("seed cooldown", err)
		}
	}

	chat := cfg.Telegram.AlertChatID
	if chat == 0 {
		return nil
	}
	subs, err := a.store.Subscriptions(ctx, true)
	if err != nil {
		return alert.WrapStorage("list subscriptions", err)
	}
	for _, s := range subs {
		if s.ChatID == chat {
			return nil
		}
	}
	id, err := a.store.AddSubscription(ctx, alert.Subscription{ChatID: chat, Enabled: true})
	if err != nil {
		return alert.WrapStorage("seed subscription", err)
	}
	a.log.Info("default subscription created", logx.Int64("chat_id", chat), logx.Int64("subscription_id", id))
	return nil
}

func setLogTarget(logs *logx.Service, cfg *Config) {
	group := strings.TrimSpace(cfg.Telegram.GroupLog)
	if group == "" {
		// allow clearing target via config hot-reload
		logs.SetTelegramTarget(0, 0)
		return
	}
	if chatID, err := strconv.ParseInt(group, 10, 64); err == nil {
		logs.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
}
