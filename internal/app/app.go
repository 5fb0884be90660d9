package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"alertrelay/internal/ack"
	"alertrelay/internal/admission"
	"alertrelay/internal/bot"
	"alertrelay/internal/config"
	"alertrelay/internal/dispatch"
	"alertrelay/internal/eventbus"
	"alertrelay/internal/health"
	"alertrelay/internal/httpapi"
	"alertrelay/internal/metrics"
	"alertrelay/internal/observability/pprof"
	"alertrelay/internal/queue"
	"alertrelay/internal/report"
	rtsup "alertrelay/internal/runtime/supervisor"
	"alertrelay/internal/storage"
	kit "alertrelay/internal/transport"
	"alertrelay/internal/transport/telegram/router"
	logx "alertrelay/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	// dispSup outlives sup so the queue can drain after intake stops.
	dispSup *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	redis *redis.Client

	adapter kit.Adapter

	queue     *queue.Queue
	window    *admission.MemoryWindow
	admit     *admission.Controller
	reports   *report.Service
	acks      *ack.Handler
	redeliver *ack.TimerRedeliverer
	disp      *dispatch.Dispatcher
	prober    *health.Prober
	runner    *health.Runner
	metrics   *metrics.Collector
	http      *httpapi.Server
	pprof     *pprof.Service

	cmdm *router.CommandManager
	bot  *bot.Bot

	updates chan kit.Update
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr is the bound webhook address, or "" when the listener is off.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.dispSup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(a.log))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateMapped(cfg)
	})

	cfg := a.cfgm.Get()
	if err := a.seed(ctx, cfg); err != nil {
		return err
	}

	limit := cfg.Dispatcher.RecoverLimit
	if limit <= 0 {
		limit = defaultRecoverLimit
	}
	if n, err := queue.Recover(ctx, a.store, a.queue, limit, a.log); err != nil {
		a.log.Warn("pending alert recovery failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("pending alerts re-queued", logx.Int("count", n))
	}

	a.dispSup.GoRestart("dispatch", a.disp.Run,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(true),
	)

	if a.window != nil {
		interval, err := parseDurationOrDefault("admission.sweep_interval", cfg.Admission.SweepInterval, defaultSweepInterval)
		if err != nil {
			return err
		}
		a.sup.Go0("ratewindow.sweep", func(c context.Context) { a.window.Run(c, interval) })
	}
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	if err := a.runner.Start(a.sup.Context()); err != nil {
		return err
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.cmdm.SetRegistry(a.bot.Commands(), a.bot.Callbacks())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if a.http != nil {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	// pprof is optional; a refused bind never stops the relay.
	if err := a.pprof.Start(a.sup.Context()); err != nil {
		a.log.Error("pprof not started", logx.Err(err))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("health_targets", len(a.runner.Targets())),
		logx.String("http_addr", a.HTTPAddr()),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, old, cfg *Config) {
	sections, attrs, restart := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 && len(restart) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	// update log target first (so Apply() doesn't warn when Telegram logging is enabled)
	setLogTarget(a.logs, cfg)
	a.logs.Apply(mapLogConfig(cfg))

	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)

	if adm, err := mapAdmissionConfig(cfg); err != nil {
		a.log.Warn("invalid admission config; keeping previous", logx.Err(err))
	} else {
		a.admit.SetConfig(adm)
	}

	if plan, err := mapHealthConfig(cfg, a.admitCooldown(cfg)); err != nil {
		a.log.Warn("invalid health config; keeping previous", logx.Err(err))
	} else {
		a.prober.SetTimeout(plan.Timeout)
		if err := a.runner.Configure(plan.Schedule, plan.Targets); err != nil {
			a.log.Warn("health schedule rejected; keeping previous", logx.Err(err))
		}
	}
	if err := a.seed(ctx, cfg); err != nil {
		a.log.Warn("config seed failed", logx.Err(err))
	}

	a.bot.SetSettings(botSettings(cfg))

	if err := a.pprof.Reconfigure(a.sup.Context(), mapPprofConfig(cfg)); err != nil {
		a.log.Warn("pprof reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) admitCooldown(cfg *Config) time.Duration {
	adm, err := mapAdmissionConfig(cfg)
	switch {
	case err != nil || adm.DefaultCooldown == 0:
		return admission.DefaultCooldown
	case adm.DefaultCooldown < 0:
		return 0
	}
	return adm.DefaultCooldown
}

// Stop shuts intake down first, then lets the dispatcher drain the queue
// within the caller's deadline.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first: webhook and Telegram polling.
	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })

	a.sup.Cancel()
	step("redeliver", time.Second, func(context.Context) error {
		if a.redeliver != nil {
			if n := a.redeliver.Pending(); n > 0 {
				a.log.Info("delayed redeliveries dropped", logx.Int("count", n))
			}
			a.redeliver.Stop()
		}
		return nil
	})

	a.queue.Close()
	step("dispatch.drain", 5*time.Second, func(c context.Context) error {
		err := a.dispSup.Wait(c)
		if err != nil {
			a.log.Warn("queue not drained; remaining alerts stay pending", logx.Int("queued", a.queue.Len()))
			a.dispSup.Cancel()
			// Let the item in flight finish before the store closes.
			wctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if werr := a.dispSup.Wait(wctx); werr != nil {
				a.log.Warn("dispatcher still busy after cancel", logx.Err(werr))
			}
		}
		return err
	})
	step("health", time.Second, func(context.Context) error { a.runner.Stop(); return nil })

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("redis", time.Second, func(context.Context) error {
		if a.redis != nil {
			return a.redis.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		return a.logs.Close()
	}
	return nil
}
