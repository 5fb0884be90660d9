package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "alertrelay/pkg/logx"
)

const DefaultSchedule = "@every 5m"

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Runner probes every target on a cron schedule.
type Runner struct {
	prober *Prober
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	targets []Target
	spec    string
	running bool
	ctx     context.Context
}

func NewRunner(p *Prober, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		prober: p,
		log:    log,
		parser: scheduleParser,
		spec:   DefaultSchedule,
	}
}

// NormalizeSchedule accepts a cron expression, a descriptor such as
// "@hourly", or a bare duration ("90s" becomes "@every 90s").
func NormalizeSchedule(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultSchedule
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return "@every " + d.String()
	}
	return s
}

// ValidateSchedule reports whether raw, after NormalizeSchedule, parses.
func ValidateSchedule(raw string) error {
	spec := NormalizeSchedule(raw)
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("health schedule %q: %w", spec, err)
	}
	return nil
}

// Configure replaces the schedule and target set. A running runner is
// restarted with the new values.
func (r *Runner) Configure(spec string, targets []Target) error {
	spec = NormalizeSchedule(spec)
	if _, err := r.parser.Parse(spec); err != nil {
		return fmt.Errorf("health schedule %q: %w", spec, err)
	}
	r.mu.Lock()
	r.spec = spec
	r.targets = append([]Target(nil), targets...)
	running := r.running
	ctx := r.ctx
	r.mu.Unlock()

	if running {
		r.Stop()
		return r.Start(ctx)
	}
	return nil
}

// Start schedules probing. The first round runs on the first tick.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	c := cron.New(cron.WithParser(r.parser))
	if _, err := c.AddFunc(r.spec, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("health schedule %q: %w", r.spec, err)
	}
	c.Start()
	r.c = c
	r.ctx = ctx
	r.running = true
	r.log.Info("health runner started", logx.String("schedule", r.spec), logx.Int("targets", len(r.targets)))
	return nil
}

// Stop halts scheduling and waits for a round in progress.
func (r *Runner) Stop() {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.running = false
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (r *Runner) Targets() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Target(nil), r.targets...)
}

// RunOnce probes every target concurrently and returns results in target order.
func (r *Runner) RunOnce(ctx context.Context) []Result {
	targets := r.Targets()
	out := make([]Result, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			st, err := r.prober.Probe(ctx, t.Module, t.Endpoint)
			if err != nil {
				r.log.Warn("store module status failed", logx.String("module", t.Module), logx.Err(err))
			}
			out[i] = Result{Target: t, Status: st, Err: err}
		}(i, t)
	}
	wg.Wait()
	return out
}
