// Package health checks monitored modules over HTTP and records their state.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"alertrelay/internal/alert"
	"alertrelay/internal/eventbus"
	logx "alertrelay/pkg/logx"
)

const DefaultTimeout = 10 * time.Second

// StatusWriter persists probe outcomes.
type StatusWriter interface {
	UpsertModuleStatus(ctx context.Context, st alert.ModuleStatus) error
}

// Target is one monitored module.
type Target struct {
	Module   string
	Endpoint string
}

type Prober struct {
	client *http.Client

	mu      sync.RWMutex
	timeout time.Duration

	store StatusWriter
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Prober)

func WithClient(c *http.Client) Option      { return func(p *Prober) { p.client = c } }
func WithTimeout(d time.Duration) Option    { return func(p *Prober) { p.timeout = d } }
func WithBus(b eventbus.Bus) Option         { return func(p *Prober) { p.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(p *Prober) { p.log = l } }
func WithClock(now func() time.Time) Option { return func(p *Prober) { p.now = now } }

// NewProber returns a prober writing results to store. A nil store only
// returns results.
func NewProber(store StatusWriter, opts ...Option) *Prober {
	p := &Prober{
		client:  &http.Client{},
		timeout: DefaultTimeout,
		store:   store,
		bus:     eventbus.Nop(),
		log:     logx.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	return p
}

// SetTimeout changes the per-probe bound; non-positive values select
// DefaultTimeout.
func (p *Prober) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

func (p *Prober) Timeout() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timeout
}

// Probe issues one bounded GET against endpoint. Failures become module
// state; the returned error only reports that the result could not be
// stored.
func (p *Prober) Probe(ctx context.Context, module, endpoint string) (alert.ModuleStatus, error) {
	st := p.check(ctx, module, endpoint)

	log := p.log.With(logx.String("module", module), logx.String("state", string(st.State)))
	if st.State == alert.StateOnline {
		log.Debug("module probe ok", logx.Float64("latency_s", *st.Latency))
	} else {
		detail := ""
		if st.Detail != nil {
			detail = *st.Detail
		}
		log.Warn("module probe failed", logx.String("detail", detail))
	}

	p.bus.Publish(eventbus.Event{Type: eventbus.TypeModuleStatus, Time: st.LastCheckedAt, Data: eventbus.ModuleData{
		Module:  st.Module,
		State:   string(st.State),
		Latency: st.Latency,
	}})

	if p.store == nil {
		return st, nil
	}
	if err := p.store.UpsertModuleStatus(ctx, st); err != nil {
		return st, alert.WrapStorage("upsert module status", err)
	}
	return st, nil
}

func (p *Prober) check(ctx context.Context, module, endpoint string) alert.ModuleStatus {
	st := alert.ModuleStatus{Module: module, LastCheckedAt: p.now()}

	cctx, cancel := context.WithTimeout(ctx, p.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, endpoint, nil)
	if err != nil {
		st.State = alert.StateError
		st.Detail = strPtr(err.Error())
		return st
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		if isTimeout(cctx, err) {
			st.State = alert.StateTimeout
			st.Detail = strPtr("timeout")
			return st
		}
		st.State = alert.StateError
		st.Detail = strPtr(err.Error())
		return st
	}
	resp.Body.Close()

	st.Latency = &elapsed
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		st.State = alert.StateOnline
		return st
	}
	st.State = alert.StateError
	st.Detail = strPtr(fmt.Sprintf("HTTP %d", resp.StatusCode))
	return st
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func strPtr(s string) *string { return &s }

// Result pairs a target with its probe outcome.
type Result struct {
	Target Target
	Status alert.ModuleStatus
	Err    error
}
