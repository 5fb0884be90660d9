// Package metrics exposes relay activity as Prometheus metrics. Counters are
// fed from the event bus, so the pipeline itself never imports this package.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"alertrelay/internal/alert"
	"alertrelay/internal/eventbus"
	logx "alertrelay/pkg/logx"
)

const namespace = "alertrelay"

type Collector struct {
	registry *prometheus.Registry
	log      logx.Logger

	admitted      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	failed        *prometheus.CounterVec
	undeliverable prometheus.Counter
	acked         *prometheus.CounterVec
	sendSeconds   prometheus.Histogram
	moduleUp      *prometheus.GaugeVec
	moduleLatency *prometheus.GaugeVec
}

// New registers the relay metrics plus Go runtime and process collectors
// on a private registry. queueDepth may be nil.
func New(log logx.Logger, queueDepth func() int) (*Collector, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		log:      log,
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_admitted_total",
			Help: "Alerts accepted by admission control.",
		}, []string{"module", "priority"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_rejected_total",
			Help: "Alerts turned away by admission control, by reason.",
		}, []string{"reason"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Messages sent to a recipient.",
		}, []string{"module"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_failures_total",
			Help: "Sends to a recipient that failed.",
		}, []string{"module"}),
		undeliverable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_undeliverable_total",
			Help: "Alerts dispatched with no matching subscription.",
		}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "acknowledgments_total",
			Help: "Acknowledgment transitions, by resulting state.",
		}, []string{"state"}),
		sendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "send_duration_seconds",
			Help:    "Latency of one successful send.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		moduleUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "module_up",
			Help: "1 when the last probe found the module online.",
		}, []string{"module"}),
		moduleLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "module_probe_latency_seconds",
			Help: "Latency of the last probe that got a response.",
		}, []string{"module"}),
	}

	cs := []prometheus.Collector{
		c.admitted, c.rejected, c.delivered, c.failed, c.undeliverable,
		c.acked, c.sendSeconds, c.moduleUp, c.moduleLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	if queueDepth != nil {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Alerts waiting for the dispatcher.",
		}, func() float64 { return float64(queueDepth()) }))
	}
	for _, col := range cs {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Run consumes bus events until ctx ends or the subscription closes.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe applies one bus event.
func (c *Collector) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case eventbus.AlertData:
		module := sanitizeLabel(d.Module)
		switch ev.Type {
		case eventbus.TypeAlertAdmitted:
			c.admitted.WithLabelValues(module, sanitizeLabel(d.Priority)).Inc()
		case eventbus.TypeAlertRejected:
			c.rejected.WithLabelValues(sanitizeLabel(d.Reason)).Inc()
		case eventbus.TypeAlertDelivered:
			c.delivered.WithLabelValues(module).Inc()
			c.sendSeconds.Observe(d.Took.Seconds())
		case eventbus.TypeAlertDeliveryFailed:
			c.failed.WithLabelValues(module).Inc()
		case eventbus.TypeAlertUndeliverable:
			c.undeliverable.Inc()
		case eventbus.TypeAlertAcknowledged:
			c.acked.WithLabelValues(sanitizeLabel(d.Reason)).Inc()
		}
	case eventbus.ModuleData:
		if ev.Type != eventbus.TypeModuleStatus {
			return
		}
		module := sanitizeLabel(d.Module)
		up := 0.0
		if d.State == string(alert.StateOnline) {
			up = 1
		}
		c.moduleUp.WithLabelValues(module).Set(up)
		if d.Latency != nil {
			c.moduleLatency.WithLabelValues(module).Set(*d.Latency)
		}
	default:
		c.log.Debug("unhandled bus event", logx.String("type", ev.Type))
	}
}

const maxLabelLength = 128

// sanitizeLabel drops control characters and caps length so a hostile
// module name cannot break the exposition format.
func sanitizeLabel(v string) string {
	clean := strings.Map(func(r rune) rune {
		if r < 0x20 {
			return '_'
		}
		return r
	}, v)
	if r := []rune(clean); len(r) > maxLabelLength {
		return string(r[:maxLabelLength])
	}
	return clean
}
