package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertrelay/internal/eventbus"
	logx "alertrelay/pkg/logx"
)

func TestObserve(t *testing.T) {
	c, err := New(logx.Nop(), func() int { return 3 })
	require.NoError(t, err)

	c.Observe(eventbus.Event{Type: eventbus.TypeAlertAdmitted, Data: eventbus.AlertData{Module: "api", Priority: "error"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeAlertAdmitted, Data: eventbus.AlertData{Module: "api", Priority: "error"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeAlertRejected, Data: eventbus.AlertData{Reason: "cooldown_active"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeAlertDelivered, Data: eventbus.AlertData{Module: "api", Took: 120 * time.Millisecond}})
	c.Observe(eventbus.Event{Type: eventbus.TypeAlertDeliveryFailed, Data: eventbus.AlertData{Module: "api"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeAlertUndeliverable, Data: eventbus.AlertData{Module: "x"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeAlertAcknowledged, Data: eventbus.AlertData{Reason: "muted"}})
	lat := 0.25
	c.Observe(eventbus.Event{Type: eventbus.TypeModuleStatus, Data: eventbus.ModuleData{Module: "api", State: "online", Latency: &lat}})
	c.Observe(eventbus.Event{Type: eventbus.TypeModuleStatus, Data: eventbus.ModuleData{Module: "db", State: "timeout"}})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.admitted.WithLabelValues("api", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejected.WithLabelValues("cooldown_active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.delivered.WithLabelValues("api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failed.WithLabelValues("api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.undeliverable))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.acked.WithLabelValues("muted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.moduleUp.WithLabelValues("api")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.moduleUp.WithLabelValues("db")))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.moduleLatency.WithLabelValues("api")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.sendSeconds))
}

func TestRunConsumesBus(t *testing.T) {
	c, err := New(logx.Nop(), nil)
	require.NoError(t, err)
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeAlertUndeliverable, Data: eventbus.AlertData{}})
		return testutil.ToFloat64(c.undeliverable) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestHandlerExposesQueueDepth(t *testing.T) {
	c, err := New(logx.Nop(), func() int { return 7 })
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "alertrelay_queue_depth 7")
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "a_b", sanitizeLabel("a\nb"))
	assert.Len(t, []rune(sanitizeLabel(strings.Repeat("é", 200))), maxLabelLength)
}
