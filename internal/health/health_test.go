package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertrelay/internal/alert"
	"alertrelay/internal/storage"
	logx "alertrelay/pkg/logx"
)

func server(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeOnline(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	st := storage.NewMemory()

	got, err := NewProber(st).Probe(context.Background(), "api", srv.URL+"/health")
	require.NoError(t, err)
	assert.Equal(t, alert.StateOnline, got.State)
	require.NotNil(t, got.Latency)
	assert.GreaterOrEqual(t, *got.Latency, 0.0)
	assert.Nil(t, got.Detail)

	all, err := st.ModuleStatuses(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, alert.StateOnline, all[0].State)
}

func TestProbeHTTPError(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) })

	got, err := NewProber(nil).Probe(context.Background(), "api", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, alert.StateError, got.State)
	require.NotNil(t, got.Latency)
	require.NotNil(t, got.Detail)
	assert.Equal(t, "HTTP 503", *got.Detail)
}

func TestProbeTimeout(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	got, err := NewProber(nil, WithTimeout(50*time.Millisecond)).Probe(context.Background(), "slow", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, alert.StateTimeout, got.State)
	assert.Nil(t, got.Latency)
	require.NotNil(t, got.Detail)
	assert.Equal(t, "timeout", *got.Detail)
}

func TestProbeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	got, err := NewProber(nil).Probe(context.Background(), "gone", url)
	require.NoError(t, err)
	assert.Equal(t, alert.StateError, got.State)
	assert.Nil(t, got.Latency)
	require.NotNil(t, got.Detail)
	assert.NotEmpty(t, *got.Detail)
}

func TestProbeOverwritesStatus(t *testing.T) {
	var failing atomic.Bool
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	st := storage.NewMemory()
	p := NewProber(st)

	_, err := p.Probe(context.Background(), "api", srv.URL)
	require.NoError(t, err)
	failing.Store(true)
	_, err = p.Probe(context.Background(), "api", srv.URL)
	require.NoError(t, err)

	all, _ := st.ModuleStatuses(context.Background())
	require.Len(t, all, 1)
	assert.Equal(t, alert.StateError, all[0].State)
}

func TestRunnerRunOnce(t *testing.T) {
	up := server(t, func(w http.ResponseWriter, r *http.Request) {})
	down := server(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })

	r := NewRunner(NewProber(storage.NewMemory()), nopLog())
	require.NoError(t, r.Configure("1m", []Target{{Module: "a", Endpoint: up.URL}, {Module: "b", Endpoint: down.URL}}))

	res := r.RunOnce(context.Background())
	require.Len(t, res, 2)
	assert.Equal(t, alert.StateOnline, res[0].Status.State)
	assert.Equal(t, alert.StateError, res[1].Status.State)
}

func TestRunnerStartStop(t *testing.T) {
	r := NewRunner(NewProber(nil), nopLog())
	require.NoError(t, r.Configure("@every 1h", nil))
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Configure("@every 2h", nil))
	r.Stop()
	r.Stop()
}

func TestNormalizeSchedule(t *testing.T) {
	assert.Equal(t, DefaultSchedule, NormalizeSchedule(""))
	assert.Equal(t, "@every 1m30s", NormalizeSchedule("90s"))
	assert.Equal(t, "*/5 * * * *", NormalizeSchedule("*/5 * * * *"))
	assert.Equal(t, "@hourly", NormalizeSchedule("@hourly"))

	r := NewRunner(NewProber(nil), nopLog())
	assert.Error(t, r.Configure("not a schedule", nil))

	assert.NoError(t, ValidateSchedule("0 */10 * * * *"))
	assert.Error(t, ValidateSchedule("every five minutes"))
}

func nopLog() logx.Logger { return logx.Nop() }

func TestProberSetTimeout(t *testing.T) {
	p := NewProber(nil, WithTimeout(time.Second))
	assert.Equal(t, time.Second, p.Timeout())
	p.SetTimeout(3 * time.Second)
	assert.Equal(t, 3*time.Second, p.Timeout())
	p.SetTimeout(0)
	assert.Equal(t, DefaultTimeout, p.Timeout())
}
