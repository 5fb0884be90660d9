package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertrelay/internal/admission"
	"alertrelay/internal/alert"
	"alertrelay/internal/queue"
	"alertrelay/internal/report"
	logx "alertrelay/pkg/logx"
)

const secret = "s3cret"

type fakeSubmitter struct {
	mu       sync.Mutex
	got      []alert.Event
	decision admission.Decision
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, ev alert.Event) (admission.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev)
	return f.decision, f.err
}

type fakeReports struct{ lastLimit int }

func (f *fakeReports) History(_ context.Context, limit int) []alert.Event {
	f.lastLimit = limit
	return []alert.Event{{ID: "api_1_a", Kind: "error", Module: "api"}}
}
func (f *fakeReports) Modules(context.Context) report.ModulesSnapshot {
	return report.ModulesSnapshot{Modules: []alert.ModuleStatus{}, Total: 0}
}
func (f *fakeReports) Statistics(context.Context) report.Stats {
	return report.Stats{Total: 3, ByKind: map[string]int{"error": 3}}
}

func newTestHandler(sub *fakeSubmitter, rep *fakeReports) http.Handler {
	return NewHandler(HandlerConfig{
		Secret: secret,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "alertrelay_up 1\n")
		}),
	}, sub, rep, logx.Nop())
}

func post(t *testing.T, h http.Handler, path, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const validBody = `{"type":"error","message":"db down","priority":"ERROR","module":"database-server",
	"timestamp":"2025-03-01T12:00:00","data":{"zeta":"1","alpha":2,"nested":{"a":true},"none":null}}`

func TestSubmitAccepted(t *testing.T) {
	sub := &fakeSubmitter{decision: admission.Decision{Accepted: true, AlertID: "database-server_1_ab"}}
	h := newTestHandler(sub, &fakeReports{})

	rec := post(t, h, "/webhook/alerts", "Bearer "+secret, validBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SubmitResponse](t, rec)
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "database-server_1_ab", resp.AlertID)

	require.Len(t, sub.got, 1)
	ev := sub.got[0]
	assert.Equal(t, alert.PriorityError, ev.Priority)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), ev.CreatedAt)
	assert.Equal(t, alert.Attrs{
		{Key: "zeta", Value: "1"},
		{Key: "alpha", Value: "2"},
		{Key: "nested", Value: `{"a":true}`},
		{Key: "none", Value: ""},
	}, ev.Attributes)
}

func TestSubmitPathSecret(t *testing.T) {
	sub := &fakeSubmitter{decision: admission.Decision{Accepted: true, AlertID: "x"}}
	h := newTestHandler(sub, &fakeReports{})

	assert.Equal(t, http.StatusOK, post(t, h, "/webhook/"+secret, "", validBody).Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "/webhook/guess", "", validBody).Code)
	assert.Len(t, sub.got, 1)
}

func TestSubmitUnauthorized(t *testing.T) {
	sub := &fakeSubmitter{}
	h := newTestHandler(sub, &fakeReports{})

	for _, auth := range []string{"", "Bearer wrong", secret, "Basic " + secret} {
		rec := post(t, h, "/webhook/alerts", auth, validBody)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, auth)
	}
	assert.Empty(t, sub.got)
}

func TestEmptySecretRejectsEverything(t *testing.T) {
	h := NewHandler(HandlerConfig{}, &fakeSubmitter{}, &fakeReports{}, logx.Nop())
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "/webhook/alerts", "Bearer ", validBody).Code)
}

func TestSubmitBadRequests(t *testing.T) {
	sub := &fakeSubmitter{}
	h := newTestHandler(sub, &fakeReports{})

	cases := map[string]string{
		"not json":        `{"type":`,
		"no module":       `{"type":"error","message":"x"}`,
		"blank message":   `{"type":"error","message":"   ","module":"api"}`,
		"bad priority":    `{"type":"error","message":"x","module":"api","priority":"urgent"}`,
		"bad timestamp":   `{"type":"error","message":"x","module":"api","timestamp":"yesterday"}`,
		"data not map":    `{"type":"error","message":"x","module":"api","data":[1,2]}`,
		"type too long":   fmt.Sprintf(`{"type":%q,"message":"x","module":"api"}`, strings.Repeat("t", 65)),
		"module too long": fmt.Sprintf(`{"type":"error","message":"x","module":%q}`, strings.Repeat("m", 32)),
		"module too wide": fmt.Sprintf(`{"type":"error","message":"x","module":%q}`, strings.Repeat("é", 20)),
	}
	for name, body := range cases {
		rec := post(t, h, "/webhook/alerts", "Bearer "+secret, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.NotEmpty(t, decode[errorResponse](t, rec).Error, name)
	}
	assert.Empty(t, sub.got)
}

func TestSubmitRejectionIsOK(t *testing.T) {
	sub := &fakeSubmitter{decision: admission.Decision{Reason: alert.ReasonCooldown, RetryAfter: 49500 * time.Millisecond}}
	h := newTestHandler(sub, &fakeReports{})

	rec := post(t, h, "/webhook/alerts", "Bearer "+secret, validBody)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SubmitResponse](t, rec)
	assert.Equal(t, "rejected", resp.Status)
	assert.Equal(t, "cooldown_active", resp.Reason)
	assert.Equal(t, 50, resp.RetryAfterSeconds)
}

func TestSubmitFailures(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{alert.WrapStorage("save alert", errors.New("disk full")), http.StatusInternalServerError},
		{queue.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: type is required", alert.ErrInvalidEvent), http.StatusBadRequest},
	}
	for _, c := range cases {
		h := newTestHandler(&fakeSubmitter{err: c.err}, &fakeReports{})
		rec := post(t, h, "/webhook/alerts", "Bearer "+secret, validBody)
		assert.Equal(t, c.code, rec.Code, c.err.Error())
	}
}

func get(h http.Handler, path string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminQueries(t *testing.T) {
	rep := &fakeReports{}
	h := newTestHandler(&fakeSubmitter{}, rep)

	rec := get(h, "/api/history?limit=5", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, rep.lastLimit)
	hist := decode[[]map[string]any](t, rec)
	require.Len(t, hist, 1)
	assert.Equal(t, "api_1_a", hist[0]["id"])

	assert.Equal(t, http.StatusBadRequest, get(h, "/api/history?limit=abc", true).Code)

	rec = get(h, "/api/stats", true)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	assert.EqualValues(t, 3, stats["total_alerts"])

	rec = get(h, "/api/modules", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"modules":[]`)

	assert.Equal(t, http.StatusUnauthorized, get(h, "/api/stats", false).Code)
}

func TestOpenRoutes(t *testing.T) {
	h := newTestHandler(&fakeSubmitter{}, &fakeReports{})

	rec := get(h, "/healthz", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(h, "/metrics", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alertrelay_up 1")

	assert.Equal(t, http.StatusNotFound, get(h, "/nope", false).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, get(h, "/webhook/alerts", true).Code)
}

type panicSubmitter struct{}

func (panicSubmitter) Submit(context.Context, alert.Event) (admission.Decision, error) {
	panic("boom")
}

func TestRecoverMiddleware(t *testing.T) {
	h := NewHandler(HandlerConfig{Secret: secret}, panicSubmitter{}, &fakeReports{}, logx.Nop())
	rec := post(t, h, "/webhook/alerts", "Bearer "+secret, validBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerStartStop(t *testing.T) {
	h := newTestHandler(&fakeSubmitter{}, &fakeReports{})
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, h, logx.Nop())
	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Stop(ctx)
	assert.Equal(t, "", srv.Addr())
	srv.Stop(ctx)
}

func TestServerStartBadAddr(t *testing.T) {
	srv := NewServer(ServerConfig{}, http.NotFoundHandler(), logx.Nop())
	assert.Error(t, srv.Start(context.Background()))
}
