package report

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertrelay/internal/alert"
	"alertrelay/internal/storage"
	logx "alertrelay/pkg/logx"
)

type brokenReader struct{}

func (brokenReader) History(context.Context, int) ([]alert.Event, error) {
	return nil, errors.New("no such table: alerts")
}
func (brokenReader) ModuleStatuses(context.Context) ([]alert.ModuleStatus, error) {
	return nil, errors.New("no such table: module_status")
}
func (brokenReader) CountAlerts(context.Context, time.Time) (int, error) {
	return 0, errors.New("no such table: alerts")
}

func seed(t *testing.T, now time.Time) *storage.Memory {
	t.Helper()
	st := storage.NewMemory()
	add := func(id, kind, module string, p alert.Priority, age time.Duration) {
		require.NoError(t, st.SaveAlert(context.Background(), alert.Event{
			ID: id, Kind: kind, Module: module, Priority: p, Message: "m", CreatedAt: now.Add(-age),
		}))
	}
	add("1", "error", "api", alert.PriorityError, 3*time.Hour)
	add("2", "error", "db", alert.PriorityCritical, 2*time.Hour)
	add("3", "warning", "api", alert.PriorityWarning, 30*time.Minute)
	add("4", "error", "api", alert.PriorityError, time.Minute)
	return st
}

func TestStatistics(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(seed(t, now), logx.Nop())
	s.now = func() time.Time { return now }

	st := s.Statistics(context.Background())
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Recent)
	assert.Equal(t, map[string]int{"error": 3, "warning": 1}, st.ByKind)
	assert.Equal(t, map[string]int{"api": 3, "db": 1}, st.ByModule)
	assert.Equal(t, map[string]int{"error": 2, "critical": 1, "warning": 1}, st.ByPriority)

	assert.Equal(t, []Count{{"api", 3}, {"db", 1}}, Sorted(st.ByModule))
}

func TestStatisticsTotalBeyondSample(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st := storage.NewMemory()
	ctx := context.Background()
	for i := 0; i < StatsSample+5; i++ {
		require.NoError(t, st.SaveAlert(ctx, alert.Event{
			ID: fmt.Sprintf("api_%d", i), Kind: "error", Module: "api", Priority: alert.PriorityError,
			Message: "m", CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		}))
	}
	s := New(st, logx.Nop())
	s.now = func() time.Time { return now }

	stats := s.Statistics(ctx)
	assert.Equal(t, StatsSample+5, stats.Total)
	assert.Equal(t, 61, stats.Recent)
	assert.Equal(t, StatsSample, stats.ByModule["api"])
}

func TestHistoryNewestFirstAndBounded(t *testing.T) {
	now := time.Now()
	s := New(seed(t, now), logx.Nop())

	h := s.History(context.Background(), 2)
	require.Len(t, h, 2)
	assert.Equal(t, "4", h[0].ID)
	assert.Equal(t, "3", h[1].ID)

	assert.Len(t, s.History(context.Background(), 0), 4)
}

func TestModules(t *testing.T) {
	st := storage.NewMemory()
	now := time.Now()
	lat := 0.2
	require.NoError(t, st.UpsertModuleStatus(context.Background(), alert.ModuleStatus{Module: "a", State: alert.StateOnline, LastCheckedAt: now.Add(-time.Minute), Latency: &lat}))
	require.NoError(t, st.UpsertModuleStatus(context.Background(), alert.ModuleStatus{Module: "b", State: alert.StateTimeout, LastCheckedAt: now}))

	snap := New(st, logx.Nop()).Modules(context.Background())
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 1, snap.Online)
	assert.Equal(t, "b", snap.Modules[0].Module)
}

func TestQueriesDegradeToEmpty(t *testing.T) {
	s := New(brokenReader{}, logx.Nop())
	ctx := context.Background()

	h := s.History(ctx, 10)
	assert.NotNil(t, h)
	assert.Empty(t, h)

	snap := s.Modules(ctx)
	assert.NotNil(t, snap.Modules)
	assert.Zero(t, snap.Total)

	st := s.Statistics(ctx)
	assert.Zero(t, st.Total)
	assert.NotNil(t, st.ByKind)
}
