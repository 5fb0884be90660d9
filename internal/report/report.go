// Package report answers read-only admin queries over the event store.
// Queries never fail: on a store error they log and return empty results.
package report

import (
	"context"
	"sort"
	"time"

	"alertrelay/internal/alert"
	"alertrelay/internal/storage"
	logx "alertrelay/pkg/logx"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 1000
	// StatsSample is how many recent alerts the breakdowns are computed over.
	StatsSample  = 1000
	RecentWindow = time.Hour
)

type Reader interface {
	History(ctx context.Context, limit int) ([]alert.Event, error)
	ModuleStatuses(ctx context.Context) ([]alert.ModuleStatus, error)
	CountAlerts(ctx context.Context, since time.Time) (int, error)
}

var _ Reader = (storage.Store)(nil)

type Service struct {
	store Reader
	log   logx.Logger
	now   func() time.Time
}

func New(store Reader, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log, now: time.Now}
}

// History returns up to limit alerts, newest first.
func (s *Service) History(ctx context.Context, limit int) []alert.Event {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)
	out, err := s.store.History(ctx, limit)
	if err != nil {
		s.log.Error("history query failed", logx.Err(err))
		return []alert.Event{}
	}
	if out == nil {
		out = []alert.Event{}
	}
	return out
}

type ModulesSnapshot struct {
	Modules     []alert.ModuleStatus `json:"modules"`
	Total       int                  `json:"total_modules"`
	Online      int                  `json:"modules_online"`
	GeneratedAt time.Time            `json:"last_update"`
}

// Modules returns the latest status per module, most recently checked first.
func (s *Service) Modules(ctx context.Context) ModulesSnapshot {
	snap := ModulesSnapshot{Modules: []alert.ModuleStatus{}, GeneratedAt: s.now()}
	all, err := s.store.ModuleStatuses(ctx)
	if err != nil {
		s.log.Error("module status query failed", logx.Err(err))
		return snap
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].LastCheckedAt.After(all[j].LastCheckedAt) })
	for _, m := range all {
		if m.State == alert.StateOnline {
			snap.Online++
		}
	}
	if all != nil {
		snap.Modules = all
	}
	snap.Total = len(snap.Modules)
	return snap
}

type Stats struct {
	Total      int            `json:"total_alerts"`
	Recent     int            `json:"recent_alerts"`
	ByKind     map[string]int `json:"by_type"`
	ByModule   map[string]int `json:"by_module"`
	ByPriority map[string]int `json:"by_priority"`
}

func emptyStats() Stats {
	return Stats{ByKind: map[string]int{}, ByModule: map[string]int{}, ByPriority: map[string]int{}}
}

// Statistics counts every stored alert and those inside RecentWindow; the
// breakdowns cover the last StatsSample alerts.
func (s *Service) Statistics(ctx context.Context) Stats {
	st := emptyStats()
	hist, err := s.store.History(ctx, StatsSample)
	if err != nil {
		s.log.Error("statistics query failed", logx.Err(err))
		return st
	}
	cutoff := s.now().Add(-RecentWindow)
	for _, e := range hist {
		if e.CreatedAt.After(cutoff) {
			st.Recent++
		}
		st.ByKind[e.Kind]++
		st.ByModule[e.Module]++
		st.ByPriority[string(e.Priority)]++
	}
	st.Total = len(hist)

	// Exact counts when the store answers; the sample otherwise.
	if n, err := s.store.CountAlerts(ctx, time.Time{}); err != nil {
		s.log.Warn("alert count failed; using sample", logx.Err(err))
	} else {
		st.Total = n
	}
	if n, err := s.store.CountAlerts(ctx, cutoff); err != nil {
		s.log.Warn("recent alert count failed; using sample", logx.Err(err))
	} else {
		st.Recent = n
	}
	return st
}

// Sorted flattens a breakdown map, largest count first.
type Count struct {
	Key string
	N   int
}

func Sorted(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for k, n := range m {
		out = append(out, Count{Key: k, N: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].N != out[j].N {
			return out[i].N > out[j].N
		}
		return out[i].Key < out[j].Key
	})
	return out
}
