package admission

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// RateWindow tracks admitted timestamps per key over a trailing window.
type RateWindow interface {
	// Count drops entries older than now-window and returns what remains.
	Count(ctx context.Context, key string, now time.Time) (int, error)
	// Add records an admission at now.
	Add(ctx context.Context, key string, now time.Time) error
}

// RateKey is the window key for a (module, kind) pair.
func RateKey(module, kind string) string { return module + "|" + kind }

type memEntry struct {
	stamps []time.Time // ascending
}

// MemoryWindow is a process-local RateWindow. Keys are evicted least
// recently used once MaxKeys is exceeded, idle keys expire one window after
// their last admission, and Sweep drops keys whose entries all expired.
type MemoryWindow struct {
	window time.Duration

	// mu guards the stamps inside entries; the LRU locks itself.
	mu   sync.Mutex
	keys *expirable.LRU[string, *memEntry]
}

func NewMemoryWindow(window time.Duration, maxKeys int) *MemoryWindow {
	if window <= 0 {
		window = time.Hour
	}
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &MemoryWindow{window: window, keys: expirable.NewLRU[string, *memEntry](maxKeys, nil, window)}
}

func (w *MemoryWindow) expire(e *memEntry, now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(e.stamps) && !e.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.stamps = append(e.stamps[:0], e.stamps[i:]...)
	}
}

func (w *MemoryWindow) Count(_ context.Context, key string, now time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.keys.Get(key)
	if !ok {
		return 0, nil
	}
	w.expire(e, now)
	return len(e.stamps), nil
}

func (w *MemoryWindow) Add(_ context.Context, key string, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.keys.Get(key)
	if !ok {
		e = &memEntry{}
	}
	w.expire(e, now)
	e.stamps = append(e.stamps, now)
	// Re-adding refreshes both recency and the idle expiry.
	w.keys.Add(key, e)
	return nil
}

// Sweep removes keys with no entries inside the window and returns how many went.
func (w *MemoryWindow) Sweep(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, k := range w.keys.Keys() {
		e, ok := w.keys.Peek(k)
		if !ok {
			continue
		}
		w.expire(e, now)
		if len(e.stamps) == 0 {
			w.keys.Remove(k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.keys.Len()
}

// Run sweeps every interval until ctx is done.
func (w *MemoryWindow) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			w.Sweep(now)
		}
	}
}
