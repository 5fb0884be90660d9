package admission

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWindowSlides(t *testing.T) {
	w := NewMemoryWindow(time.Hour, 0)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	require.NoError(t, w.Add(ctx, "k", t0))
	require.NoError(t, w.Add(ctx, "k", t0.Add(30*time.Minute)))

	n, err := w.Count(ctx, "k", t0.Add(59*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = w.Count(ctx, "k", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = w.Count(ctx, "missing", t0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryWindowEvictsLeastRecentlyUsed(t *testing.T) {
	w := NewMemoryWindow(time.Hour, 2)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, w.Add(ctx, "a", now))
	require.NoError(t, w.Add(ctx, "b", now))
	_, _ = w.Count(ctx, "a", now)
	require.NoError(t, w.Add(ctx, "c", now))

	assert.Equal(t, 2, w.Len())
	n, _ := w.Count(ctx, "b", now)
	assert.Equal(t, 0, n)
	n, _ = w.Count(ctx, "a", now)
	assert.Equal(t, 1, n)
}

func TestMemoryWindowSweep(t *testing.T) {
	w := NewMemoryWindow(time.Minute, 0)
	ctx := context.Background()
	t0 := time.Now()

	require.NoError(t, w.Add(ctx, "old", t0))
	require.NoError(t, w.Add(ctx, "new", t0.Add(50*time.Second)))

	assert.Equal(t, 1, w.Sweep(t0.Add(70*time.Second)))
	assert.Equal(t, 1, w.Len())
}

func TestMemoryWindowForgetsIdleKeys(t *testing.T) {
	w := NewMemoryWindow(20*time.Millisecond, 0)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	require.NoError(t, w.Add(ctx, "idle", t0))
	n, err := w.Count(ctx, "idle", t0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	assert.Eventually(t, func() bool {
		n, _ := w.Count(ctx, "idle", t0)
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRateKey(t *testing.T) {
	assert.Equal(t, "api|error", RateKey("api", "error"))
}

func TestRedisWindow(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}

	w := NewRedisWindow(client, "alertrelay:test:"+t.Name()+":", time.Hour)
	key := "api|error"
	t.Cleanup(func() { client.Del(ctx, w.key(key)) })

	t0 := time.Now()
	require.NoError(t, w.Add(ctx, key, t0.Add(-2*time.Hour)))
	require.NoError(t, w.Add(ctx, key, t0.Add(-time.Minute)))
	require.NoError(t, w.Add(ctx, key, t0))

	n, err := w.Count(ctx, key, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
