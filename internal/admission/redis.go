package admission

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindow keeps each key's window in a sorted set scored by unix
// milliseconds, so several relay instances share one rate budget.
type RedisWindow struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

func NewRedisWindow(client redis.UniversalClient, prefix string, window time.Duration) *RedisWindow {
	if prefix == "" {
		prefix = "alertrelay:rate:"
	}
	if window <= 0 {
		window = time.Hour
	}
	return &RedisWindow{client: client, prefix: prefix, window: window}
}

func (w *RedisWindow) key(k string) string { return w.prefix + k }

func (w *RedisWindow) Count(ctx context.Context, key string, now time.Time) (int, error) {
	k := w.key(key)
	cutoff := now.Add(-w.window).UnixMilli()

	pipe := w.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

func (w *RedisWindow) Add(ctx context.Context, key string, now time.Time) error {
	k := w.key(key)
	pipe := w.client.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.Expire(ctx, k, w.window)
	_, err := pipe.Exec(ctx)
	return err
}
