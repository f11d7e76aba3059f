package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
)

// RedisLocker реализует domain.Locker через SET NX.
// Ключ общий для всех процессов, поэтому ротация выполняется один раз на день даже при нескольких репликах.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker создаёт замок. Ключи получают префикс prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

var _ domain.Locker = (*RedisLocker)(nil)

// Once выполняет fn, если ключ ещё не занят. При ошибке fn ключ удаляется, чтобы следующий запуск повторил попытку.
func (l *RedisLocker) Once(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	full := l.prefix + key
	start := time.Now()
	ok, err := l.client.SetNX(ctx, full, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	metrics.ObserveNetworkRequest("redis", "setnx", "lock", start, err)
	if err != nil {
		return false, fmt.Errorf("захват ключа %s: %w", full, err)
	}
	if !ok {
		return false, nil
	}
	if err := fn(ctx); err != nil {
		// отпускаем ключ даже после отмены ctx
		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = l.client.Del(delCtx, full).Err()
		return true, err
	}
	return true, nil
}
