package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
)

const (
	redisPollTimeout = time.Second
	ackTimeout       = 5 * time.Second
)

// RedisTaskQueue: очередь задач на списках Redis. Полученное сообщение лежит в списке
// processing до подтверждения, поэтому падение процесса не теряет задачу.
type RedisTaskQueue struct {
	client     redis.UniversalClient
	key        string
	processing string
}

// NewRedisTaskQueue создаёт очередь по указанному ключу.
func NewRedisTaskQueue(client redis.UniversalClient, key string) *RedisTaskQueue {
	return &RedisTaskQueue{client: client, key: key, processing: key + ":processing"}
}

var _ domain.TaskQueue = (*RedisTaskQueue)(nil)

// Enqueue публикует задачу в очередь.
func (q *RedisTaskQueue) Enqueue(ctx context.Context, job domain.TaskJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу и переносит её в список processing.
func (q *RedisTaskQueue) Receive(ctx context.Context) (domain.TaskJob, domain.TaskAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.TaskJob{}, nil, err
		}
		payload, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", redisPollTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.TaskJob{}, nil, ctx.Err()
				}
				continue
			}
			return domain.TaskJob{}, nil, err
		}
		job, err := decodeJob(payload, q.remove)
		if err != nil {
			return domain.TaskJob{}, nil, err
		}
		return job, q.acker(payload), nil
	}
}

// decodeJob разбирает сообщение. Нечитаемое сообщение удаляется из processing, иначе Recover
// будет возвращать его после каждого перезапуска. Ошибка удаления попадает в возвращаемую ошибку.
func decodeJob(payload string, drop func(payload string) error) (domain.TaskJob, error) {
	var job domain.TaskJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		err = fmt.Errorf("decode job: %w", err)
		if dropErr := drop(payload); dropErr != nil {
			err = errors.Join(err, fmt.Errorf("drop job: %w", dropErr))
		}
		return domain.TaskJob{}, err
	}
	return job, nil
}

func (q *RedisTaskQueue) acker(payload string) domain.TaskAckFunc {
	return func(success bool) error {
		if success {
			return q.remove(payload)
		}
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		start := time.Now()
		_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.processing, 1, payload)
			p.LPush(ctx, q.key, payload)
			return nil
		})
		metrics.ObserveNetworkRequest("redis", "requeue", q.key, start, err)
		return err
	}
}

func (q *RedisTaskQueue) remove(payload string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	start := time.Now()
	err := q.client.LRem(ctx, q.processing, 1, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lrem", q.processing, start, err)
	return err
}

// Recover возвращает в очередь задачи, оставшиеся неподтверждёнными после прошлого запуска.
// Вызывается до старта обработчика.
func (q *RedisTaskQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}
