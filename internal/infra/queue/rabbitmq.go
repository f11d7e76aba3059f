package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
)

// ErrConsumerClosed возвращается, когда брокер закрыл канал доставки.
var ErrConsumerClosed = errors.New("rabbitmq: канал доставки закрыт")

// RabbitTaskQueue реализует очередь задач через AMQP. Сообщения подтверждаются вручную,
// неподтверждённые возвращаются брокером в очередь при обрыве соединения.
type RabbitTaskQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewRabbitTaskQueue подключается к брокеру и объявляет durable-очередь.
func NewRabbitTaskQueue(amqpURL, queue string) (*RabbitTaskQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	start := time.Now()
	conn, err := amqp.Dial(amqpURL)
	metrics.ObserveNetworkRequest("rabbitmq", "dial", queue, start, err)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	// одна задача рассылки за раз на процесс
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitTaskQueue{conn: conn, ch: ch, queue: queue}, nil
}

var _ domain.TaskQueue = (*RabbitTaskQueue)(nil)

// Enqueue публикует задачу в очередь.
func (q *RabbitTaskQueue) Enqueue(ctx context.Context, job domain.TaskJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.RequestedAt,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive ждёт следующую задачу. Потребитель регистрируется при первом вызове.
func (q *RabbitTaskQueue) Receive(ctx context.Context) (domain.TaskJob, domain.TaskAckFunc, error) {
	deliveries, err := q.consume()
	if err != nil {
		return domain.TaskJob{}, nil, err
	}
	select {
	case <-ctx.Done():
		return domain.TaskJob{}, nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			return domain.TaskJob{}, nil, ErrConsumerClosed
		}
		var job domain.TaskJob
		if err := json.Unmarshal(d.Body, &job); err != nil {
			_ = d.Nack(false, false)
			return domain.TaskJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		return job, func(success bool) error {
			if success {
				return d.Ack(false)
			}
			return d.Nack(false, true)
		}, nil
	}
}

func (q *RabbitTaskQueue) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	start := time.Now()
	d, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	metrics.ObserveNetworkRequest("rabbitmq", "consume", q.queue, start, err)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	q.deliveries = d
	return d, nil
}

// Close закрывает канал и соединение.
func (q *RabbitTaskQueue) Close() error {
	if err := q.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return q.conn.Close()
}
