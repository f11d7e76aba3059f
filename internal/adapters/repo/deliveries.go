package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
)

// RecordDelivery добавляет запись журнала и увеличивает счётчики задачи в одной транзакции.
// Строка задачи блокируется, поэтому параллельные записи по одной задаче выполняются по очереди.
func (p *Postgres) RecordDelivery(ctx context.Context, entry domain.DeliveryLog) (domain.DeliveryLog, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now().UTC()
	}
	err := p.inTx(ctx, "delivery_logs", func(tx pgx.Tx) error {
		var status domain.TaskStatus
		if entry.TaskID != nil {
			start := time.Now()
			err := tx.QueryRow(ctx, `SELECT status FROM broadcast_tasks WHERE id=$1 FOR UPDATE`, *entry.TaskID).Scan(&status)
			metrics.ObserveNetworkRequest("postgres", "tasks_lock", "broadcast_tasks", start, err)
			if err != nil {
				return notFound(err)
			}
		}

		start := time.Now()
		err := tx.QueryRow(ctx, `
INSERT INTO delivery_logs (broadcast_task_id, user_id, tg_user_id, message_type, status, error, sent_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (broadcast_task_id, user_id) WHERE broadcast_task_id IS NOT NULL DO NOTHING
RETURNING id`,
			entry.TaskID, entry.UserID, entry.TGUserID, string(entry.Kind), string(entry.Status), entry.Error, entry.SentAt).Scan(&entry.ID)
		metrics.ObserveNetworkRequest("postgres", "delivery_logs_insert", "delivery_logs", start, err)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrDuplicateDelivery
		}
		if err != nil {
			return err
		}

		if entry.TaskID == nil || status != domain.TaskRunning {
			return nil
		}
		var delivered, failed int
		if entry.Status.Delivered() {
			delivered = 1
		} else {
			failed = 1
		}
		start = time.Now()
		_, err = tx.Exec(ctx, `
UPDATE broadcast_tasks SET attempted=attempted+1, delivered=delivered+$2, failed=failed+$3
WHERE id=$1`, *entry.TaskID, delivered, failed)
		metrics.ObserveNetworkRequest("postgres", "tasks_increment", "broadcast_tasks", start, err)
		return err
	})
	if err != nil {
		return domain.DeliveryLog{}, err
	}
	return entry, nil
}

// ListTaskDeliveries возвращает журнал задачи в порядке записи.
func (p *Postgres) ListTaskDeliveries(ctx context.Context, taskID int64) ([]domain.DeliveryLog, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, broadcast_task_id, user_id, tg_user_id, message_type, status, error, sent_at
FROM delivery_logs WHERE broadcast_task_id=$1
ORDER BY id`, taskID)
	metrics.ObserveNetworkRequest("postgres", "delivery_logs_list", "delivery_logs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DeliveryLog
	for rows.Next() {
		var (
			d      domain.DeliveryLog
			taskID sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &taskID, &d.UserID, &d.TGUserID, &d.Kind, &d.Status, &d.Error, &d.SentAt); err != nil {
			return nil, err
		}
		if taskID.Valid {
			id := taskID.Int64
			d.TaskID = &id
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
