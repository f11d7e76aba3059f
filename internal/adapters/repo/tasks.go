package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
)

const (
	taskColumns = `id, kind, theme_id, content, audience, recipients, rate_limit, scheduled_for, started_at, completed_at, status, attempted, delivered, failed, report, failure_reason, created_at`

	singleRunningIndex = "broadcast_tasks_single_running"
)

func scanTask(row scanner) (domain.BroadcastTask, error) {
	var (
		t                           domain.BroadcastTask
		themeID                     sql.NullInt64
		content, aud, rcpts, report []byte
		startedAt, completedAt      sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Kind, &themeID, &content, &aud, &rcpts, &t.RateLimit, &t.ScheduledFor, &startedAt, &completedAt,
		&t.Status, &t.Counters.Attempted, &t.Counters.Delivered, &t.Counters.Failed, &report, &t.FailureReason, &t.CreatedAt)
	if err != nil {
		return domain.BroadcastTask{}, err
	}
	if themeID.Valid {
		id := themeID.Int64
		t.ThemeID = &id
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	if err := json.Unmarshal(content, &t.Content); err != nil {
		return domain.BroadcastTask{}, fmt.Errorf("содержимое задачи %d: %w", t.ID, err)
	}
	if err := json.Unmarshal(aud, &t.Audience); err != nil {
		return domain.BroadcastTask{}, fmt.Errorf("аудитория задачи %d: %w", t.ID, err)
	}
	if err := json.Unmarshal(rcpts, &t.Recipients); err != nil {
		return domain.BroadcastTask{}, fmt.Errorf("получатели задачи %d: %w", t.ID, err)
	}
	if len(report) > 0 && string(report) != "null" {
		if err := json.Unmarshal(report, &t.Report); err != nil {
			return domain.BroadcastTask{}, fmt.Errorf("отчёт задачи %d: %w", t.ID, err)
		}
	}
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]domain.BroadcastTask, error) {
	defer rows.Close()
	var out []domain.BroadcastTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTask сохраняет задачу в состоянии pending.
func (p *Postgres) CreateTask(ctx context.Context, task domain.BroadcastTask) (domain.BroadcastTask, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	content, err := json.Marshal(task.Content)
	if err != nil {
		return domain.BroadcastTask{}, err
	}
	aud, err := json.Marshal(task.Audience)
	if err != nil {
		return domain.BroadcastTask{}, err
	}
	rcpts := task.Recipients
	if rcpts == nil {
		rcpts = []domain.Recipient{}
	}
	rcptJSON, err := json.Marshal(rcpts)
	if err != nil {
		return domain.BroadcastTask{}, err
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	start := time.Now()
	created, err := scanTask(p.pool.QueryRow(ctx, `
INSERT INTO broadcast_tasks (kind, theme_id, content, audience, recipients, rate_limit, scheduled_for, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8)
RETURNING `+taskColumns,
		task.Kind, task.ThemeID, content, aud, rcptJSON, task.RateLimit, task.ScheduledFor, task.CreatedAt))
	metrics.ObserveNetworkRequest("postgres", "tasks_insert", "broadcast_tasks", start, err)
	return created, err
}

// GetTask возвращает задачу по id.
func (p *Postgres) GetTask(ctx context.Context, id int64) (domain.BroadcastTask, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	t, err := scanTask(p.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM broadcast_tasks WHERE id=$1`, id))
	metrics.ObserveNetworkRequest("postgres", "tasks_get", "broadcast_tasks", start, err)
	return t, notFound(err)
}

// ListTasks возвращает задачи, новые первыми.
func (p *Postgres) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.BroadcastTask, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	w := &where{}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Kind != "" {
		w.add("kind = ?", string(f.Kind))
	}
	query := `SELECT ` + taskColumns + ` FROM broadcast_tasks` + w.sql() + ` ORDER BY id DESC` + w.page(f.Limit, f.Offset)
	start := time.Now()
	rows, err := p.pool.Query(ctx, query, w.args...)
	metrics.ObserveNetworkRequest("postgres", "tasks_list", "broadcast_tasks", start, err)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// StartTask переводит задачу pending → running, если других выполняющихся нет.
// Гонку двух процессов закрывает уникальный частичный индекс по status = 'running'.
func (p *Postgres) StartTask(ctx context.Context, id int64, at time.Time) (domain.BroadcastTask, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	t, err := scanTask(p.pool.QueryRow(ctx, `
UPDATE broadcast_tasks SET status='running', started_at=COALESCE(started_at, $2)
WHERE id=$1 AND status='pending'
  AND NOT EXISTS (SELECT 1 FROM broadcast_tasks WHERE status='running')
RETURNING `+taskColumns, id, at))
	metrics.ObserveNetworkRequest("postgres", "tasks_start", "broadcast_tasks", start, err)
	if isUniqueViolation(err, singleRunningIndex) {
		return domain.BroadcastTask{}, domain.ErrTaskRunning
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return t, err
	}
	cur, err := p.GetTask(ctx, id)
	if err != nil {
		return domain.BroadcastTask{}, err
	}
	if cur.Status != domain.TaskPending {
		return domain.BroadcastTask{}, domain.ErrInvalidTransition
	}
	return domain.BroadcastTask{}, domain.ErrTaskRunning
}

// CompleteTask завершает выполняющуюся задачу.
func (p *Postgres) CompleteTask(ctx context.Context, id int64, counters domain.TaskCounters, report domain.DeliveryReport, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	rep, err := json.Marshal(report)
	if err != nil {
		return err
	}
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE broadcast_tasks SET status='completed', attempted=$2, delivered=$3, failed=$4, report=$5, completed_at=$6
WHERE id=$1 AND status='running'`, id, counters.Attempted, counters.Delivered, counters.Failed, rep, at)
	metrics.ObserveNetworkRequest("postgres", "tasks_complete", "broadcast_tasks", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.transitionError(ctx, id)
	}
	return nil
}

// FailTask переводит незавершённую задачу в failed.
func (p *Postgres) FailTask(ctx context.Context, id int64, reason string, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE broadcast_tasks SET status='failed', failure_reason=$2, completed_at=$3
WHERE id=$1 AND status IN ('pending', 'running')`, id, reason, at)
	metrics.ObserveNetworkRequest("postgres", "tasks_fail", "broadcast_tasks", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.transitionError(ctx, id)
	}
	return nil
}

// SetCounters перезаписывает счётчики выполняющейся задачи.
func (p *Postgres) SetCounters(ctx context.Context, id int64, c domain.TaskCounters) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE broadcast_tasks SET attempted=$2, delivered=$3, failed=$4
WHERE id=$1 AND status='running'`, id, c.Attempted, c.Delivered, c.Failed)
	metrics.ObserveNetworkRequest("postgres", "tasks_set_counters", "broadcast_tasks", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.transitionError(ctx, id)
	}
	return nil
}

func (p *Postgres) transitionError(ctx context.Context, id int64) error {
	if _, err := p.GetTask(ctx, id); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}

// ListDuePendingTasks возвращает задачи pending, время которых наступило.
func (p *Postgres) ListDuePendingTasks(ctx context.Context, asOf time.Time) ([]domain.BroadcastTask, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+taskColumns+` FROM broadcast_tasks
WHERE status='pending' AND scheduled_for <= $1
ORDER BY scheduled_for, id`, asOf)
	metrics.ObserveNetworkRequest("postgres", "tasks_due", "broadcast_tasks", start, err)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// HasTask проверяет наличие задачи типа kind с плановым временем в [from, to).
func (p *Postgres) HasTask(ctx context.Context, kind domain.TaskKind, from, to time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM broadcast_tasks WHERE kind=$1 AND scheduled_for >= $2 AND scheduled_for < $3)`,
		string(kind), from, to).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "tasks_exists", "broadcast_tasks", start, err)
	return exists, err
}
