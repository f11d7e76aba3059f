package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
)

// Outcome: терминальный исход отправки одному получателю.
type Outcome struct {
	TaskID    *int64
	Recipient domain.Recipient
	Kind      domain.MessageKind
	Status    domain.DeliveryStatus
	Detail    string
	At        time.Time
}

// Tracker ведёт журнал доставки и счётчики задач.
type Tracker struct {
	logs  domain.DeliveryRepo
	tasks domain.TaskRepo
}

// NewTracker создаёт трекер.
func NewTracker(logs domain.DeliveryRepo, tasks domain.TaskRepo) *Tracker {
	return &Tracker{logs: logs, tasks: tasks}
}

// Record записывает исход и увеличивает счётчики задачи в одной транзакции.
// Возвращает false, если исход для пары (задача, получатель) уже записан.
func (t *Tracker) Record(ctx context.Context, o Outcome) (bool, error) {
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}
	_, err := t.logs.RecordDelivery(ctx, domain.DeliveryLog{
		TaskID:   o.TaskID,
		UserID:   o.Recipient.UserID,
		TGUserID: o.Recipient.TGUserID,
		Kind:     o.Kind,
		Status:   o.Status,
		Error:    o.Detail,
		SentAt:   o.At,
	})
	if errors.Is(err, domain.ErrDuplicateDelivery) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("запись исхода доставки: %w", err)
	}
	metrics.IncDelivery(string(o.Kind), string(o.Status))
	return true, nil
}

// Recompute пересчитывает счётчики задачи по журналу. Журнал считается источником истины.
// Счётчики выполняющейся задачи перезаписываются, для остальных только возвращаются.
func (t *Tracker) Recompute(ctx context.Context, taskID int64) (domain.TaskCounters, error) {
	rows, err := t.logs.ListTaskDeliveries(ctx, taskID)
	if err != nil {
		return domain.TaskCounters{}, fmt.Errorf("чтение журнала задачи %d: %w", taskID, err)
	}
	var c domain.TaskCounters
	for _, row := range rows {
		c.Apply(row.Status)
	}
	if err := t.tasks.SetCounters(ctx, taskID, c); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return domain.TaskCounters{}, fmt.Errorf("обновление счётчиков задачи %d: %w", taskID, err)
	}
	return c, nil
}

// Terminal возвращает пользователей, для которых по задаче уже записан исход.
func (t *Tracker) Terminal(ctx context.Context, taskID int64) (map[int64]struct{}, error) {
	rows, err := t.logs.ListTaskDeliveries(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("чтение журнала задачи %d: %w", taskID, err)
	}
	done := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		done[row.UserID] = struct{}{}
	}
	return done, nil
}

// Report строит отчёт по задаче в разрезе статусов.
func (t *Tracker) Report(ctx context.Context, taskID int64) (domain.DeliveryReport, error) {
	rows, err := t.logs.ListTaskDeliveries(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("чтение журнала задачи %d: %w", taskID, err)
	}
	report := domain.DeliveryReport{}
	for _, row := range rows {
		report.Add(row.Status, row.Error)
	}
	return report, nil
}
