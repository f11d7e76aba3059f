package domain

import (
	"context"
	"time"
)

// TaskJobCause описывает источник запуска задачи рассылки.
type TaskJobCause string

const (
	// TaskCauseManual: рассылку запустил администратор.
	TaskCauseManual TaskJobCause = "manual"
	// TaskCauseScheduled: ежедневная ротация по расписанию.
	TaskCauseScheduled TaskJobCause = "scheduled"
	// TaskCauseSweep: задача найдена при обходе просроченных.
	TaskCauseSweep TaskJobCause = "sweep"
	// TaskCauseResume: задача продолжается после перезапуска.
	TaskCauseResume TaskJobCause = "resume"
)

// TaskJob: сообщение очереди о задаче, которую нужно выполнить.
type TaskJob struct {
	ID          string       `json:"job_id,omitempty"`
	TaskID      int64        `json:"task_id"`
	RequestedAt time.Time    `json:"requested_at"`
	Cause       TaskJobCause `json:"cause"`
}

// TaskQueue описывает очередь задач рассылки.
type TaskQueue interface {
	Enqueue(ctx context.Context, job TaskJob) error
	Receive(ctx context.Context) (TaskJob, TaskAckFunc, error)
}

// TaskAckFunc подтверждает обработку (true) или возвращает задачу в очередь (false).
type TaskAckFunc func(success bool) error
