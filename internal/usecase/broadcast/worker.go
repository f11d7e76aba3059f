package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
)

// Runner выполняет задачу по id.
type Runner interface {
	Run(ctx context.Context, taskID int64) error
}

// Worker читает очередь задач и выполняет их.
type Worker struct {
	log        zerolog.Logger
	queue      domain.TaskQueue
	runner     Runner
	retryDelay time.Duration
}

// NewWorker создаёт обработчик очереди.
func NewWorker(queue domain.TaskQueue, runner Runner, logger zerolog.Logger) *Worker {
	return &Worker{
		log:        logger.With().Str("component", "worker").Logger(),
		queue:      queue,
		runner:     runner,
		retryDelay: 5 * time.Second,
	}
}

type jobOutcome int

const (
	jobOutcomeCompleted jobOutcome = iota
	jobOutcomeRetry
)

// Run обрабатывает сообщения очереди до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("worker: ошибка чтения очереди")
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Int64("task_id", job.TaskID).
			Str("cause", string(job.Cause)).
			Logger()

		if job.TaskID == 0 {
			jobLog.Error().Msg("worker: получено сообщение без задачи, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось подтвердить пустое сообщение")
			}
			metrics.QueueJobsTotal.WithLabelValues("invalid").Inc()
			continue
		}

		outcome := w.handle(ctx, job, jobLog)
		if outcome == jobOutcomeRetry {
			if err := ack(false); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось вернуть задачу в очередь")
			}
			metrics.QueueJobsTotal.WithLabelValues("requeued").Inc()
			if !sleep(ctx, w.retryDelay) {
				return
			}
			continue
		}
		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось подтвердить задачу")
		}
		metrics.QueueJobsTotal.WithLabelValues("done").Inc()
	}
}

func (w *Worker) handle(ctx context.Context, job domain.TaskJob, jobLog zerolog.Logger) jobOutcome {
	err := w.runner.Run(ctx, job.TaskID)
	switch {
	case err == nil:
		return jobOutcomeCompleted
	case errors.Is(err, domain.ErrTaskRunning):
		jobLog.Info().Msg("worker: выполняется другая рассылка, повторим позже")
		return jobOutcomeRetry
	case errors.Is(err, domain.ErrCancelled):
		jobLog.Info().Msg("worker: рассылка остановлена оператором")
		return jobOutcomeCompleted
	case errors.Is(err, domain.ErrInterrupted):
		// задача осталась running: при остановке процесса её продолжит Resume
		if ctx.Err() != nil {
			jobLog.Warn().Msg("worker: рассылка прервана остановкой процесса")
			return jobOutcomeCompleted
		}
		return jobOutcomeRetry
	case errors.Is(err, domain.ErrTaskFinished):
		jobLog.Debug().Msg("worker: задача уже завершена")
		return jobOutcomeCompleted
	case errors.Is(err, domain.ErrNotDue):
		jobLog.Debug().Msg("worker: время задачи ещё не наступило, её поставит планировщик")
		return jobOutcomeCompleted
	case errors.Is(err, domain.ErrNotFound):
		jobLog.Warn().Msg("worker: задача не найдена")
		return jobOutcomeCompleted
	default:
		jobLog.Error().Err(err).Msg("worker: ошибка выполнения задачи")
		return jobOutcomeCompleted
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
