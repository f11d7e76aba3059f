package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
	"tg-broadcast-bot/internal/usecase/audience"
	"tg-broadcast-bot/internal/usecase/delivery"
	"tg-broadcast-bot/internal/usecase/dispatch"
)

// Dispatcher выполняет проход рассылки.
type Dispatcher interface {
	Dispatch(ctx context.Context, job dispatch.Job) (dispatch.Summary, error)
}

// RateSource возвращает текущий лимит отправки для снимка в задаче.
type RateSource interface {
	RateLimit(ctx context.Context) (int, error)
}

// Request описывает новую задачу рассылки.
type Request struct {
	Kind         domain.TaskKind
	ThemeID      *int64
	Content      domain.Content
	Audience     domain.AudienceSpec
	ScheduledFor time.Time
	Cause        domain.TaskJobCause
}

const markThemeAttempts = 5

// Service управляет жизненным циклом задач рассылки.
type Service struct {
	tasks      domain.TaskRepo
	themes     domain.ThemeRepo
	resolver   *audience.Resolver
	tracker    *delivery.Tracker
	dispatcher Dispatcher
	queue      domain.TaskQueue
	rates      RateSource
	log        zerolog.Logger
	now        func() time.Time
	markDelay  time.Duration

	mu      sync.Mutex
	running map[int64]context.CancelCauseFunc
}

// NewService создаёт сервис задач.
func NewService(tasks domain.TaskRepo, themes domain.ThemeRepo, resolver *audience.Resolver, tracker *delivery.Tracker, dispatcher Dispatcher, queue domain.TaskQueue, rates RateSource, logger zerolog.Logger) *Service {
	return &Service{
		tasks:      tasks,
		themes:     themes,
		resolver:   resolver,
		tracker:    tracker,
		dispatcher: dispatcher,
		queue:      queue,
		rates:      rates,
		log:        logger.With().Str("component", "broadcast").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		markDelay:  200 * time.Millisecond,
		running:    make(map[int64]context.CancelCauseFunc),
	}
}

// StartBroadcast создаёт ручную рассылку и сразу возвращает id задачи в состоянии pending.
func (s *Service) StartBroadcast(ctx context.Context, spec domain.AudienceSpec, content domain.Content, scheduledFor time.Time) (int64, error) {
	task, err := s.Create(ctx, Request{
		Kind:         domain.TaskManual,
		Content:      content,
		Audience:     spec,
		ScheduledFor: scheduledFor,
		Cause:        domain.TaskCauseManual,
	})
	if err != nil {
		return 0, err
	}
	return task.ID, nil
}

// StartThemeBroadcast создаёт ручную рассылку темы. После завершения тема помечается отправленной.
func (s *Service) StartThemeBroadcast(ctx context.Context, themeID int64, spec domain.AudienceSpec, scheduledFor time.Time) (int64, error) {
	theme, err := s.themes.GetTheme(ctx, themeID)
	if err != nil {
		return 0, fmt.Errorf("загрузка темы %d: %w", themeID, err)
	}
	task, err := s.Create(ctx, Request{
		Kind:         domain.TaskManual,
		ThemeID:      &theme.ID,
		Content:      theme.Snapshot(),
		Audience:     spec,
		ScheduledFor: scheduledFor,
		Cause:        domain.TaskCauseManual,
	})
	if err != nil {
		return 0, err
	}
	return task.ID, nil
}

// Create фиксирует содержимое, аудиторию и лимит скорости, сохраняет задачу и ставит её в очередь.
func (s *Service) Create(ctx context.Context, req Request) (domain.BroadcastTask, error) {
	if err := req.Content.Validate(); err != nil {
		return domain.BroadcastTask{}, err
	}
	if err := req.Audience.Validate(); err != nil {
		return domain.BroadcastTask{}, err
	}
	resolved, err := s.resolver.Resolve(ctx, req.Audience)
	if err != nil {
		return domain.BroadcastTask{}, fmt.Errorf("аудитория рассылки: %w", err)
	}
	rate, err := s.rates.RateLimit(ctx)
	if err != nil {
		return domain.BroadcastTask{}, fmt.Errorf("лимит скорости: %w", err)
	}
	now := s.now()
	if req.ScheduledFor.IsZero() {
		req.ScheduledFor = now
	}
	task, err := s.tasks.CreateTask(ctx, domain.BroadcastTask{
		Kind:         req.Kind,
		ThemeID:      req.ThemeID,
		Content:      req.Content.Clone(),
		Audience:     req.Audience,
		Recipients:   resolved.Recipients,
		RateLimit:    rate,
		ScheduledFor: req.ScheduledFor.UTC(),
		Status:       domain.TaskPending,
		CreatedAt:    now,
	})
	if err != nil {
		return domain.BroadcastTask{}, fmt.Errorf("сохранение задачи: %w", err)
	}
	metrics.IncTaskTransition(string(domain.TaskPending))

	logger := s.log.With().Int64("task_id", task.ID).Str("kind", string(task.Kind)).Logger()
	logger.Info().
		Int("recipients", len(task.Recipients)).
		Int("skipped", len(resolved.Skipped)).
		Int("rate", rate).
		Time("scheduled_for", task.ScheduledFor).
		Msg("broadcast: задача создана")

	if err := s.enqueue(ctx, task.ID, req.Cause); err != nil {
		// задача останется pending и будет подобрана обходом просроченных
		logger.Warn().Err(err).Msg("broadcast: не удалось поставить задачу в очередь")
	}
	return task, nil
}

func (s *Service) enqueue(ctx context.Context, taskID int64, cause domain.TaskJobCause) error {
	if s.queue == nil {
		return nil
	}
	if cause == "" {
		cause = domain.TaskCauseManual
	}
	return s.queue.Enqueue(ctx, domain.TaskJob{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		RequestedAt: s.now(),
		Cause:       cause,
	})
}

// Run выполняет задачу: pending, время которой наступило, запускается; running продолжается
// только для получателей без записанного исхода. Если проход прерван, задача остаётся running
// и возвращается ErrInterrupted. После Cancel ошибка дополнительно совпадает с ErrCancelled.
func (s *Service) Run(ctx context.Context, taskID int64) error {
	runCtx, release, err := s.claim(ctx, taskID)
	if err != nil {
		return err
	}
	defer release()

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("загрузка задачи %d: %w", taskID, err)
	}
	logger := s.log.With().Int64("task_id", task.ID).Str("kind", string(task.Kind)).Logger()

	switch task.Status {
	case domain.TaskCompleted, domain.TaskFailed:
		return domain.ErrTaskFinished
	case domain.TaskPending:
		if task.ScheduledFor.After(s.now()) {
			return domain.ErrNotDue
		}
		if err := task.Content.Validate(); err != nil {
			return s.fail(ctx, logger, task, fmt.Sprintf("некорректное содержимое: %v", err))
		}
		started, err := s.tasks.StartTask(ctx, task.ID, s.now())
		if err != nil {
			return err
		}
		task = started
		metrics.IncTaskTransition(string(domain.TaskRunning))
		logger.Info().Int("recipients", len(task.Recipients)).Msg("broadcast: рассылка запущена")
	case domain.TaskRunning:
		logger.Info().Msg("broadcast: возобновление рассылки")
	}

	return s.execute(runCtx, logger, task)
}

func (s *Service) execute(ctx context.Context, logger zerolog.Logger, task domain.BroadcastTask) error {
	if _, err := s.tracker.Recompute(ctx, task.ID); err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		return s.fail(ctx, logger, task, fmt.Sprintf("пересчёт счётчиков: %v", err))
	}
	done, err := s.tracker.Terminal(ctx, task.ID)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		return s.fail(ctx, logger, task, fmt.Sprintf("чтение журнала: %v", err))
	}
	remaining := make([]domain.Recipient, 0, len(task.Recipients))
	for _, r := range task.Recipients {
		if _, ok := done[r.UserID]; !ok {
			remaining = append(remaining, r)
		}
	}
	if len(done) > 0 {
		logger.Info().Int("done", len(done)).Int("remaining", len(remaining)).Msg("broadcast: часть получателей уже обработана")
	}

	var themeID int64
	if task.ThemeID != nil {
		themeID = *task.ThemeID
	}
	sum, err := s.dispatcher.Dispatch(ctx, dispatch.Job{
		TaskID:     &task.ID,
		ThemeID:    themeID,
		Kind:       task.MessageKind(),
		Content:    task.Content,
		Recipients: remaining,
		RateLimit:  task.RateLimit,
	})
	if err != nil {
		return s.fail(ctx, logger, task, fmt.Sprintf("доставка: %v", err))
	}
	if sum.Interrupted {
		logger.Warn().Int("abandoned", sum.Abandoned).Msg("broadcast: рассылка прервана и будет продолжена")
		return interrupted(ctx)
	}

	// завершение не должно зависеть от отмены прохода
	finCtx := context.WithoutCancel(ctx)
	counters, err := s.tracker.Recompute(finCtx, task.ID)
	if err != nil {
		return s.fail(finCtx, logger, task, fmt.Sprintf("пересчёт счётчиков: %v", err))
	}
	report, err := s.tracker.Report(finCtx, task.ID)
	if err != nil {
		return s.fail(finCtx, logger, task, fmt.Sprintf("отчёт: %v", err))
	}
	if err := s.tasks.CompleteTask(finCtx, task.ID, counters, report, s.now()); err != nil {
		return fmt.Errorf("завершение задачи %d: %w", task.ID, err)
	}
	metrics.IncTaskTransition(string(domain.TaskCompleted))
	if task.ThemeID != nil {
		s.markThemeSent(finCtx, logger, *task.ThemeID)
	}
	logger.Info().
		Int("attempted", counters.Attempted).
		Int("delivered", counters.Delivered).
		Int("failed", counters.Failed).
		Msg("broadcast: рассылка завершена")
	return nil
}

// markThemeSent повторяет отметку темы: без неё ротация выберет тему повторно.
func (s *Service) markThemeSent(ctx context.Context, logger zerolog.Logger, themeID int64) {
	retrier := repeater.NewBackoff(markThemeAttempts, s.markDelay, repeater.WithMaxDelay(5*time.Second))
	err := retrier.Do(ctx, func() error {
		_, err := s.themes.MarkThemeSent(ctx, themeID, s.now())
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn().Int64("theme_id", themeID).Msg("broadcast: тема удалена до завершения рассылки")
			return nil
		}
		if err != nil {
			logger.Warn().Err(err).Int64("theme_id", themeID).Msg("broadcast: отметка темы не удалась, повтор")
		}
		return err
	})
	if err != nil {
		logger.Error().Err(err).Int64("theme_id", themeID).Msg("broadcast: не удалось отметить тему отправленной")
	}
}

func interrupted(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), domain.ErrCancelled) {
		return fmt.Errorf("%w: %w", domain.ErrInterrupted, domain.ErrCancelled)
	}
	return domain.ErrInterrupted
}

func (s *Service) fail(ctx context.Context, logger zerolog.Logger, task domain.BroadcastTask, reason string) error {
	ctx = context.WithoutCancel(ctx)
	logger.Error().Str("reason", reason).Msg("broadcast: задача завершена с ошибкой")
	if err := s.tasks.FailTask(ctx, task.ID, reason, s.now()); err != nil {
		return fmt.Errorf("задача %d: %s; не удалось сохранить статус: %w", task.ID, reason, err)
	}
	metrics.IncTaskTransition(string(domain.TaskFailed))
	return fmt.Errorf("задача %d: %s", task.ID, reason)
}

// claim не даёт выполнять одну задачу дважды в одном процессе.
func (s *Service) claim(ctx context.Context, taskID int64) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[taskID]; ok {
		return nil, nil, domain.ErrTaskRunning
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	s.running[taskID] = cancel
	return runCtx, func() {
		s.mu.Lock()
		delete(s.running, taskID)
		s.mu.Unlock()
		cancel(nil)
	}, nil
}

// Cancel останавливает выполнение задачи в этом процессе. Задача остаётся running,
// Run возвращает ErrCancelled, и воркер не ставит её в очередь снова.
// Продолжить рассылку можно через Run или Resume при следующем запуске.
func (s *Service) Cancel(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[taskID]
	if ok {
		cancel(domain.ErrCancelled)
	}
	return ok
}

// Resume продолжает все задачи, найденные в состоянии running.
func (s *Service) Resume(ctx context.Context) (int, error) {
	tasks, err := s.tasks.ListTasks(ctx, domain.TaskFilter{Status: domain.TaskRunning})
	if err != nil {
		return 0, fmt.Errorf("поиск незавершённых задач: %w", err)
	}
	resumed := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		err := s.Run(ctx, t.ID)
		switch {
		case err == nil:
			resumed++
		case errors.Is(err, domain.ErrInterrupted), errors.Is(err, domain.ErrTaskRunning):
			s.log.Warn().Err(err).Int64("task_id", t.ID).Msg("broadcast: задача не возобновлена")
		default:
			s.log.Error().Err(err).Int64("task_id", t.ID).Msg("broadcast: ошибка возобновления")
		}
	}
	return resumed, nil
}

// EnqueueDue ставит в очередь задачи pending, время которых наступило.
func (s *Service) EnqueueDue(ctx context.Context) (int, error) {
	due, err := s.tasks.ListDuePendingTasks(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("поиск задач к запуску: %w", err)
	}
	n := 0
	for _, t := range due {
		if err := s.enqueue(ctx, t.ID, domain.TaskCauseSweep); err != nil {
			return n, fmt.Errorf("постановка задачи %d в очередь: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}

// Get возвращает задачу со счётчиками.
func (s *Service) Get(ctx context.Context, taskID int64) (domain.BroadcastTask, error) {
	return s.tasks.GetTask(ctx, taskID)
}

// Counters возвращает счётчики задачи.
func (s *Service) Counters(ctx context.Context, taskID int64) (domain.TaskCounters, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return domain.TaskCounters{}, err
	}
	return task.Counters, nil
}

// List возвращает задачи по фильтру.
func (s *Service) List(ctx context.Context, filter domain.TaskFilter) ([]domain.BroadcastTask, error) {
	return s.tasks.ListTasks(ctx, filter)
}

// Report возвращает отчёт: для завершённой задачи сохранённый, иначе построенный по журналу.
func (s *Service) Report(ctx context.Context, taskID int64) (domain.DeliveryReport, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == domain.TaskCompleted && task.Report != nil {
		return task.Report, nil
	}
	return s.tracker.Report(ctx, taskID)
}
