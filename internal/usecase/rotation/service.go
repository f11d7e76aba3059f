// Package rotation выбирает тему дня и создаёт ежедневную рассылку.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
	"tg-broadcast-bot/internal/usecase/broadcast"
	"tg-broadcast-bot/internal/usecase/settings"
	"tg-broadcast-bot/internal/usecase/themes"
)

// lockTTL покрывает только создание задачи: ежедневную задачу за день ищет hasDaily,
// а замок, оставленный упавшим процессом, истекает до следующего обхода просроченного.
const lockTTL = 10 * time.Minute

// TaskCreator создаёт задачи рассылки.
type TaskCreator interface {
	Create(ctx context.Context, req broadcast.Request) (domain.BroadcastTask, error)
	EnqueueDue(ctx context.Context) (int, error)
}

// SettingsSource отдаёт снимок настроек.
type SettingsSource interface {
	Snapshot(ctx context.Context) (domain.Settings, error)
}

// Result описывает итог ежедневного запуска.
type Result struct {
	Task    domain.BroadcastTask
	Theme   domain.Theme
	Created bool
}

// Service выполняет ежедневную ротацию тем.
type Service struct {
	themes   *themes.Service
	tasks    domain.TaskRepo
	creator  TaskCreator
	settings SettingsSource
	locker   domain.Locker
	log      zerolog.Logger
	now      func() time.Time
}

// NewService создаёт сервис ротации.
func NewService(themeSvc *themes.Service, tasks domain.TaskRepo, creator TaskCreator, src SettingsSource, locker domain.Locker, logger zerolog.Logger) *Service {
	return &Service{
		themes:   themeSvc,
		tasks:    tasks,
		creator:  creator,
		settings: src,
		locker:   locker,
		log:      logger.With().Str("component", "rotation").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Pick выбирает тему на день now: назначенная на сегодня, затем просроченная, затем первая из очереди.
func (s *Service) Pick(ctx context.Context, now time.Time, loc *time.Location) (domain.Theme, error) {
	due, err := s.themes.DueOn(ctx, now, loc)
	if err != nil {
		return domain.Theme{}, err
	}
	if len(due) > 0 {
		return due[0], nil
	}
	dayStart, _ := themes.DayBounds(now, loc)
	overdue, err := s.themes.Overdue(ctx, dayStart)
	if err != nil {
		return domain.Theme{}, err
	}
	if len(overdue) > 0 {
		return overdue[0], nil
	}
	theme, err := s.themes.NextQueued(ctx, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Theme{}, domain.ErrNoTheme
	}
	return theme, err
}

// RunDaily создаёт ежедневную задачу, если за текущий день её ещё нет.
// Повторный вызов в тот же день ничего не делает и возвращает Created = false.
func (s *Service) RunDaily(ctx context.Context) (Result, error) {
	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("настройки: %w", err)
	}
	now := s.now()
	loc := snap.Location
	if loc == nil {
		loc = time.UTC
	}
	day := now.In(loc).Format(time.DateOnly)
	logger := s.log.With().Str("day", day).Logger()

	var res Result
	acquired, err := s.locker.Once(ctx, "rotation:daily:"+day, lockTTL, func(ctx context.Context) error {
		exists, err := s.hasDaily(ctx, now, loc)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		theme, err := s.Pick(ctx, now, loc)
		if err != nil {
			return err
		}
		task, err := s.creator.Create(ctx, broadcast.Request{
			Kind:         domain.TaskDaily,
			ThemeID:      &theme.ID,
			Content:      theme.Snapshot(),
			Audience:     domain.AudienceSpec{Kind: domain.AudienceAllSubscribedActive},
			ScheduledFor: now,
			Cause:        domain.TaskCauseScheduled,
		})
		if err != nil {
			return err
		}
		res = Result{Task: task, Theme: theme, Created: true}
		return nil
	})
	switch {
	case errors.Is(err, domain.ErrNoTheme):
		metrics.RotationRunsTotal.WithLabelValues("no_theme").Inc()
		logger.Warn().Msg("rotation: нет темы для ежедневной рассылки")
		return Result{}, err
	case err != nil:
		metrics.RotationRunsTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("rotation: ошибка ежедневной рассылки")
		return Result{}, err
	case !acquired || !res.Created:
		metrics.RotationRunsTotal.WithLabelValues("skipped").Inc()
		logger.Debug().Msg("rotation: ежедневная рассылка уже создана")
		return Result{}, nil
	}
	metrics.RotationRunsTotal.WithLabelValues("created").Inc()
	logger.Info().
		Int64("task_id", res.Task.ID).
		Int64("theme_id", res.Theme.ID).
		Int("recipients", len(res.Task.Recipients)).
		Msg("rotation: ежедневная рассылка создана")
	return res, nil
}

func (s *Service) hasDaily(ctx context.Context, now time.Time, loc *time.Location) (bool, error) {
	start, _ := themes.DayBounds(now, loc)
	exists, err := s.tasks.HasTask(ctx, domain.TaskDaily, start, start.AddDate(0, 0, 1))
	if err != nil {
		return false, fmt.Errorf("проверка ежедневной задачи: %w", err)
	}
	return exists, nil
}

// SweepResult: итог обхода просроченного.
type SweepResult struct {
	Overdue  []int64
	CaughtUp bool
	Enqueued int
}

// SweepOverdue сообщает о просроченных темах, догоняет пропущенную ежедневную рассылку
// и ставит в очередь задачи, время которых наступило.
func (s *Service) SweepOverdue(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("настройки: %w", err)
	}
	now := s.now()
	loc := snap.Location
	if loc == nil {
		loc = time.UTC
	}

	dayStart, _ := themes.DayBounds(now, loc)
	overdue, err := s.themes.Overdue(ctx, dayStart)
	if err != nil {
		return res, err
	}
	metrics.OverdueThemes.Set(float64(len(overdue)))
	for _, t := range overdue {
		res.Overdue = append(res.Overdue, t.ID)
	}
	if len(overdue) > 0 {
		s.log.Warn().Ints64("theme_ids", res.Overdue).Msg("rotation: есть просроченные темы")
	}

	if passed, err := dailyTimePassed(now, loc, snap.DailyTime); err != nil {
		s.log.Warn().Err(err).Str("daily_time", snap.DailyTime).Msg("rotation: некорректное время рассылки")
	} else if passed {
		exists, err := s.hasDaily(ctx, now, loc)
		if err != nil {
			return res, err
		}
		if !exists {
			s.log.Info().Msg("rotation: ежедневная рассылка пропущена, запускаем")
			r, err := s.RunDaily(ctx)
			if err != nil && !errors.Is(err, domain.ErrNoTheme) {
				return res, err
			}
			res.CaughtUp = r.Created
		}
	}

	n, err := s.creator.EnqueueDue(ctx)
	if err != nil {
		return res, err
	}
	res.Enqueued = n
	return res, nil
}

func dailyTimePassed(now time.Time, loc *time.Location, clock string) (bool, error) {
	h, m, err := settings.ParseClock(clock)
	if err != nil {
		return false, err
	}
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
	return !local.Before(at), nil
}
