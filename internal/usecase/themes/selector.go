package themes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tg-broadcast-bot/internal/domain"
)

// NextQueued возвращает самую старую тему из очереди, пропуская exclude.
// Если подходящей темы нет, возвращает domain.ErrNotFound.
func (s *Service) NextQueued(ctx context.Context, exclude []int64) (domain.Theme, error) {
	theme, err := s.repo.NextQueuedTheme(ctx, exclude)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Theme{}, err
		}
		return domain.Theme{}, fmt.Errorf("выбор темы из очереди: %w", err)
	}
	return theme, nil
}

// DueOn возвращает неотправленные темы, назначенные на календарный день date в зоне loc.
func (s *Service) DueOn(ctx context.Context, date time.Time, loc *time.Location) ([]domain.Theme, error) {
	from, to := DayBounds(date, loc)
	items, err := s.repo.ThemesScheduledBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("темы на %s: %w", from.Format(time.DateOnly), err)
	}
	return items, nil
}

// Overdue возвращает неотправленные темы с датой раньше asOf, самые старые первыми.
func (s *Service) Overdue(ctx context.Context, asOf time.Time) ([]domain.Theme, error) {
	items, err := s.repo.OverdueThemes(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("просроченные темы: %w", err)
	}
	return items, nil
}

// DayBounds возвращает начало и конец календарного дня date в зоне loc.
func DayBounds(date time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := date.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return start, end
}
