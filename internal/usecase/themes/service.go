package themes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tg-broadcast-bot/internal/domain"
)

// ErrEmptyTitle возвращается при попытке сохранить тему без заголовка.
var ErrEmptyTitle = errors.New("у темы нет заголовка")

const defaultPageSize = 10

// Service управляет темами и выбирает, что отправлять.
type Service struct {
	repo domain.ThemeRepo
	now  func() time.Time
}

// NewService создаёт сервис тем.
func NewService(repo domain.ThemeRepo) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Input: поля новой темы.
type Input struct {
	Title        string
	Text         string
	Media        *domain.Media
	Buttons      []domain.Button
	ScheduleDate *time.Time
}

// Patch: частичное обновление темы. nil-поля не меняются.
type Patch struct {
	Title   *string
	Text    *string
	Media   **domain.Media
	Buttons *[]domain.Button
}

func validate(t domain.Theme) error {
	if strings.TrimSpace(t.Title) == "" {
		return ErrEmptyTitle
	}
	return t.Snapshot().Validate()
}

// Create сохраняет новую тему.
func (s *Service) Create(ctx context.Context, in Input) (domain.Theme, error) {
	theme := domain.Theme{
		Title:        strings.TrimSpace(in.Title),
		Text:         in.Text,
		Media:        in.Media,
		Buttons:      in.Buttons,
		ScheduleDate: in.ScheduleDate,
		CreatedAt:    s.now(),
	}
	if err := validate(theme); err != nil {
		return domain.Theme{}, err
	}
	created, err := s.repo.CreateTheme(ctx, theme)
	if err != nil {
		return domain.Theme{}, fmt.Errorf("сохранение темы: %w", err)
	}
	return created, nil
}

// Get возвращает тему.
func (s *Service) Get(ctx context.Context, id int64) (domain.Theme, error) {
	return s.repo.GetTheme(ctx, id)
}

// List возвращает страницу тем, новые первыми.
func (s *Service) List(ctx context.Context, filter domain.ThemeFilter) ([]domain.Theme, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	items, err := s.repo.ListThemes(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("список тем: %w", err)
	}
	total, err := s.repo.CountThemes(ctx, domain.ThemeFilter{IncludeSent: filter.IncludeSent, Scheduled: filter.Scheduled, Query: filter.Query})
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт тем: %w", err)
	}
	return items, total, nil
}

// Search ищет темы по заголовку и тексту, включая отправленные.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]domain.Theme, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	items, _, err := s.List(ctx, domain.ThemeFilter{IncludeSent: true, Query: query, Limit: limit})
	return items, err
}

// Stats возвращает сводку по темам.
func (s *Service) Stats(ctx context.Context) (domain.ThemeStats, error) {
	return s.repo.ThemeStats(ctx)
}

// Update применяет частичное обновление к неотправленной теме.
func (s *Service) Update(ctx context.Context, id int64, patch Patch) (domain.Theme, error) {
	theme, err := s.repo.GetTheme(ctx, id)
	if err != nil {
		return domain.Theme{}, err
	}
	if theme.IsSent {
		return domain.Theme{}, domain.ErrThemeSent
	}
	if patch.Title != nil {
		theme.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Text != nil {
		theme.Text = *patch.Text
	}
	if patch.Media != nil {
		theme.Media = *patch.Media
	}
	if patch.Buttons != nil {
		theme.Buttons = *patch.Buttons
	}
	if err := validate(theme); err != nil {
		return domain.Theme{}, err
	}
	return s.repo.UpdateTheme(ctx, theme)
}

// Delete удаляет неотправленную тему.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.repo.DeleteTheme(ctx, id)
}

// Schedule назначает теме дату отправки.
func (s *Service) Schedule(ctx context.Context, id int64, at time.Time) (domain.Theme, error) {
	theme, err := s.repo.GetTheme(ctx, id)
	if err != nil {
		return domain.Theme{}, err
	}
	if theme.IsSent {
		return domain.Theme{}, domain.ErrThemeSent
	}
	theme.ScheduleDate = &at
	return s.repo.UpdateTheme(ctx, theme)
}

// Unschedule возвращает тему в общую очередь.
func (s *Service) Unschedule(ctx context.Context, id int64) (domain.Theme, error) {
	theme, err := s.repo.GetTheme(ctx, id)
	if err != nil {
		return domain.Theme{}, err
	}
	if theme.IsSent {
		return domain.Theme{}, domain.ErrThemeSent
	}
	theme.ScheduleDate = nil
	return s.repo.UpdateTheme(ctx, theme)
}

// Duplicate создаёт неотправленную копию темы в очереди.
// Пустой title даёт заголовок "<исходный> (копия)".
func (s *Service) Duplicate(ctx context.Context, id int64, title string) (domain.Theme, error) {
	src, err := s.repo.GetTheme(ctx, id)
	if err != nil {
		return domain.Theme{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = src.Title + " (копия)"
	}
	content := src.Snapshot()
	return s.Create(ctx, Input{
		Title:   title,
		Text:    content.Text,
		Media:   content.Media,
		Buttons: content.Buttons,
	})
}

// MarkSent отмечает тему отправленной. Повторный вызов ничего не меняет.
func (s *Service) MarkSent(ctx context.Context, id int64) (bool, error) {
	return s.repo.MarkThemeSent(ctx, id, s.now())
}
