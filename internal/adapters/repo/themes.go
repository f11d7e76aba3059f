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

const themeColumns = `id, title, text, media, buttons, schedule_date, is_sent, created_at, updated_at`

func scanTheme(row scanner) (domain.Theme, error) {
	var (
		t        domain.Theme
		media    []byte
		buttons  []byte
		schedule sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Text, &media, &buttons, &schedule, &t.IsSent, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Theme{}, err
	}
	if len(media) > 0 && string(media) != "null" {
		var m domain.Media
		if err := json.Unmarshal(media, &m); err != nil {
			return domain.Theme{}, fmt.Errorf("медиа темы %d: %w", t.ID, err)
		}
		t.Media = &m
	}
	if len(buttons) > 0 {
		if err := json.Unmarshal(buttons, &t.Buttons); err != nil {
			return domain.Theme{}, fmt.Errorf("кнопки темы %d: %w", t.ID, err)
		}
	}
	if schedule.Valid {
		ts := schedule.Time.UTC()
		t.ScheduleDate = &ts
	}
	return t, nil
}

func collectThemes(rows pgx.Rows) ([]domain.Theme, error) {
	defer rows.Close()
	var out []domain.Theme
	for rows.Next() {
		t, err := scanTheme(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func encodeThemeContent(t domain.Theme) ([]byte, []byte, error) {
	var media []byte
	if t.Media != nil {
		b, err := json.Marshal(t.Media)
		if err != nil {
			return nil, nil, err
		}
		media = b
	}
	buttons := t.Buttons
	if buttons == nil {
		buttons = []domain.Button{}
	}
	b, err := json.Marshal(buttons)
	if err != nil {
		return nil, nil, err
	}
	return media, b, nil
}

// CreateTheme сохраняет тему.
func (p *Postgres) CreateTheme(ctx context.Context, theme domain.Theme) (domain.Theme, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	media, buttons, err := encodeThemeContent(theme)
	if err != nil {
		return domain.Theme{}, err
	}
	if theme.CreatedAt.IsZero() {
		theme.CreatedAt = time.Now().UTC()
	}
	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO themes (title, text, media, buttons, schedule_date, is_sent, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
RETURNING `+themeColumns,
		theme.Title, theme.Text, media, buttons, theme.ScheduleDate, theme.IsSent, theme.CreatedAt)
	created, err := scanTheme(row)
	metrics.ObserveNetworkRequest("postgres", "themes_insert", "themes", start, err)
	return created, err
}

// GetTheme возвращает тему по id.
func (p *Postgres) GetTheme(ctx context.Context, id int64) (domain.Theme, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	t, err := scanTheme(p.pool.QueryRow(ctx, `SELECT `+themeColumns+` FROM themes WHERE id=$1`, id))
	metrics.ObserveNetworkRequest("postgres", "themes_get", "themes", start, err)
	return t, notFound(err)
}

func themeWhere(f domain.ThemeFilter) *where {
	w := &where{}
	if !f.IncludeSent {
		w.add("NOT is_sent")
	}
	if f.Scheduled != nil {
		if *f.Scheduled {
			w.add("schedule_date IS NOT NULL")
		} else {
			w.add("schedule_date IS NULL")
		}
	}
	if f.Query != "" {
		pattern := likePattern(f.Query)
		w.add("(title ILIKE ? OR text ILIKE ?)", pattern, pattern)
	}
	return w
}

// ListThemes возвращает темы по фильтру, новые первыми.
func (p *Postgres) ListThemes(ctx context.Context, f domain.ThemeFilter) ([]domain.Theme, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	w := themeWhere(f)
	query := `SELECT ` + themeColumns + ` FROM themes` + w.sql() + ` ORDER BY created_at DESC, id DESC` + w.page(f.Limit, f.Offset)
	start := time.Now()
	rows, err := p.pool.Query(ctx, query, w.args...)
	metrics.ObserveNetworkRequest("postgres", "themes_list", "themes", start, err)
	if err != nil {
		return nil, err
	}
	return collectThemes(rows)
}

// CountThemes считает темы по фильтру.
func (p *Postgres) CountThemes(ctx context.Context, f domain.ThemeFilter) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	w := themeWhere(f)
	var n int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM themes`+w.sql(), w.args...).Scan(&n)
	metrics.ObserveNetworkRequest("postgres", "themes_count", "themes", start, err)
	return n, err
}

// ThemeStats возвращает сводку по темам.
func (p *Postgres) ThemeStats(ctx context.Context) (domain.ThemeStats, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	var st domain.ThemeStats
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT count(*),
       count(*) FILTER (WHERE is_sent),
       count(*) FILTER (WHERE NOT is_sent AND schedule_date IS NOT NULL),
       count(*) FILTER (WHERE NOT is_sent AND schedule_date IS NULL)
FROM themes`).Scan(&st.Total, &st.Sent, &st.Scheduled, &st.Queue)
	metrics.ObserveNetworkRequest("postgres", "themes_stats", "themes", start, err)
	st.Pending = st.Scheduled + st.Queue
	return st, err
}

// UpdateTheme перезаписывает неотправленную тему.
func (p *Postgres) UpdateTheme(ctx context.Context, theme domain.Theme) (domain.Theme, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	media, buttons, err := encodeThemeContent(theme)
	if err != nil {
		return domain.Theme{}, err
	}
	start := time.Now()
	updated, err := scanTheme(p.pool.QueryRow(ctx, `
UPDATE themes SET title=$2, text=$3, media=$4, buttons=$5, schedule_date=$6, updated_at=now()
WHERE id=$1 AND NOT is_sent
RETURNING `+themeColumns,
		theme.ID, theme.Title, theme.Text, media, buttons, theme.ScheduleDate))
	metrics.ObserveNetworkRequest("postgres", "themes_update", "themes", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Theme{}, p.themeMissingOrSent(ctx, theme.ID)
	}
	return updated, err
}

// DeleteTheme удаляет неотправленную тему.
func (p *Postgres) DeleteTheme(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM themes WHERE id=$1 AND NOT is_sent`, id)
	metrics.ObserveNetworkRequest("postgres", "themes_delete", "themes", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.themeMissingOrSent(ctx, id)
	}
	return nil
}

func (p *Postgres) themeMissingOrSent(ctx context.Context, id int64) error {
	t, err := p.GetTheme(ctx, id)
	if err != nil {
		return err
	}
	if t.IsSent {
		return domain.ErrThemeSent
	}
	return fmt.Errorf("тема %d изменилась во время обновления", id)
}

// MarkThemeSent отмечает тему отправленной один раз.
func (p *Postgres) MarkThemeSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE themes SET is_sent=TRUE, updated_at=$2 WHERE id=$1 AND NOT is_sent`, id, at)
	metrics.ObserveNetworkRequest("postgres", "themes_mark_sent", "themes", start, err)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := p.GetTheme(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// NextQueuedTheme возвращает самую старую тему из очереди.
func (p *Postgres) NextQueuedTheme(ctx context.Context, exclude []int64) (domain.Theme, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	if exclude == nil {
		exclude = []int64{}
	}
	start := time.Now()
	t, err := scanTheme(p.pool.QueryRow(ctx, `
SELECT `+themeColumns+` FROM themes
WHERE NOT is_sent AND schedule_date IS NULL AND NOT (id = ANY($1))
ORDER BY created_at, id
LIMIT 1`, exclude))
	metrics.ObserveNetworkRequest("postgres", "themes_next_queued", "themes", start, err)
	return t, notFound(err)
}

// ThemesScheduledBetween возвращает неотправленные темы с датой в [from, to].
func (p *Postgres) ThemesScheduledBetween(ctx context.Context, from, to time.Time) ([]domain.Theme, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+themeColumns+` FROM themes
WHERE NOT is_sent AND schedule_date BETWEEN $1 AND $2
ORDER BY schedule_date, id`, from, to)
	metrics.ObserveNetworkRequest("postgres", "themes_scheduled_between", "themes", start, err)
	if err != nil {
		return nil, err
	}
	return collectThemes(rows)
}

// OverdueThemes возвращает неотправленные темы с датой раньше asOf.
func (p *Postgres) OverdueThemes(ctx context.Context, asOf time.Time) ([]domain.Theme, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+themeColumns+` FROM themes
WHERE NOT is_sent AND schedule_date < $1
ORDER BY schedule_date, id`, asOf)
	metrics.ObserveNetworkRequest("postgres", "themes_overdue", "themes", start, err)
	if err != nil {
		return nil, err
	}
	return collectThemes(rows)
}
