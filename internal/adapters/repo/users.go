package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
)

const userColumns = `id, tg_user_id, username, first_name, last_name, is_active, is_subscribed, subscriptions, theme_history, registered_at, last_delivery_at`

func scanUser(row scanner, extra ...any) (domain.User, error) {
	var (
		u            domain.User
		lastDelivery sql.NullTime
	)
	dest := []any{&u.ID, &u.TGUserID, &u.Username, &u.FirstName, &u.LastName, &u.IsActive, &u.IsSubscribed, &u.Subscriptions, &u.ThemeHistory, &u.RegisteredAt, &lastDelivery}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.User{}, err
	}
	if lastDelivery.Valid {
		ts := lastDelivery.Time
		u.LastDeliveryAt = &ts
	}
	return u, nil
}

func collectUsers(rows pgx.Rows) ([]domain.User, error) {
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpsertUser создаёт пользователя или обновляет профиль. Обращение пользователя снова делает его активным.
func (p *Postgres) UpsertUser(ctx context.Context, profile domain.Profile, now time.Time) (domain.User, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	var created bool
	start := time.Now()
	u, err := scanUser(p.pool.QueryRow(ctx, `
INSERT INTO users (tg_user_id, username, first_name, last_name, registered_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tg_user_id) DO UPDATE SET username = EXCLUDED.username, first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name, is_active = TRUE
RETURNING `+userColumns+`, (xmax = 0) AS inserted
`, profile.TGUserID, profile.Username, profile.FirstName, profile.LastName, now), &created)
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	if err != nil {
		return domain.User{}, false, err
	}
	return u, created, nil
}

// GetUserByTGID ищет пользователя по Telegram id.
func (p *Postgres) GetUserByTGID(ctx context.Context, tgUserID int64) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	u, err := scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE tg_user_id=$1`, tgUserID))
	metrics.ObserveNetworkRequest("postgres", "users_get_by_tgid", "users", start, err)
	return u, notFound(err)
}

func userWhere(f domain.AudienceFilter) *where {
	w := &where{}
	if f.Subscribed != nil {
		w.add("is_subscribed = ?", *f.Subscribed)
	}
	if f.Active != nil {
		w.add("is_active = ?", *f.Active)
	}
	if f.ChannelID != 0 {
		w.add("? = ANY(subscriptions)", f.ChannelID)
	}
	if f.RegisteredAfter != nil {
		w.add("registered_at > ?", *f.RegisteredAfter)
	}
	if f.RegisteredBefore != nil {
		w.add("registered_at < ?", *f.RegisteredBefore)
	}
	if f.NotSeenThemeID != 0 {
		w.add("NOT (? = ANY(theme_history))", f.NotSeenThemeID)
	}
	return w
}

// ListUsers возвращает пользователей по фильтру в порядке id.
func (p *Postgres) ListUsers(ctx context.Context, f domain.AudienceFilter) ([]domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	w := userWhere(f)
	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+userColumns+` FROM users`+w.sql()+` ORDER BY id`, w.args...)
	metrics.ObserveNetworkRequest("postgres", "users_list", "users", start, err)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

// CountUsers считает пользователей по фильтру.
func (p *Postgres) CountUsers(ctx context.Context, f domain.AudienceFilter) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	w := userWhere(f)
	var n int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM users`+w.sql(), w.args...).Scan(&n)
	metrics.ObserveNetworkRequest("postgres", "users_count", "users", start, err)
	return n, err
}

// ListUsersByTGIDs возвращает известных пользователей из списка.
func (p *Postgres) ListUsersByTGIDs(ctx context.Context, ids []int64) ([]domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE tg_user_id = ANY($1) ORDER BY id`, ids)
	metrics.ObserveNetworkRequest("postgres", "users_list_by_tgids", "users", start, err)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

// SetSubscription обновляет статус подписки.
func (p *Postgres) SetSubscription(ctx context.Context, userID int64, subscribed bool, channels []int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	if channels == nil {
		channels = []int64{}
	}
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE users SET is_subscribed=$2, subscriptions=$3 WHERE id=$1`, userID, subscribed, channels)
	metrics.ObserveNetworkRequest("postgres", "users_set_subscription", "users", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeactivateUser снимает флаг активности.
func (p *Postgres) DeactivateUser(ctx context.Context, userID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE users SET is_active=FALSE WHERE id=$1`, userID)
	metrics.ObserveNetworkRequest("postgres", "users_deactivate", "users", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordThemeDelivery обновляет историю тем и время последней доставки под блокировкой строки.
func (p *Postgres) RecordThemeDelivery(ctx context.Context, userID, themeID int64, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	return p.inTx(ctx, "users", func(tx pgx.Tx) error {
		var history []int64
		start := time.Now()
		err := tx.QueryRow(ctx, `SELECT theme_history FROM users WHERE id=$1 FOR UPDATE`, userID).Scan(&history)
		metrics.ObserveNetworkRequest("postgres", "users_lock_history", "users", start, err)
		if err != nil {
			return notFound(err)
		}
		if themeID != 0 {
			history = domain.AppendThemeHistory(history, themeID)
		}
		if history == nil {
			history = []int64{}
		}
		start = time.Now()
		_, err = tx.Exec(ctx, `UPDATE users SET theme_history=$2, last_delivery_at=$3 WHERE id=$1`, userID, history, at)
		metrics.ObserveNetworkRequest("postgres", "users_record_theme", "users", start, err)
		return err
	})
}
