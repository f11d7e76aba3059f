package repo

import (
	"context"
	"time"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
)

// GetConfig возвращает настройку по ключу.
func (p *Postgres) GetConfig(ctx context.Context, key string) (domain.ConfigEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	var e domain.ConfigEntry
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT key, value, description, updated_at FROM config WHERE key=$1`, key).
		Scan(&e.Key, &e.Value, &e.Description, &e.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "config_get", "config", start, err)
	return e, notFound(err)
}

// SetConfig сохраняет настройку. Пустое описание не затирает существующее.
func (p *Postgres) SetConfig(ctx context.Context, e domain.ConfigEntry) (domain.ConfigEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	var out domain.ConfigEntry
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO config (key, value, description, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value,
    description = COALESCE(NULLIF(EXCLUDED.description, ''), config.description),
    updated_at = now()
RETURNING key, value, description, updated_at`, e.Key, e.Value, e.Description).
		Scan(&out.Key, &out.Value, &out.Description, &out.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "config_upsert", "config", start, err)
	return out, err
}

// ListConfig возвращает все настройки по ключу.
func (p *Postgres) ListConfig(ctx context.Context) ([]domain.ConfigEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT key, value, description, updated_at FROM config ORDER BY key`)
	metrics.ObserveNetworkRequest("postgres", "config_list", "config", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ConfigEntry
	for rows.Next() {
		var e domain.ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Description, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteConfig удаляет настройку.
func (p *Postgres) DeleteConfig(ctx context.Context, key string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM config WHERE key=$1`, key)
	metrics.ObserveNetworkRequest("postgres", "config_delete", "config", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
