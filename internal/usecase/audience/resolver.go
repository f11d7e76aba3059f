package audience

import (
	"context"
	"fmt"

	"tg-broadcast-bot/internal/domain"
)

// Resolution: зафиксированная аудитория задачи.
type Resolution struct {
	Recipients []domain.Recipient
	// Skipped: Telegram id из явного списка, которых нет среди активных пользователей.
	Skipped []int64
}

// Resolver превращает описание аудитории в список получателей.
type Resolver struct {
	users domain.UserRepo
}

// NewResolver создаёт резолвер.
func NewResolver(users domain.UserRepo) *Resolver {
	return &Resolver{users: users}
}

// Resolve возвращает дедуплицированный упорядоченный список получателей на текущий момент.
func (r *Resolver) Resolve(ctx context.Context, spec domain.AudienceSpec) (Resolution, error) {
	if err := spec.Validate(); err != nil {
		return Resolution{}, err
	}
	switch spec.Kind {
	case domain.AudienceAllSubscribedActive:
		yes := true
		return r.byFilter(ctx, domain.AudienceFilter{Subscribed: &yes, Active: &yes})
	case domain.AudienceByFilter:
		return r.byFilter(ctx, *spec.Filter)
	default:
		return r.explicit(ctx, spec.TGUserIDs)
	}
}

func (r *Resolver) byFilter(ctx context.Context, filter domain.AudienceFilter) (Resolution, error) {
	users, err := r.users.ListUsers(ctx, filter)
	if err != nil {
		return Resolution{}, fmt.Errorf("выборка пользователей: %w", err)
	}
	seen := make(map[int64]struct{}, len(users))
	res := Resolution{Recipients: make([]domain.Recipient, 0, len(users))}
	for _, u := range users {
		if _, dup := seen[u.ID]; dup {
			continue
		}
		seen[u.ID] = struct{}{}
		res.Recipients = append(res.Recipients, domain.Recipient{UserID: u.ID, TGUserID: u.TGUserID})
	}
	return res, nil
}

// explicit сохраняет порядок входного списка. Неизвестные и неактивные id пропускаются.
func (r *Resolver) explicit(ctx context.Context, ids []int64) (Resolution, error) {
	users, err := r.users.ListUsersByTGIDs(ctx, ids)
	if err != nil {
		return Resolution{}, fmt.Errorf("поиск пользователей по списку: %w", err)
	}
	byTG := make(map[int64]domain.User, len(users))
	for _, u := range users {
		byTG[u.TGUserID] = u
	}
	var res Resolution
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		u, ok := byTG[id]
		if !ok || !u.IsActive {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		res.Recipients = append(res.Recipients, domain.Recipient{UserID: u.ID, TGUserID: u.TGUserID})
	}
	return res, nil
}
