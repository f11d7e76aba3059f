package users

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-broadcast-bot/internal/domain"
)

// ChannelSource возвращает список обязательных каналов.
type ChannelSource interface {
	RequiredChannels(ctx context.Context) ([]int64, error)
}

// Service управляет справочником получателей.
type Service struct {
	repo     domain.UserRepo
	verifier domain.SubscriptionVerifier
	channels ChannelSource
	log      zerolog.Logger
	now      func() time.Time
}

// NewService создаёт сервис пользователей.
func NewService(repo domain.UserRepo, verifier domain.SubscriptionVerifier, channels ChannelSource, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		verifier: verifier,
		channels: channels,
		log:      logger.With().Str("component", "users").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Touch регистрирует пользователя при первом обращении и обновляет профиль при следующих.
func (s *Service) Touch(ctx context.Context, p domain.Profile) (domain.User, bool, error) {
	u, created, err := s.repo.UpsertUser(ctx, p, s.now())
	if err != nil {
		return domain.User{}, false, fmt.Errorf("регистрация пользователя %d: %w", p.TGUserID, err)
	}
	if created {
		s.log.Info().Int64("tg_user_id", p.TGUserID).Msg("users: новый пользователь")
	}
	return u, created, nil
}

// RefreshSubscription проверяет членство во всех обязательных каналах и сохраняет результат.
// Ошибка проверки канала считается отсутствием подписки.
func (s *Service) RefreshSubscription(ctx context.Context, u domain.User) (domain.User, []int64, error) {
	required, err := s.channels.RequiredChannels(ctx)
	if err != nil {
		return u, nil, fmt.Errorf("список обязательных каналов: %w", err)
	}
	var member, missing []int64
	for _, ch := range required {
		ok, err := s.verifier.IsMember(ctx, ch, u.TGUserID)
		if err != nil {
			s.log.Warn().Err(err).Int64("channel_id", ch).Int64("tg_user_id", u.TGUserID).Msg("users: проверка подписки не удалась")
			ok = false
		}
		if ok {
			member = append(member, ch)
		} else {
			missing = append(missing, ch)
		}
	}
	subscribed := len(missing) == 0
	if subscribed != u.IsSubscribed || !sameChannels(member, u.Subscriptions) {
		if err := s.repo.SetSubscription(ctx, u.ID, subscribed, member); err != nil {
			return u, missing, fmt.Errorf("сохранение подписки: %w", err)
		}
		u.IsSubscribed = subscribed
		u.Subscriptions = member
	}
	return u, missing, nil
}

// Count возвращает число пользователей по фильтру.
func (s *Service) Count(ctx context.Context, filter domain.AudienceFilter) (int, error) {
	return s.repo.CountUsers(ctx, filter)
}

// List возвращает пользователей по фильтру.
func (s *Service) List(ctx context.Context, filter domain.AudienceFilter) ([]domain.User, error) {
	return s.repo.ListUsers(ctx, filter)
}

// Deactivate помечает пользователя недоступным.
func (s *Service) Deactivate(ctx context.Context, tgUserID int64) error {
	u, err := s.repo.GetUserByTGID(ctx, tgUserID)
	if err != nil {
		return err
	}
	return s.repo.DeactivateUser(ctx, u.ID)
}

func sameChannels(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
