package users

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-broadcast-bot/internal/adapters/memory/memorytest"
	"tg-broadcast-bot/internal/domain"
)

type stubVerifier struct {
	members map[int64]bool
	fail    map[int64]bool
}

func (s stubVerifier) IsMember(_ context.Context, channelID, _ int64) (bool, error) {
	if s.fail[channelID] {
		return true, errors.New("Bad Request: chat not found")
	}
	return s.members[channelID], nil
}

type stubChannels []int64

func (c stubChannels) RequiredChannels(context.Context) ([]int64, error) { return c, nil }

func TestTouchCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	store := memorytest.NewStore()
	svc := NewService(store, stubVerifier{}, stubChannels(nil), zerolog.Nop())

	u, created, err := svc.Touch(ctx, domain.Profile{TGUserID: 55, Username: "old"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, u.IsActive)
	assert.False(t, u.IsSubscribed)

	u2, created, err := svc.Touch(ctx, domain.Profile{TGUserID: 55, Username: "new", FirstName: "Анна"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, u2.ID)
	assert.Equal(t, "new", u2.Username)
	assert.Equal(t, "Анна", u2.FirstName)
}

func TestRefreshSubscription(t *testing.T) {
	ctx := context.Background()
	store := memorytest.NewStore()

	t.Run("все каналы", func(t *testing.T) {
		svc := NewService(store, stubVerifier{members: map[int64]bool{-1: true, -2: true}}, stubChannels{-1, -2}, zerolog.Nop())
		u, _, err := svc.Touch(ctx, domain.Profile{TGUserID: 1})
		require.NoError(t, err)

		u, missing, err := svc.RefreshSubscription(ctx, u)
		require.NoError(t, err)
		assert.True(t, u.IsSubscribed)
		assert.Empty(t, missing)
		assert.Equal(t, []int64{-1, -2}, u.Subscriptions)

		stored, err := store.GetUserByTGID(ctx, 1)
		require.NoError(t, err)
		assert.True(t, stored.IsSubscribed)
	})

	t.Run("ошибка проверки считается отсутствием подписки", func(t *testing.T) {
		svc := NewService(store, stubVerifier{members: map[int64]bool{-1: true}, fail: map[int64]bool{-2: true}}, stubChannels{-1, -2}, zerolog.Nop())
		u, err := store.GetUserByTGID(ctx, 1)
		require.NoError(t, err)

		u, missing, err := svc.RefreshSubscription(ctx, u)
		require.NoError(t, err)
		assert.False(t, u.IsSubscribed)
		assert.Equal(t, []int64{-2}, missing)
	})

	t.Run("без обязательных каналов", func(t *testing.T) {
		svc := NewService(store, stubVerifier{}, stubChannels(nil), zerolog.Nop())
		u, _, err := svc.Touch(ctx, domain.Profile{TGUserID: 2})
		require.NoError(t, err)

		u, _, err = svc.RefreshSubscription(ctx, u)
		require.NoError(t, err)
		assert.True(t, u.IsSubscribed)
	})
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	store := memorytest.NewStore()
	svc := NewService(store, stubVerifier{}, stubChannels(nil), zerolog.Nop())
	_, _, err := svc.Touch(ctx, domain.Profile{TGUserID: 9})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, 9))
	u, err := store.GetUserByTGID(ctx, 9)
	require.NoError(t, err)
	assert.False(t, u.IsActive)

	assert.ErrorIs(t, svc.Deactivate(ctx, 10), domain.ErrNotFound)
}
