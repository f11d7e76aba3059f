package audience

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-broadcast-bot/internal/adapters/memory/memorytest"
	"tg-broadcast-bot/internal/domain"
)

func seed(store *memorytest.Store) {
	store.PutUser(domain.User{ID: 1, TGUserID: 101, IsActive: true, IsSubscribed: true, Subscriptions: []int64{-1}})
	store.PutUser(domain.User{ID: 2, TGUserID: 102, IsActive: true, IsSubscribed: false})
	store.PutUser(domain.User{ID: 3, TGUserID: 103, IsActive: false, IsSubscribed: true})
	store.PutUser(domain.User{ID: 4, TGUserID: 104, IsActive: true, IsSubscribed: true, ThemeHistory: []int64{9}})
}

func tgIDs(rs []domain.Recipient) []int64 {
	out := make([]int64, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.TGUserID)
	}
	return out
}

func TestResolveAllSubscribedActive(t *testing.T) {
	store := memorytest.NewStore()
	seed(store)
	r := NewResolver(store)

	res, err := r.Resolve(context.Background(), domain.AudienceSpec{Kind: domain.AudienceAllSubscribedActive})
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 104}, tgIDs(res.Recipients))
	assert.Empty(t, res.Skipped)
}

func TestResolveExplicitKeepsOrderAndDedupes(t *testing.T) {
	store := memorytest.NewStore()
	seed(store)
	r := NewResolver(store)

	res, err := r.Resolve(context.Background(), domain.AudienceSpec{
		Kind:      domain.AudienceExplicit,
		TGUserIDs: []int64{104, 102, 104, 999, 103, 101},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{104, 102, 101}, tgIDs(res.Recipients))
	assert.Equal(t, []int64{999, 103}, res.Skipped)
}

func TestResolveFilter(t *testing.T) {
	store := memorytest.NewStore()
	seed(store)
	r := NewResolver(store)
	yes := true

	res, err := r.Resolve(context.Background(), domain.AudienceSpec{
		Kind:   domain.AudienceByFilter,
		Filter: &domain.AudienceFilter{Active: &yes, NotSeenThemeID: 9},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102}, tgIDs(res.Recipients))

	res, err = r.Resolve(context.Background(), domain.AudienceSpec{
		Kind:   domain.AudienceByFilter,
		Filter: &domain.AudienceFilter{ChannelID: -1},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{101}, tgIDs(res.Recipients))
}

func TestResolveRejectsInvalidSpec(t *testing.T) {
	r := NewResolver(memorytest.NewStore())

	_, err := r.Resolve(context.Background(), domain.AudienceSpec{Kind: domain.AudienceExplicit})
	assert.ErrorIs(t, err, domain.ErrInvalidAudience)

	_, err = r.Resolve(context.Background(), domain.AudienceSpec{Kind: "everyone"})
	assert.ErrorIs(t, err, domain.ErrInvalidAudience)
}
