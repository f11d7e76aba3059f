package themes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-broadcast-bot/internal/adapters/memory/memorytest"
	"tg-broadcast-bot/internal/domain"
)

func newTestService(t *testing.T, start time.Time) (*Service, *time.Time) {
	t.Helper()
	svc := NewService(memorytest.NewStore())
	clock := start
	svc.now = func() time.Time { return clock }
	return svc, &clock
}

func TestNextQueuedReturnsOldestFirst(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	a, err := svc.Create(ctx, Input{Title: "A", Text: "первая"})
	require.NoError(t, err)
	*clock = clock.AddDate(0, 0, 1)
	b, err := svc.Create(ctx, Input{Title: "B", Text: "вторая"})
	require.NoError(t, err)
	sched := clock.AddDate(0, 0, 5)
	_, err = svc.Create(ctx, Input{Title: "C", Text: "по расписанию", ScheduleDate: &sched})
	require.NoError(t, err)

	got, err := svc.NextQueued(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	got, err = svc.NextQueued(ctx, []int64{a.ID})
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = svc.NextQueued(ctx, []int64{a.ID, b.ID})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDueOnAndOverdue(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC))

	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	theme, err := svc.Create(ctx, Input{Title: "весна", Text: "текст", ScheduleDate: &at})
	require.NoError(t, err)

	due, err := svc.DueOn(ctx, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, theme.ID, due[0].ID)

	overdue, err := svc.Overdue(ctx, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, theme.ID, overdue[0].ID)

	notYet, err := svc.Overdue(ctx, at)
	require.NoError(t, err)
	assert.Empty(t, notYet)

	_, err = svc.MarkSent(ctx, theme.ID)
	require.NoError(t, err)
	due, err = svc.DueOn(ctx, at, time.UTC)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDueOnUsesLocationDay(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC))
	msk := time.FixedZone("MSK", 3*60*60)

	// 22:30 UTC 29 февраля по Москве уже 1 марта.
	at := time.Date(2024, 2, 29, 22, 30, 0, 0, time.UTC)
	_, err := svc.Create(ctx, Input{Title: "поздно", Text: "x", ScheduleDate: &at})
	require.NoError(t, err)

	due, err := svc.DueOn(ctx, time.Date(2024, 3, 1, 12, 0, 0, 0, msk), msk)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	due, err = svc.DueOn(ctx, time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC), time.UTC)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestDuplicateSentScheduledTheme(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	src, err := svc.Create(ctx, Input{
		Title:        "оригинал",
		Text:         "текст",
		Media:        &domain.Media{Kind: domain.MediaPhoto, FileID: "file-1", Caption: "подпись"},
		Buttons:      []domain.Button{{Text: "Открыть", URL: "https://example.com"}},
		ScheduleDate: &at,
	})
	require.NoError(t, err)
	marked, err := svc.MarkSent(ctx, src.ID)
	require.NoError(t, err)
	require.True(t, marked)

	dup, err := svc.Duplicate(ctx, src.ID, "")
	require.NoError(t, err)

	assert.NotEqual(t, src.ID, dup.ID)
	assert.False(t, dup.IsSent)
	assert.Nil(t, dup.ScheduleDate)
	assert.Equal(t, "оригинал (копия)", dup.Title)
	assert.Equal(t, src.Text, dup.Text)
	assert.Equal(t, src.Media, dup.Media)
	assert.Equal(t, src.Buttons, dup.Buttons)

	named, err := svc.Duplicate(ctx, src.ID, "новая")
	require.NoError(t, err)
	assert.Equal(t, "новая", named.Title)
}

func TestSentThemeIsImmutable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	theme, err := svc.Create(ctx, Input{Title: "t", Text: "x"})
	require.NoError(t, err)
	_, err = svc.MarkSent(ctx, theme.ID)
	require.NoError(t, err)

	again, err := svc.MarkSent(ctx, theme.ID)
	require.NoError(t, err)
	assert.False(t, again)

	title := "другое"
	_, err = svc.Update(ctx, theme.ID, Patch{Title: &title})
	assert.ErrorIs(t, err, domain.ErrThemeSent)
	_, err = svc.Schedule(ctx, theme.ID, time.Now())
	assert.ErrorIs(t, err, domain.ErrThemeSent)
	assert.ErrorIs(t, svc.Delete(ctx, theme.ID), domain.ErrThemeSent)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, time.Now())

	_, err := svc.Create(ctx, Input{Title: " ", Text: "x"})
	assert.ErrorIs(t, err, ErrEmptyTitle)

	_, err = svc.Create(ctx, Input{Title: "t", Buttons: []domain.Button{{Text: "x"}}, Text: "y"})
	assert.ErrorIs(t, err, domain.ErrInvalidContent)
}

func TestStatsListAndSearch(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	at := clock.AddDate(0, 0, 3)
	first, err := svc.Create(ctx, Input{Title: "Кофе", Text: "про зёрна"})
	require.NoError(t, err)
	*clock = clock.Add(time.Minute)
	_, err = svc.Create(ctx, Input{Title: "Чай", Text: "про листья", ScheduleDate: &at})
	require.NoError(t, err)
	*clock = clock.Add(time.Minute)
	_, err = svc.Create(ctx, Input{Title: "Вода", Text: "просто вода"})
	require.NoError(t, err)
	_, err = svc.MarkSent(ctx, first.ID)
	require.NoError(t, err)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ThemeStats{Total: 3, Sent: 1, Scheduled: 1, Queue: 1, Pending: 2}, st)

	items, total, err := svc.List(ctx, domain.ThemeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)
	assert.Equal(t, "Вода", items[0].Title)

	found, err := svc.Search(ctx, "кофе", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, first.ID, found[0].ID)

	back, err := svc.Unschedule(ctx, items[1].ID)
	require.NoError(t, err)
	assert.True(t, back.Queued())
}
