package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-broadcast-bot/internal/adapters/memory"
	"tg-broadcast-bot/internal/adapters/memory/memorytest"
	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/usecase/audience"
	"tg-broadcast-bot/internal/usecase/broadcast"
	"tg-broadcast-bot/internal/usecase/delivery"
	"tg-broadcast-bot/internal/usecase/settings"
	"tg-broadcast-bot/internal/usecase/themes"
)

type fixture struct {
	store *memorytest.Store
	svc   *Service
	now   time.Time
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	store := memorytest.NewStore()
	store.PutUser(domain.User{TGUserID: 11, IsActive: true, IsSubscribed: true})
	store.PutUser(domain.User{TGUserID: 12, IsActive: true, IsSubscribed: true})

	cfg := settings.NewService(store, settings.Defaults{
		RequiredChannels: "[]",
		DailyTime:        "09:00",
		Timezone:         "UTC",
		RateLimit:        50,
	})
	tasks := broadcast.NewService(store, store, audience.NewResolver(store), delivery.NewTracker(store, store), nil, nil, cfg, zerolog.Nop())
	svc := NewService(themes.NewService(store), store, tasks, cfg, memory.NewLocker(), zerolog.Nop())
	svc.now = func() time.Time { return now }
	return &fixture{store: store, svc: svc, now: now}
}

func (f *fixture) theme(t *testing.T, title string, created time.Time, at *time.Time) domain.Theme {
	t.Helper()
	theme, err := f.store.CreateTheme(context.Background(), domain.Theme{Title: title, Text: title, CreatedAt: created, ScheduleDate: at})
	require.NoError(t, err)
	return theme
}

func ptr(t time.Time) *time.Time { return &t }

func TestPickPriority(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now)

	queued := f.theme(t, "очередь", now.Add(-72*time.Hour), nil)
	overdue := f.theme(t, "просрочена", now.Add(-48*time.Hour), ptr(now.Add(-24*time.Hour)))
	today := f.theme(t, "сегодня", now.Add(-24*time.Hour), ptr(now.Add(5*time.Hour)))
	f.theme(t, "завтра", now.Add(-24*time.Hour), ptr(now.Add(26*time.Hour)))

	order := []int64{today.ID, overdue.ID, queued.ID}
	for _, want := range order {
		got, err := f.svc.Pick(ctx, now, time.UTC)
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
		_, err = f.store.MarkThemeSent(ctx, got.ID, now)
		require.NoError(t, err)
	}

	_, err := f.svc.Pick(ctx, now, time.UTC)
	assert.ErrorIs(t, err, domain.ErrNoTheme)
}

func TestRunDailyCreatesOncePerDay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	theme := f.theme(t, "тема", now.Add(-time.Hour), nil)

	res, err := f.svc.RunDaily(ctx)
	require.NoError(t, err)
	require.True(t, res.Created)
	assert.Equal(t, domain.TaskDaily, res.Task.Kind)
	require.NotNil(t, res.Task.ThemeID)
	assert.Equal(t, theme.ID, *res.Task.ThemeID)
	assert.Len(t, res.Task.Recipients, 2)
	assert.Equal(t, domain.MessageDailyTheme, res.Task.MessageKind())

	res, err = f.svc.RunDaily(ctx)
	require.NoError(t, err)
	assert.False(t, res.Created)

	// другой процесс со своим замком видит задачу в хранилище
	f.svc.locker = memory.NewLocker()
	res, err = f.svc.RunDaily(ctx)
	require.NoError(t, err)
	assert.False(t, res.Created)

	tasks, err := f.store.ListTasks(ctx, domain.TaskFilter{Kind: domain.TaskDaily})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestRunDailyWithoutThemeCanRetry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now)

	_, err := f.svc.RunDaily(ctx)
	require.ErrorIs(t, err, domain.ErrNoTheme)

	f.theme(t, "появилась", now, nil)
	res, err := f.svc.RunDaily(ctx)
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestSweepCatchesUpMissedDay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 13, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	late := f.theme(t, "вчерашняя", now.Add(-72*time.Hour), ptr(now.Add(-30*time.Hour)))

	res, err := f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{late.ID}, res.Overdue)
	assert.True(t, res.CaughtUp)
	assert.Equal(t, 1, res.Enqueued)

	tasks, err := f.store.ListTasks(ctx, domain.TaskFilter{Kind: domain.TaskDaily})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, late.ID, *tasks[0].ThemeID)

	res, err = f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.False(t, res.CaughtUp)
}

func TestSweepBeforeDailyTimeDoesNotRun(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 7, 30, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.theme(t, "тема", now.Add(-time.Hour), nil)

	res, err := f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.False(t, res.CaughtUp)
	assert.Empty(t, res.Overdue)
	assert.Equal(t, 0, res.Enqueued)
}

// clockLocker: замок в памяти с управляемым временем.
type clockLocker struct {
	now  func() time.Time
	held map[string]time.Time
}

func (l *clockLocker) Once(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	if exp, ok := l.held[key]; ok && l.now().Before(exp) {
		return false, nil
	}
	l.held[key] = l.now().Add(ttl)
	if err := fn(ctx); err != nil {
		delete(l.held, key)
		return true, err
	}
	return true, nil
}

func TestSweepRecoversAfterStaleLock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.theme(t, "тема", now.Add(-time.Hour), nil)

	clock := now
	f.svc.now = func() time.Time { return clock }
	locker := &clockLocker{now: func() time.Time { return clock }, held: map[string]time.Time{}}
	f.svc.locker = locker

	// процесс взял замок дня и упал, не создав задачу
	_, err := locker.Once(ctx, "rotation:daily:2024-03-15", lockTTL, func(context.Context) error { return nil })
	require.NoError(t, err)

	res, err := f.svc.RunDaily(ctx)
	require.NoError(t, err)
	assert.False(t, res.Created)

	clock = now.Add(15 * time.Minute)
	sweep, err := f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.True(t, sweep.CaughtUp)

	tasks, err := f.store.ListTasks(ctx, domain.TaskFilter{Kind: domain.TaskDaily})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
