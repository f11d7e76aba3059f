package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-broadcast-bot/internal/adapters/memory/memorytest"
	"tg-broadcast-bot/internal/domain"
)

func runningTask(t *testing.T, store *memorytest.Store) domain.BroadcastTask {
	t.Helper()
	ctx := context.Background()
	task, err := store.CreateTask(ctx, domain.BroadcastTask{Kind: domain.TaskManual, Content: domain.Content{Text: "x"}})
	require.NoError(t, err)
	task, err = store.StartTask(ctx, task.ID, time.Now())
	require.NoError(t, err)
	return task
}

func TestRecordIncrementsCounters(t *testing.T) {
	ctx := context.Background()
	store := memorytest.NewStore()
	tr := NewTracker(store, store)
	task := runningTask(t, store)

	for i, st := range []domain.DeliveryStatus{domain.DeliverySent, domain.DeliveryBlocked, domain.DeliveryFailed} {
		ok, err := tr.Record(ctx, Outcome{TaskID: &task.ID, Recipient: domain.Recipient{UserID: int64(i + 1)}, Kind: domain.MessageBroadcast, Status: st})
		require.NoError(t, err)
		assert.True(t, ok)
	}

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCounters{Attempted: 3, Delivered: 1, Failed: 2}, got.Counters)
}

func TestRecordRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	store := memorytest.NewStore()
	tr := NewTracker(store, store)
	task := runningTask(t, store)

	o := Outcome{TaskID: &task.ID, Recipient: domain.Recipient{UserID: 7, TGUserID: 70}, Kind: domain.MessageBroadcast, Status: domain.DeliverySent}
	ok, err := tr.Record(ctx, o)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.Record(ctx, o)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Counters.Attempted)
	assert.Len(t, store.Deliveries(), 1)
}

func TestRecordWithoutTask(t *testing.T) {
	store := memorytest.NewStore()
	tr := NewTracker(store, store)

	for i := 0; i < 2; i++ {
		ok, err := tr.Record(context.Background(), Outcome{Recipient: domain.Recipient{UserID: 1}, Kind: domain.MessageSubscriptionCheck, Status: domain.DeliverySent})
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Len(t, store.Deliveries(), 2)
}

func TestConcurrentRecordsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	store := memorytest.NewStore()
	tr := NewTracker(store, store)
	task := runningTask(t, store)

	var wg sync.WaitGroup
	for i := 1; i <= 200; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := tr.Record(ctx, Outcome{TaskID: &task.ID, Recipient: domain.Recipient{UserID: id}, Kind: domain.MessageBroadcast, Status: domain.DeliverySent})
			assert.NoError(t, err)
		}(int64(i))
	}
	wg.Wait()

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, got.Counters.Attempted)
	assert.Equal(t, 200, got.Counters.Delivered)
}

func TestRecomputeTrustsLog(t *testing.T) {
	ctx := context.Background()
	store := memorytest.NewStore()
	tr := NewTracker(store, store)
	task := runningTask(t, store)

	_, err := tr.Record(ctx, Outcome{TaskID: &task.ID, Recipient: domain.Recipient{UserID: 1}, Kind: domain.MessageBroadcast, Status: domain.DeliverySent})
	require.NoError(t, err)
	_, err = tr.Record(ctx, Outcome{TaskID: &task.ID, Recipient: domain.Recipient{UserID: 2}, Kind: domain.MessageBroadcast, Status: domain.DeliveryFailed, Detail: "timeout"})
	require.NoError(t, err)

	// счётчики разошлись с журналом после аварии
	require.NoError(t, store.SetCounters(ctx, task.ID, domain.TaskCounters{Attempted: 9, Delivered: 9}))

	want := domain.TaskCounters{Attempted: 2, Delivered: 1, Failed: 1}
	for i := 0; i < 3; i++ {
		c, err := tr.Recompute(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, want, c)
	}
	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got.Counters)

	done, err := tr.Terminal(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, done, 2)

	report, err := tr.Report(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report[domain.DeliverySent].Count)
	assert.Equal(t, map[string]int{"timeout": 1}, report[domain.DeliveryFailed].Errors)
}
