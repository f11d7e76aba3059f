package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-broadcast-bot/internal/adapters/memory/memorytest"
	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/usecase/delivery"
)

type scriptedTransport struct {
	mu     sync.Mutex
	script map[int64][]error
	calls  []int64
	ctxErr []error
	onCall func(n int)
}

func (s *scriptedTransport) Send(ctx context.Context, tgUserID int64, _ domain.Content) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, tgUserID)
	n := len(s.calls)
	var err error
	if steps := s.script[tgUserID]; len(steps) > 0 {
		err = steps[0]
		s.script[tgUserID] = steps[1:]
	}
	hook := s.onCall
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	s.mu.Lock()
	s.ctxErr = append(s.ctxErr, ctx.Err())
	s.mu.Unlock()
	return "m", err
}

func (s *scriptedTransport) callsFor(tgUserID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.calls {
		if id == tgUserID {
			n++
		}
	}
	return n
}

var (
	errBlocked   = &domain.TransportError{Kind: domain.TransportPermanent, Reason: domain.ReasonBlocked, Detail: "Forbidden: bot was blocked by the user"}
	errThrottled = &domain.TransportError{Kind: domain.TransportTransient, Reason: domain.ReasonThrottled, Detail: "Too Many Requests"}
	errRejected  = &domain.TransportError{Kind: domain.TransportPermanent, Reason: domain.ReasonRejected, Detail: "Bad Request: wrong file identifier"}
)

type fixture struct {
	store     *memorytest.Store
	tracker   *delivery.Tracker
	transport *scriptedTransport
	disp      *Dispatcher
	task      domain.BroadcastTask
	rcpts     []domain.Recipient
}

func newFixture(t *testing.T, users int, workers int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memorytest.NewStore()
	var rcpts []domain.Recipient
	for i := 1; i <= users; i++ {
		u := store.PutUser(domain.User{TGUserID: int64(1000 + i), IsActive: true, IsSubscribed: true})
		rcpts = append(rcpts, domain.Recipient{UserID: u.ID, TGUserID: u.TGUserID})
	}
	task, err := store.CreateTask(ctx, domain.BroadcastTask{Kind: domain.TaskManual, Content: domain.Content{Text: "hi"}, Recipients: rcpts})
	require.NoError(t, err)
	task, err = store.StartTask(ctx, task.ID, time.Now())
	require.NoError(t, err)

	tracker := delivery.NewTracker(store, store)
	transport := &scriptedTransport{script: map[int64][]error{}}
	cfg := Config{Workers: workers, MaxAttempts: 3, Backoff: Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}, SendTimeout: time.Second}
	return &fixture{
		store:     store,
		tracker:   tracker,
		transport: transport,
		disp:      New(transport, tracker, store, cfg, zerolog.Nop()),
		task:      task,
		rcpts:     rcpts,
	}
}

func (f *fixture) job(themeID int64) Job {
	return Job{TaskID: &f.task.ID, ThemeID: themeID, Kind: domain.MessageBroadcast, Content: f.task.Content, Recipients: f.rcpts, RateLimit: 1000}
}

func (f *fixture) counters(t *testing.T) domain.TaskCounters {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	return task.Counters
}

func TestDispatchDeliversEveryRecipientOnce(t *testing.T) {
	f := newFixture(t, 25, 4)

	sum, err := f.disp.Dispatch(context.Background(), f.job(42))
	require.NoError(t, err)
	assert.Equal(t, 25, sum.Sent)
	assert.False(t, sum.Interrupted)

	rows := f.store.Deliveries()
	require.Len(t, rows, 25)
	seen := map[int64]int{}
	for _, r := range rows {
		seen[r.UserID]++
		assert.Equal(t, domain.DeliverySent, r.Status)
	}
	for _, rc := range f.rcpts {
		assert.Equal(t, 1, seen[rc.UserID])
	}
	assert.Equal(t, domain.TaskCounters{Attempted: 25, Delivered: 25}, f.counters(t))

	u, err := f.store.GetUserByTGID(context.Background(), f.rcpts[0].TGUserID)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, u.ThemeHistory)
	assert.NotNil(t, u.LastDeliveryAt)
}

func TestDispatchPermanentErrorDeactivatesWithoutRetry(t *testing.T) {
	f := newFixture(t, 1, 1)
	f.transport.script[f.rcpts[0].TGUserID] = []error{errBlocked}

	sum, err := f.disp.Dispatch(context.Background(), f.job(0))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Blocked)
	assert.Equal(t, 1, f.transport.callsFor(f.rcpts[0].TGUserID))

	rows := f.store.Deliveries()
	require.Len(t, rows, 1)
	assert.Equal(t, domain.DeliveryBlocked, rows[0].Status)
	assert.Equal(t, errBlocked.Detail, rows[0].Error)

	u, err := f.store.GetUserByTGID(context.Background(), f.rcpts[0].TGUserID)
	require.NoError(t, err)
	assert.False(t, u.IsActive)
	assert.Equal(t, domain.TaskCounters{Attempted: 1, Failed: 1}, f.counters(t))
}

func TestDispatchRejectedMessageKeepsUserActive(t *testing.T) {
	f := newFixture(t, 1, 1)
	f.transport.script[f.rcpts[0].TGUserID] = []error{errRejected}

	sum, err := f.disp.Dispatch(context.Background(), f.job(0))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, f.transport.callsFor(f.rcpts[0].TGUserID))

	u, err := f.store.GetUserByTGID(context.Background(), f.rcpts[0].TGUserID)
	require.NoError(t, err)
	assert.True(t, u.IsActive)
	assert.Equal(t, domain.DeliveryFailed, f.store.Deliveries()[0].Status)
}

func TestDispatchTransientThenSuccess(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.transport.script[f.rcpts[0].TGUserID] = []error{errThrottled, errors.New("i/o timeout")}

	sum, err := f.disp.Dispatch(context.Background(), f.job(0))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, 2, sum.Retries)
	assert.Equal(t, 3, f.transport.callsFor(f.rcpts[0].TGUserID))

	rows := f.store.Deliveries()
	require.Len(t, rows, 1)
	assert.Equal(t, domain.DeliverySent, rows[0].Status)
	assert.Equal(t, domain.TaskCounters{Attempted: 1, Delivered: 1}, f.counters(t))
}

func TestDispatchTransientExhausted(t *testing.T) {
	f := newFixture(t, 1, 1)
	f.transport.script[f.rcpts[0].TGUserID] = []error{errThrottled, errThrottled, errThrottled, errThrottled}

	sum, err := f.disp.Dispatch(context.Background(), f.job(0))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 3, f.transport.callsFor(f.rcpts[0].TGUserID))

	rows := f.store.Deliveries()
	require.Len(t, rows, 1)
	assert.Equal(t, domain.DeliveryFailed, rows[0].Status)

	u, err := f.store.GetUserByTGID(context.Background(), f.rcpts[0].TGUserID)
	require.NoError(t, err)
	assert.True(t, u.IsActive)
	assert.Equal(t, domain.TaskCounters{Attempted: 1, Failed: 1}, f.counters(t))
}

func TestDispatchRetryDoesNotOvertakeFreshWork(t *testing.T) {
	f := newFixture(t, 3, 1)
	f.transport.script[f.rcpts[0].TGUserID] = []error{errThrottled}

	_, err := f.disp.Dispatch(context.Background(), f.job(0))
	require.NoError(t, err)

	want := []int64{f.rcpts[0].TGUserID, f.rcpts[1].TGUserID, f.rcpts[2].TGUserID, f.rcpts[0].TGUserID}
	assert.Equal(t, want, f.transport.calls)
}

func TestDispatchCancellationLeavesRemainder(t *testing.T) {
	f := newFixture(t, 10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.transport.onCall = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	sum, err := f.disp.Dispatch(ctx, f.job(0))
	require.NoError(t, err)
	assert.True(t, sum.Interrupted)
	assert.Equal(t, 3, sum.Sent)
	assert.Equal(t, 7, sum.Abandoned)
	assert.Len(t, f.store.Deliveries(), 3)

	// начатая отправка не получает отмену
	for _, e := range f.transport.ctxErr {
		assert.NoError(t, e)
	}
}

func TestDispatchSecondPassRecordsNothingNew(t *testing.T) {
	f := newFixture(t, 5, 2)

	_, err := f.disp.Dispatch(context.Background(), f.job(0))
	require.NoError(t, err)
	sum, err := f.disp.Dispatch(context.Background(), f.job(0))
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Duplicates)
	assert.Len(t, f.store.Deliveries(), 5)
	assert.Equal(t, 5, f.counters(t).Attempted)
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, delivery.Outcome) (bool, error) {
	return false, errors.New("connection refused")
}

func TestDispatchStorageFailureIsFatal(t *testing.T) {
	f := newFixture(t, 5, 1)
	disp := New(f.transport, failingRecorder{}, f.store, f.disp.cfg, zerolog.Nop())

	sum, err := disp.Dispatch(context.Background(), f.job(0))
	require.Error(t, err)
	assert.False(t, sum.Interrupted)
	assert.Less(t, len(f.transport.calls), 5)
}

func TestDispatchRespectsRate(t *testing.T) {
	f := newFixture(t, 11, 4)
	job := f.job(0)
	job.RateLimit = 10

	start := time.Now()
	_, err := f.disp.Dispatch(context.Background(), job)
	require.NoError(t, err)

	// 11 допусков при 10 в секунду занимают не меньше секунды
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

type partCall struct {
	tgUserID int64
	part     int
	at       time.Time
}

// partTransport отдаёт каждое содержимое тремя частями.
type partTransport struct {
	mu     sync.Mutex
	parts  int
	script map[[2]int64][]error
	calls  []partCall
}

func (p *partTransport) Send(context.Context, int64, domain.Content) (string, error) {
	return "", errors.New("ожидалась отправка по частям")
}

func (p *partTransport) Parts(domain.Content) int { return p.parts }

func (p *partTransport) SendPart(_ context.Context, tgUserID int64, _ domain.Content, part int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, partCall{tgUserID: tgUserID, part: part, at: time.Now()})
	key := [2]int64{tgUserID, int64(part)}
	if steps := p.script[key]; len(steps) > 0 {
		p.script[key] = steps[1:]
		return "", steps[0]
	}
	return "m", nil
}

func (p *partTransport) partsFor(tgUserID int64) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for _, c := range p.calls {
		if c.tgUserID == tgUserID {
			out = append(out, c.part)
		}
	}
	return out
}

func TestDispatchGatesEveryPart(t *testing.T) {
	f := newFixture(t, 4, 4)
	pt := &partTransport{parts: 3, script: map[[2]int64][]error{}}
	disp := New(pt, f.tracker, f.store, f.disp.cfg, zerolog.Nop())
	job := f.job(0)
	job.RateLimit = 5

	start := time.Now()
	sum, err := disp.Dispatch(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Sent)

	// 12 сообщений при 5 в секунду: не меньше 11 интервалов по 200ms
	assert.GreaterOrEqual(t, time.Since(start), 2200*time.Millisecond)
	require.Len(t, pt.calls, 12)
	var times []time.Time
	for _, c := range pt.calls {
		times = append(times, c.at)
	}
	// окно чуть меньше секунды оставляет запас на задержку горутин после допуска
	assert.LessOrEqual(t, maxInWindow(times, 950*time.Millisecond), 5)
}

func TestDispatchRetryResumesFromFailedPart(t *testing.T) {
	f := newFixture(t, 2, 2)
	pt := &partTransport{parts: 3, script: map[[2]int64][]error{}}
	first := f.rcpts[0].TGUserID
	pt.script[[2]int64{first, 1}] = []error{errThrottled}
	disp := New(pt, f.tracker, f.store, f.disp.cfg, zerolog.Nop())

	sum, err := disp.Dispatch(context.Background(), f.job(0))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Sent)
	assert.Equal(t, 1, sum.Retries)

	assert.Equal(t, []int{0, 1, 1, 2}, pt.partsFor(first))
	assert.Equal(t, []int{0, 1, 2}, pt.partsFor(f.rcpts[1].TGUserID))
	assert.Len(t, f.store.Deliveries(), 2)
}

func TestDispatchPermanentErrorMidContent(t *testing.T) {
	f := newFixture(t, 1, 1)
	pt := &partTransport{parts: 3, script: map[[2]int64][]error{}}
	pt.script[[2]int64{f.rcpts[0].TGUserID, 2}] = []error{errBlocked}
	disp := New(pt, f.tracker, f.store, f.disp.cfg, zerolog.Nop())

	sum, err := disp.Dispatch(context.Background(), f.job(0))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Blocked)
	assert.Equal(t, []int{0, 1, 2}, pt.partsFor(f.rcpts[0].TGUserID))
}
