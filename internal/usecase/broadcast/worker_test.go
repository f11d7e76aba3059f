package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-broadcast-bot/internal/domain"
)

type chanQueue struct {
	jobs chan domain.TaskJob

	mu    sync.Mutex
	acks  map[int64][]bool
	acked chan struct{}
}

func newChanQueue(jobs ...domain.TaskJob) *chanQueue {
	q := &chanQueue{jobs: make(chan domain.TaskJob, len(jobs)), acks: map[int64][]bool{}, acked: make(chan struct{}, 16)}
	for _, j := range jobs {
		q.jobs <- j
	}
	return q
}

func (q *chanQueue) Enqueue(_ context.Context, job domain.TaskJob) error {
	q.jobs <- job
	return nil
}

func (q *chanQueue) Receive(ctx context.Context) (domain.TaskJob, domain.TaskAckFunc, error) {
	select {
	case <-ctx.Done():
		return domain.TaskJob{}, nil, ctx.Err()
	case job := <-q.jobs:
		return job, func(success bool) error {
			q.mu.Lock()
			q.acks[job.TaskID] = append(q.acks[job.TaskID], success)
			q.mu.Unlock()
			q.acked <- struct{}{}
			return nil
		}, nil
	}
}

func (q *chanQueue) acksFor(taskID int64) []bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]bool(nil), q.acks[taskID]...)
}

type scriptedRunner map[int64]error

func (r scriptedRunner) Run(_ context.Context, taskID int64) error { return r[taskID] }

func TestWorkerAcknowledgesByOutcome(t *testing.T) {
	runner := scriptedRunner{
		1: nil,
		2: domain.ErrTaskFinished,
		3: domain.ErrNotDue,
		4: errors.New("задача 4: доставка: connection refused"),
		5: domain.ErrTaskRunning,
		6: fmt.Errorf("%w: %w", domain.ErrInterrupted, domain.ErrCancelled),
		7: domain.ErrInterrupted,
	}
	q := newChanQueue(
		domain.TaskJob{ID: "a", TaskID: 1},
		domain.TaskJob{ID: "b", TaskID: 2},
		domain.TaskJob{ID: "c", TaskID: 3},
		domain.TaskJob{ID: "d", TaskID: 4},
		domain.TaskJob{ID: "e", TaskID: 5},
		domain.TaskJob{ID: "f", TaskID: 6},
		domain.TaskJob{ID: "g", TaskID: 7},
	)
	w := NewWorker(q, runner, zerolog.Nop())
	w.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	for i := 0; i < 7; i++ {
		select {
		case <-q.acked:
		case <-time.After(2 * time.Second):
			t.Fatal("worker не обработал очередь")
		}
	}
	cancel()
	<-done

	for _, id := range []int64{1, 2, 3, 4, 6} {
		assert.Equal(t, []bool{true}, q.acksFor(id), "task %d", id)
	}
	// остановленная оператором задача не возвращается в очередь, прерванная по другой причине возвращается
	assert.Equal(t, []bool{false}, q.acksFor(5))
	assert.Equal(t, []bool{false}, q.acksFor(7))
}

func TestWorkerSkipsEmptyJob(t *testing.T) {
	q := newChanQueue(domain.TaskJob{ID: "x"})
	w := NewWorker(q, scriptedRunner{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case <-q.acked:
	case <-time.After(2 * time.Second):
		t.Fatal("сообщение не подтверждено")
	}
	require.Equal(t, []bool{true}, q.acksFor(0))
}
