package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/queue"
)

type welcomePayload struct {
	Email string `json:"email"`
}

func (welcomePayload) TaskName() string { return "welcome" }

type plainPayload struct {
	N int `json:"n"`
}

func TestTaskHandlerNames(t *testing.T) {
	t.Parallel()

	h := queue.NewTaskHandler(func(context.Context, welcomePayload) error { return nil })
	assert.Equal(t, "welcome", h.Name())

	h = queue.NewTaskHandler(func(context.Context, plainPayload) error { return nil })
	assert.Equal(t, "queue_test.plainPayload", h.Name())

	p := queue.NewPeriodicTaskHandler("sweep", func(context.Context) error { return nil })
	assert.Equal(t, "sweep", p.Name())
	assert.NoError(t, p.Handle(context.Background(), nil))
}

func TestTaskHandlerDecodes(t *testing.T) {
	t.Parallel()

	var got welcomePayload
	h := queue.NewTaskHandler(func(_ context.Context, p welcomePayload) error {
		got = p
		return nil
	})
	require.NoError(t, h.Handle(context.Background(), json.RawMessage(`{"email":"a@b.c"}`)))
	assert.Equal(t, "a@b.c", got.Email)
	assert.Error(t, h.Handle(context.Background(), json.RawMessage(`{`)))
}

func TestEnqueuer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := queue.NewEnqueuer(nil)
	assert.ErrorIs(t, err, queue.ErrRepositoryNil)

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage, queue.WithDefaultQueue("mail"))
	require.NoError(t, err)

	assert.ErrorIs(t, enq.Enqueue(ctx, nil), queue.ErrPayloadNil)
	assert.ErrorIs(t, enq.Enqueue(ctx, plainPayload{}, queue.WithPriority(101)), queue.ErrInvalidPriority)

	require.NoError(t, enq.Enqueue(ctx, welcomePayload{Email: "x@y.z"}, queue.WithMaxRetries(5), queue.WithDelay(time.Minute)))
	tasks := storage.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "welcome", tasks[0].TaskName)
	assert.Equal(t, "mail", tasks[0].Queue)
	assert.Equal(t, int8(5), tasks[0].MaxRetries)
	assert.Equal(t, queue.TaskStatusPending, tasks[0].Status)
	assert.True(t, tasks[0].ScheduledAt.After(time.Now()))
	assert.JSONEq(t, `{"email":"x@y.z"}`, string(tasks[0].Payload))
}

func TestWorkerProcessNext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("completes task", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage()
		enq, _ := queue.NewEnqueuer(storage)
		require.NoError(t, enq.Enqueue(ctx, welcomePayload{Email: "a@b.c"}))

		var calls atomic.Int32
		w, err := queue.NewWorker(storage)
		require.NoError(t, err)
		require.NoError(t, w.RegisterHandler(queue.NewTaskHandler(func(context.Context, welcomePayload) error {
			calls.Add(1)
			return nil
		})))

		claimed, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, queue.TaskStatusCompleted, storage.Tasks()[0].Status)

		claimed, err = w.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("retries then dead letters", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage()
		enq, _ := queue.NewEnqueuer(storage)
		require.NoError(t, enq.Enqueue(ctx, welcomePayload{}, queue.WithMaxRetries(1)))

		w, _ := queue.NewWorker(storage, queue.WithRetryBackoff(0))
		require.NoError(t, w.RegisterHandler(queue.NewTaskHandler(func(context.Context, welcomePayload) error {
			return errors.New("smtp down")
		})))

		_, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		tasks := storage.Tasks()
		require.Len(t, tasks, 1)
		assert.Equal(t, int8(1), tasks[0].RetryCount)
		assert.Equal(t, queue.TaskStatusPending, tasks[0].Status)

		_, err = w.ProcessNext(ctx)
		require.NoError(t, err)
		assert.Empty(t, storage.Tasks())
		dead := storage.DeadTasks()
		require.Len(t, dead, 1)
		assert.Equal(t, "smtp down", dead[0].Error)
	})

	t.Run("panic counts as failure", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage()
		enq, _ := queue.NewEnqueuer(storage)
		require.NoError(t, enq.Enqueue(ctx, welcomePayload{}, queue.WithMaxRetries(0)))

		w, _ := queue.NewWorker(storage)
		require.NoError(t, w.RegisterHandler(queue.NewTaskHandler(func(context.Context, welcomePayload) error {
			panic("boom")
		})))

		_, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		require.Len(t, storage.DeadTasks(), 1)
		assert.Contains(t, storage.DeadTasks()[0].Error, "boom")
	})

	t.Run("unknown task goes to dlq", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage()
		enq, _ := queue.NewEnqueuer(storage)
		require.NoError(t, enq.Enqueue(ctx, plainPayload{N: 1}))

		w, _ := queue.NewWorker(storage)
		require.NoError(t, w.RegisterHandler(queue.NewPeriodicTaskHandler("other", func(context.Context) error { return nil })))

		_, err := w.ProcessNext(ctx)
		assert.ErrorIs(t, err, queue.ErrHandlerNotFound)
		assert.Len(t, storage.DeadTasks(), 1)
	})

	t.Run("duplicate handler rejected", func(t *testing.T) {
		t.Parallel()
		w, _ := queue.NewWorker(queue.NewMemoryStorage())
		h := queue.NewPeriodicTaskHandler("sweep", func(context.Context) error { return nil })
		require.NoError(t, w.RegisterHandler(h))
		assert.ErrorIs(t, w.RegisterHandler(h), queue.ErrTaskAlreadyRegistered)
	})
}

func TestWorkerRun(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	w, _ := queue.NewWorker(storage, queue.WithPullInterval(5*time.Millisecond), queue.WithMaxConcurrentTasks(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.ErrorIs(t, w.Run(ctx)(), queue.ErrNoHandlers)

	done := make(chan struct{}, 3)
	require.NoError(t, w.RegisterHandler(queue.NewTaskHandler(func(context.Context, plainPayload) error {
		done <- struct{}{}
		return nil
	})))
	enq, _ := queue.NewEnqueuer(storage)
	for i := range 3 {
		require.NoError(t, enq.Enqueue(ctx, plainPayload{N: i}))
	}

	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx)() }()

	for range 3 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("task was not processed")
		}
	}
	cancel()
	assert.NoError(t, <-errc)
}

func TestScheduler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	storage := queue.NewMemoryStorage()
	s, err := queue.NewScheduler(storage)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Run(ctx)(), queue.ErrSchedulerNotConfigured)
	assert.ErrorIs(t, s.AddTask("sweep", queue.Every(0), "", 1), queue.ErrInvalidSchedule)
	require.NoError(t, s.AddTask("sweep", queue.Every(time.Hour), "", 1))
	assert.ErrorIs(t, s.AddTask("sweep", queue.Every(time.Hour), "", 1), queue.ErrTaskAlreadyRegistered)

	s.Tick(ctx)
	s.Tick(ctx)
	tasks := storage.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.TaskTypePeriodic, tasks[0].TaskType)
	assert.Equal(t, "sweep", tasks[0].TaskName)

	w, _ := queue.NewWorker(storage)
	var runs atomic.Int32
	require.NoError(t, w.RegisterHandler(queue.NewPeriodicTaskHandler("sweep", func(context.Context) error {
		runs.Add(1)
		return nil
	})))
	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, "every 1h0m0s", queue.Every(time.Hour).String())
}
