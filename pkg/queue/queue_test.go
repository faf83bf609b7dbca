package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/streamkit/pkg/queue"
)

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func TestEnqueuer_Enqueue(t *testing.T) {
	t.Parallel()

	t.Run("stores task named after payload type", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage()
		defer storage.Close()

		enq, err := queue.NewEnqueuer(storage)
		require.NoError(t, err)

		require.NoError(t, enq.Enqueue(context.Background(), emailPayload{To: "a@b.c", Subject: "hi"}))

		task, err := storage.ClaimTask(context.Background(), uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "queue_test.emailPayload", task.Name)
		assert.Equal(t, queue.TaskKindOneTime, task.Kind)
		assert.Equal(t, queue.DefaultMaxRetries, task.MaxRetries)
	})

	t.Run("rejects nil payload", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage()
		defer storage.Close()

		enq, err := queue.NewEnqueuer(storage)
		require.NoError(t, err)
		assert.ErrorIs(t, enq.Enqueue(context.Background(), nil), queue.ErrPayloadNil)
	})

	t.Run("delayed task is not claimable yet", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage()
		defer storage.Close()

		enq, err := queue.NewEnqueuer(storage)
		require.NoError(t, err)
		require.NoError(t, enq.Enqueue(context.Background(), emailPayload{}, queue.WithDelay(time.Hour)))

		_, err = storage.ClaimTask(context.Background(), uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)
	})

	t.Run("routes to a named queue", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage()
		defer storage.Close()

		enq, err := queue.NewEnqueuer(storage, queue.WithDefaultQueue("notifications"))
		require.NoError(t, err)
		require.NoError(t, enq.Enqueue(context.Background(), emailPayload{}))

		_, err = storage.ClaimTask(context.Background(), uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)

		task, err := storage.ClaimTask(context.Background(), uuid.New(), []string{"notifications"}, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "notifications", task.Queue)
	})
}

func TestMemoryStorage_RetryAndDeadLetter(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()
	storage.SetRetryBackoff(0)
	ctx := context.Background()

	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)
	require.NoError(t, enq.Enqueue(ctx, emailPayload{}, queue.WithMaxRetries(2)))

	workerID := uuid.New()

	// First attempt fails, task returns to pending with the backoff applied.
	task, err := storage.ClaimTask(ctx, workerID, []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, storage.FailTask(ctx, task.ID, "smtp timeout"))

	// Second attempt exhausts the budget.
	task, err = storage.ClaimTask(ctx, workerID, []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, task.RetryCount)
	require.NoError(t, storage.FailTask(ctx, task.ID, "smtp timeout"))
	require.NoError(t, storage.MoveToDeadLetter(ctx, task.ID))

	_, err = storage.ClaimTask(ctx, workerID, []string{queue.DefaultQueueName}, time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)

	dead := storage.DeadTasks()
	require.Len(t, dead, 1)
	assert.Equal(t, "smtp timeout", dead[0].Error)
	assert.EqualValues(t, 2, dead[0].RetryCount)
}

func TestWorker_ProcessesTask(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	var handled atomic.Int32
	handler := queue.NewTaskHandler(func(_ context.Context, p emailPayload) error {
		assert.Equal(t, "a@b.c", p.To)
		handled.Add(1)
		return nil
	})

	worker, err := queue.NewWorker(storage,
		queue.WithPullInterval(10*time.Millisecond),
		queue.WithConcurrency(2))
	require.NoError(t, err)
	worker.RegisterHandlers(handler)

	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)
	require.NoError(t, enq.Enqueue(context.Background(), emailPayload{To: "a@b.c"}))

	require.NoError(t, worker.Start(context.Background()))
	defer worker.Stop() //nolint:errcheck

	assert.Eventually(t, func() bool {
		return handled.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_RetriesUntilDeadLetter(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()
	storage.SetRetryBackoff(0)

	var attempts atomic.Int32
	handler := queue.NewTaskHandler(func(_ context.Context, _ emailPayload) error {
		attempts.Add(1)
		return errors.New("delivery failed")
	})

	worker, err := queue.NewWorker(storage, queue.WithPullInterval(10*time.Millisecond))
	require.NoError(t, err)
	worker.RegisterHandlers(handler)

	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)
	require.NoError(t, enq.Enqueue(context.Background(), emailPayload{}, queue.WithMaxRetries(3)))

	require.NoError(t, worker.Start(context.Background()))
	defer worker.Stop() //nolint:errcheck

	assert.Eventually(t, func() bool {
		return len(storage.DeadTasks()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, attempts.Load(), "budget of 3 means three attempts total")
}

func TestWorker_MissingHandlerGoesToDeadLetter(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	worker, err := queue.NewWorker(storage, queue.WithPullInterval(10*time.Millisecond))
	require.NoError(t, err)
	worker.RegisterHandlers(queue.NewRecurringTaskHandler("something.else", func(context.Context) error { return nil }))

	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)
	require.NoError(t, enq.Enqueue(context.Background(), emailPayload{}))

	require.NoError(t, worker.Start(context.Background()))
	defer worker.Stop() //nolint:errcheck

	assert.Eventually(t, func() bool {
		return len(storage.DeadTasks()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_StartValidation(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	worker, err := queue.NewWorker(storage)
	require.NoError(t, err)
	assert.ErrorIs(t, worker.Start(context.Background()), queue.ErrNoHandlers)
}

func TestSchedule_Next(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)

	t.Run("daily before today's slot", func(t *testing.T) {
		t.Parallel()
		next := queue.DailyAt(14, 0).Next(base)
		assert.Equal(t, time.Date(2025, 3, 15, 14, 0, 0, 0, time.UTC), next)
	})

	t.Run("daily after today's slot rolls over", func(t *testing.T) {
		t.Parallel()
		next := queue.DailyAt(9, 0).Next(base)
		assert.Equal(t, time.Date(2025, 3, 16, 9, 0, 0, 0, time.UTC), next)
	})

	t.Run("hourly", func(t *testing.T) {
		t.Parallel()
		next := queue.HourlyAt(45).Next(base)
		assert.Equal(t, time.Date(2025, 3, 15, 10, 45, 0, 0, time.UTC), next)

		next = queue.HourlyAt(15).Next(base)
		assert.Equal(t, time.Date(2025, 3, 15, 11, 15, 0, 0, time.UTC), next)
	})

	t.Run("interval", func(t *testing.T) {
		t.Parallel()
		next := queue.EveryInterval(90 * time.Minute).Next(base)
		assert.Equal(t, base.Add(90*time.Minute), next)
	})

	t.Run("midnight default", func(t *testing.T) {
		t.Parallel()
		next := queue.Daily().Next(base)
		assert.Equal(t, time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC), next)
	})
}

func TestScheduler_AddTask(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	sched, err := queue.NewScheduler(storage)
	require.NoError(t, err)

	require.NoError(t, sched.AddTask("billing.expire_lapsed", queue.DailyAt(3, 0)))
	assert.ErrorIs(t, sched.AddTask("billing.expire_lapsed", queue.DailyAt(4, 0)), queue.ErrTaskAlreadyRegistered)
}

func TestScheduler_StartRequiresTasks(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	sched, err := queue.NewScheduler(storage)
	require.NoError(t, err)
	assert.ErrorIs(t, sched.Start(context.Background()), queue.ErrSchedulerNotConfigured)
}

func TestScheduler_CreatesDueTasks(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	sched, err := queue.NewScheduler(storage, queue.WithCheckInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, sched.AddTask("billing.prune_events", queue.EveryInterval(time.Millisecond), queue.InQueue("reconcile")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx) //nolint:errcheck

	assert.Eventually(t, func() bool {
		task, err := storage.PendingTaskByName(context.Background(), "billing.prune_events")
		return err == nil && task.Queue == "reconcile" && task.Kind == queue.TaskKindRecurring
	}, 2*time.Second, 10*time.Millisecond)
}
