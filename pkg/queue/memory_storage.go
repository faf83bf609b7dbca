package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRetryBackoff is the fixed delay applied before a failed task becomes
// claimable again.
const DefaultRetryBackoff = 30 * time.Second

// MemoryStorage implements the queue storage interfaces in memory for tests
// and local development. A background sweep releases locks held by crashed
// workers so their tasks become claimable again.
type MemoryStorage struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
	dead  map[uuid.UUID]*DeadTask

	retryBackoff time.Duration
	lockTicker   *time.Ticker
	done         chan struct{}
}

// NewMemoryStorage creates an in-memory queue storage.
func NewMemoryStorage() *MemoryStorage {
	ms := &MemoryStorage{
		tasks:        make(map[uuid.UUID]*Task),
		dead:         make(map[uuid.UUID]*DeadTask),
		retryBackoff: DefaultRetryBackoff,
		done:         make(chan struct{}),
	}

	ms.lockTicker = time.NewTicker(time.Second)
	go ms.lockExpirationLoop()
	return ms
}

// SetRetryBackoff overrides the fixed retry delay, mainly for tests.
func (ms *MemoryStorage) SetRetryBackoff(d time.Duration) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.retryBackoff = d
}

// Close stops the lock expiration loop.
func (ms *MemoryStorage) Close() error {
	close(ms.done)
	ms.lockTicker.Stop()
	return nil
}

func (ms *MemoryStorage) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return ErrPayloadNil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	cp := *task
	ms.tasks[task.ID] = &cp
	return nil
}

func (ms *MemoryStorage) ClaimTask(_ context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now().UTC()
	var best *Task
	for _, task := range ms.tasks {
		if task.Status != TaskStatusPending {
			continue
		}
		if !slices.Contains(queues, task.Queue) {
			continue
		}
		if task.ScheduledAt.After(now) {
			continue
		}
		// FIFO by scheduled time.
		if best == nil || task.ScheduledAt.Before(best.ScheduledAt) {
			best = task
		}
	}
	if best == nil {
		return nil, ErrNoTaskToClaim
	}

	lockUntil := now.Add(lockDuration)
	best.Status = TaskStatusProcessing
	best.LockedUntil = &lockUntil
	best.LockedBy = &workerID

	cp := *best
	return &cp, nil
}

func (ms *MemoryStorage) CompleteTask(_ context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}

	now := time.Now().UTC()
	task.Status = TaskStatusCompleted
	task.ProcessedAt = &now
	task.LockedUntil = nil
	task.LockedBy = nil
	return nil
}

func (ms *MemoryStorage) FailTask(_ context.Context, taskID uuid.UUID, errorMsg string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}

	task.RetryCount++
	task.Error = &errorMsg
	task.LockedUntil = nil
	task.LockedBy = nil

	if task.RetryCount >= task.MaxRetries {
		task.Status = TaskStatusFailed
	} else {
		// Fixed backoff before the next attempt.
		task.Status = TaskStatusPending
		task.ScheduledAt = time.Now().UTC().Add(ms.retryBackoff)
	}
	return nil
}

func (ms *MemoryStorage) MoveToDeadLetter(_ context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}

	entry := &DeadTask{
		ID:         uuid.New(),
		TaskID:     task.ID,
		Queue:      task.Queue,
		Kind:       task.Kind,
		Name:       task.Name,
		Payload:    task.Payload,
		RetryCount: task.RetryCount,
		FailedAt:   time.Now().UTC(),
		CreatedAt:  task.CreatedAt,
	}
	if task.Error != nil {
		entry.Error = *task.Error
	}
	ms.dead[entry.ID] = entry
	delete(ms.tasks, taskID)
	return nil
}

func (ms *MemoryStorage) PendingTaskByName(_ context.Context, taskName string) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, task := range ms.tasks {
		if task.Name == taskName && task.Status == TaskStatusPending {
			cp := *task
			return &cp, nil
		}
	}
	return nil, ErrTaskNotFound
}

// DeadTasks returns a snapshot of the dead letter queue.
func (ms *MemoryStorage) DeadTasks() []DeadTask {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make([]DeadTask, 0, len(ms.dead))
	for _, entry := range ms.dead {
		out = append(out, *entry)
	}
	return out
}

// lockExpirationLoop recovers tasks locked by crashed workers: expired locks
// are released and the task returns to pending at its current retry count.
func (ms *MemoryStorage) lockExpirationLoop() {
	for {
		select {
		case <-ms.lockTicker.C:
			ms.expireLocks()
		case <-ms.done:
			return
		}
	}
}

func (ms *MemoryStorage) expireLocks() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now().UTC()
	for _, task := range ms.tasks {
		if task.Status == TaskStatusProcessing && task.LockedUntil != nil && task.LockedUntil.Before(now) {
			task.Status = TaskStatusPending
			task.LockedUntil = nil
			task.LockedBy = nil
		}
	}
}
