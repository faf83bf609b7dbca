package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SchedulerStorage is the storage surface needed to create recurring tasks
// without duplicating pending ones.
type SchedulerStorage interface {
	CreateTask(ctx context.Context, task *Task) error
	PendingTaskByName(ctx context.Context, taskName string) (*Task, error)
}

// Scheduler turns Schedule definitions into queued recurring tasks. It only
// creates tasks; workers execute them, so a missed tick is caught up on the
// next check rather than lost.
type Scheduler struct {
	storage  SchedulerStorage
	tasks    map[string]*recurringTask
	mu       sync.RWMutex
	interval time.Duration
	log      *slog.Logger
}

type recurringTask struct {
	name            string
	schedule        Schedule
	queue           string
	maxRetries      int8
	lastScheduledAt *time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithCheckInterval sets how often the scheduler looks for due tasks.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(log *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// NewScheduler creates a task scheduler.
func NewScheduler(storage SchedulerStorage, opts ...SchedulerOption) (*Scheduler, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}

	s := &Scheduler{
		storage:  storage,
		tasks:    make(map[string]*recurringTask),
		interval: 30 * time.Second,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ScheduleTaskOption configures one registered recurring task.
type ScheduleTaskOption func(*recurringTask)

// InQueue routes the recurring task to a specific queue.
func InQueue(queue string) ScheduleTaskOption {
	return func(t *recurringTask) {
		if queue != "" {
			t.queue = queue
		}
	}
}

// WithTaskRetries sets the retry budget for instances of this task.
func WithTaskRetries(n int8) ScheduleTaskOption {
	return func(t *recurringTask) {
		if n >= 0 {
			t.maxRetries = n
		}
	}
}

// AddTask registers a recurring task by name.
func (s *Scheduler) AddTask(name string, schedule Schedule, opts ...ScheduleTaskOption) error {
	task := &recurringTask{
		name:       name,
		schedule:   schedule,
		queue:      DefaultQueueName,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(task)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return ErrTaskAlreadyRegistered
	}
	s.tasks[name] = task

	s.log.Info("registered recurring task",
		slog.String("task_name", name),
		slog.String("schedule", schedule.String()))
	return nil
}

// Start runs the scheduling loop until the context is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.RLock()
	taskCount := len(s.tasks)
	s.mu.RUnlock()
	if taskCount == 0 {
		return ErrSchedulerNotConfigured
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.checkTasks(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.checkTasks(ctx)
		}
	}
}

// Run returns a function suitable for errgroup.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		err := s.Start(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	}
}

func (s *Scheduler) checkTasks(ctx context.Context) {
	s.mu.RLock()
	tasks := make([]*recurringTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.RUnlock()

	now := time.Now().UTC()
	for _, task := range tasks {
		if err := s.scheduleIfDue(ctx, task, now); err != nil {
			s.log.Error("failed to schedule recurring task",
				slog.String("task_name", task.name),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Scheduler) scheduleIfDue(ctx context.Context, task *recurringTask, now time.Time) error {
	var nextRun time.Time
	if task.lastScheduledAt == nil {
		nextRun = task.schedule.Next(now)
	} else {
		nextRun = task.schedule.Next(*task.lastScheduledAt)
		if nextRun.After(now) {
			return nil
		}
	}

	// A pending instance may already exist, created by a previous process or
	// another scheduler replica.
	if existing, err := s.storage.PendingTaskByName(ctx, task.name); err == nil && existing != nil {
		s.markScheduled(task.name, existing.ScheduledAt)
		return nil
	}

	instance := &Task{
		ID:          uuid.New(),
		Queue:       task.queue,
		Kind:        TaskKindRecurring,
		Name:        task.name,
		Status:      TaskStatusPending,
		MaxRetries:  task.maxRetries,
		ScheduledAt: nextRun,
		CreatedAt:   now,
	}
	if err := s.storage.CreateTask(ctx, instance); err != nil {
		return fmt.Errorf("failed to create recurring task instance: %w", err)
	}

	s.markScheduled(task.name, nextRun)
	s.log.Info("created recurring task instance",
		slog.String("task_name", task.name),
		slog.Time("scheduled_for", nextRun))
	return nil
}

func (s *Scheduler) markScheduled(taskName string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskName]; ok {
		t.lastScheduledAt = &at
	}
}
