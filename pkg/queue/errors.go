package queue

import "errors"

var (
	// ErrStorageNil is returned when a nil storage is provided.
	ErrStorageNil = errors.New("storage cannot be nil")

	// ErrPayloadNil is returned when attempting to enqueue a nil payload.
	ErrPayloadNil = errors.New("payload cannot be nil")

	// ErrNoTaskToClaim is returned by storage when no task is ready.
	ErrNoTaskToClaim = errors.New("no task available to claim")

	// ErrTaskNotFound is returned when a task ID does not exist in storage.
	ErrTaskNotFound = errors.New("task not found")

	// ErrHandlerNotFound is returned when a claimed task has no registered handler.
	ErrHandlerNotFound = errors.New("no handler registered for task")

	// ErrNoHandlers is returned when a worker is started without handlers.
	ErrNoHandlers = errors.New("no task handlers registered")

	// ErrTaskAlreadyRegistered is returned when a recurring task name is reused.
	ErrTaskAlreadyRegistered = errors.New("task already registered")

	// ErrSchedulerNotConfigured is returned when the scheduler has no tasks.
	ErrSchedulerNotConfigured = errors.New("scheduler has no registered tasks")
)
