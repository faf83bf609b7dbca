// Package queue provides a storage-backed task queue used for notification
// delivery and reconciliation sweeps.
//
// Tasks are claimed with a lock, retried with a fixed backoff on failure, and
// parked in a dead letter queue once retries are exhausted. Delivery is
// at-least-once: a worker crash between handler success and task completion
// replays the task.
//
// The Enqueuer writes tasks, the Worker claims and executes them, and the
// Scheduler creates recurring tasks (expiry sweeps, trial reminders, event
// pruning) from Schedule definitions.
package queue
