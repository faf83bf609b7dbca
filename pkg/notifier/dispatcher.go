package notifier

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/streamkit/pkg/queue"
)

// TaskEnqueuer is the queue surface the dispatcher needs. *queue.Enqueuer
// satisfies it.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) error
}

// Dispatcher hands intents to the task queue for asynchronous delivery. It
// never fails the caller: a failed enqueue is logged and the intent dropped,
// because the billing state that produced the intent is already committed.
type Dispatcher struct {
	enq TaskEnqueuer
	log *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDispatcher creates an intent dispatcher. Panics on a nil enqueuer to
// fail fast during initialization.
func NewDispatcher(enq TaskEnqueuer, opts ...DispatcherOption) *Dispatcher {
	if enq == nil {
		panic("notifier: TaskEnqueuer is required")
	}

	d := &Dispatcher{
		enq: enq,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue stores each intent as a one-time delivery task. Detached from the
// caller's cancellation: the producing transaction is already committed, so a
// disconnecting client must not lose the notification.
func (d *Dispatcher) Enqueue(ctx context.Context, intents ...Intent) {
	ctx = context.WithoutCancel(ctx)
	for _, intent := range intents {
		if intent.Template == "" || intent.UserID == uuid.Nil {
			d.log.Warn("dropping malformed notification intent",
				slog.String("template", intent.Template),
				slog.String("user_id", intent.UserID.String()))
			continue
		}
		if err := d.enq.Enqueue(ctx, intent); err != nil {
			d.log.Error("failed to enqueue notification intent",
				slog.String("template", intent.Template),
				slog.String("user_id", intent.UserID.String()),
				slog.String("error", err.Error()))
		}
	}
}
