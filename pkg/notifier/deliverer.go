package notifier

import (
	"context"

	"github.com/dmitrymomot/streamkit/pkg/queue"
)

// Deliverer delivers a single notification intent over one channel. A
// returned error means the attempt is retryable; permanent conditions (no
// such recipient, malformed intent) must be absorbed by the implementation so
// the queue does not burn retries on them.
type Deliverer interface {
	Deliver(ctx context.Context, intent Intent) error
}

// NewDeliveryHandler adapts a Deliverer into a queue task handler. The task
// name derives from the Intent payload type, matching what Dispatcher
// enqueues.
func NewDeliveryHandler(d Deliverer) queue.Handler {
	return queue.NewTaskHandler(func(ctx context.Context, intent Intent) error {
		return d.Deliver(ctx, intent)
	})
}
