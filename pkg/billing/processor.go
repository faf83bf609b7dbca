package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/streamkit/pkg/notifier"
)

// Outcome classifies how an event was disposed of.
type Outcome string

const (
	// OutcomeCommitted means the transition was applied (or the event was a
	// legitimate no-op) and the provider should be acknowledged.
	OutcomeCommitted Outcome = "committed"
	// OutcomeDuplicate means the event ID was already processed, or is being
	// processed concurrently by the worker that won admission. Acknowledged
	// without side effects.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRetryable means processing failed after admission, the event
	// marker was released, and the provider should redeliver.
	OutcomeRetryable Outcome = "retryable_failure"
	// OutcomePermanent means the event was rejected before admission
	// (malformed or unsigned); redelivery will not help.
	OutcomePermanent Outcome = "permanent_failure"
)

// Result is the disposition of one processed event.
type Result struct {
	Outcome Outcome
	EventID string
	Kind    EventKind
	Err     error
}

// NotificationSink receives intents produced by handlers. Enqueue must never
// block for long and must never fail the caller: notification loss is
// acceptable, billing-state loss is not.
type NotificationSink interface {
	Enqueue(ctx context.Context, intents ...notifier.Intent)
}

// Processor routes admitted provider events to their state transition handlers
// and enforces the transactional guarantee: the subscription mutation and any
// ledger append commit atomically, and notification intents are enqueued only
// after commit.
type Processor struct {
	store    Store
	resolver SubscriptionResolver
	catalog  *Catalog
	notify   NotificationSink
	log      *slog.Logger

	handlerTimeout time.Duration
	now            func() time.Time
}

// ProcessorOption configures optional Processor settings.
type ProcessorOption func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if log != nil {
			p.log = log
		}
	}
}

// WithHandlerTimeout bounds a single handler execution. A timeout is treated
// like any other handler failure: rollback, release, provider retries.
func WithHandlerTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.handlerTimeout = d
		}
	}
}

// WithClock overrides the processor's time source for tests.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor creates an event processor. Panics on nil required dependencies
// to fail fast during initialization.
func NewProcessor(store Store, resolver SubscriptionResolver, catalog *Catalog, notify NotificationSink, opts ...ProcessorOption) *Processor {
	if store == nil {
		panic("billing: Store is required")
	}
	if resolver == nil {
		panic("billing: SubscriptionResolver is required")
	}
	if catalog == nil {
		panic("billing: Catalog is required")
	}
	if notify == nil {
		panic("billing: NotificationSink is required")
	}

	p := &Processor{
		store:          store,
		resolver:       resolver,
		catalog:        catalog,
		notify:         notify,
		log:            slog.Default(),
		handlerTimeout: 30 * time.Second,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process admits and handles one normalized provider event. Correctness holds
// under arbitrary duplication and interleaving: delivering the same event N
// times has the effect of delivering it once.
func (p *Processor) Process(ctx context.Context, ev *Event) Result {
	if ev == nil || ev.ID == "" {
		return Result{Outcome: OutcomePermanent, Err: ErrMalformedPayload}
	}

	admitted, err := p.store.AdmitEvent(ctx, ev.ID, ev.ProviderEvent)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to admit provider event",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
		return Result{Outcome: OutcomeRetryable, EventID: ev.ID, Kind: ev.Kind, Err: err}
	}
	if !admitted {
		p.log.DebugContext(ctx, "duplicate provider event acknowledged",
			slog.String("event_id", ev.ID),
			slog.String("provider_event", ev.ProviderEvent))
		return Result{Outcome: OutcomeDuplicate, EventID: ev.ID, Kind: ev.Kind}
	}

	p.log.InfoContext(ctx, "processing provider event",
		slog.String("event_id", ev.ID),
		slog.String("kind", string(ev.Kind)),
		slog.String("provider_event", ev.ProviderEvent))

	handlerCtx, cancel := context.WithTimeout(ctx, p.handlerTimeout)
	defer cancel()

	var intents []notifier.Intent
	err = p.store.WithinTx(handlerCtx, func(ctx context.Context, tx Store) error {
		var herr error
		intents, herr = p.dispatch(ctx, tx, ev)
		return herr
	})
	if err != nil {
		// Release the marker so the provider's automatic retry is processed as
		// new instead of being swallowed as a duplicate. Use a detached context:
		// the handler context may already be past its deadline.
		releaseCtx := context.WithoutCancel(ctx)
		if relErr := p.store.ReleaseEvent(releaseCtx, ev.ID); relErr != nil {
			p.log.ErrorContext(ctx, "failed to release event marker after handler failure",
				slog.String("event_id", ev.ID),
				slog.String("error", relErr.Error()))
		}
		p.log.ErrorContext(ctx, "provider event handler failed",
			slog.String("event_id", ev.ID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()))
		return Result{Outcome: OutcomeRetryable, EventID: ev.ID, Kind: ev.Kind, Err: err}
	}

	// Strictly after commit: at-least-once delivery, never part of the
	// transaction above.
	if len(intents) > 0 {
		p.notify.Enqueue(ctx, intents...)
	}

	return Result{Outcome: OutcomeCommitted, EventID: ev.ID, Kind: ev.Kind}
}

// dispatch performs the total-coverage match over the closed event variant.
func (p *Processor) dispatch(ctx context.Context, tx Store, ev *Event) ([]notifier.Intent, error) {
	switch ev.Kind {
	case EventCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, tx, ev)
	case EventPaymentSucceeded:
		return p.handlePaymentSucceeded(ctx, tx, ev)
	case EventPaymentFailed:
		return p.handlePaymentFailed(ctx, tx, ev)
	case EventSubscriptionUpdated:
		return p.handleSubscriptionUpdated(ctx, tx, ev)
	case EventSubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, tx, ev)
	case EventTrialWillEnd:
		return p.handleTrialWillEnd(ctx, tx, ev)
	case EventUnknown:
		// Forward compatibility: acknowledged no-op.
		p.log.InfoContext(ctx, "ignoring unknown provider event",
			slog.String("event_id", ev.ID),
			slog.String("provider_event", ev.ProviderEvent))
		return nil, nil
	default:
		return nil, fmt.Errorf("unhandled event kind %q", ev.Kind)
	}
}
