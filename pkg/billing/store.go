package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventStore is the idempotency ledger: a durable set of processed provider
// event IDs that gatekeeps all processing.
type EventStore interface {
	// AdmitEvent records the event ID if it has not been seen before. Must be
	// atomic under concurrent delivery of the same ID: exactly one caller
	// observes true, every other caller observes false.
	AdmitEvent(ctx context.Context, eventID, eventType string) (bool, error)

	// ReleaseEvent removes the marker so a provider retry is processed as new.
	// This is the sole delete path, used only after a handler failure.
	ReleaseEvent(ctx context.Context, eventID string) error

	// PruneEventsBefore deletes markers processed before the cutoff. Safe once
	// the provider's own retry window has long passed.
	PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SubscriptionStore persists subscription state records.
type SubscriptionStore interface {
	// SubscriptionByProviderID returns the row for a provider subscription ID,
	// or ErrSubscriptionNotFound. Inside a transaction the row is locked so
	// concurrent events for the same subscription serialize on it.
	SubscriptionByProviderID(ctx context.Context, providerSubID string) (*Subscription, error)

	// SubscriptionsByUser returns all of a user's subscription rows, most
	// recent billing period first.
	SubscriptionsByUser(ctx context.Context, userID uuid.UUID) ([]Subscription, error)

	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// SubscriptionsLapsedAt returns active or trialing subscriptions whose
	// current period end has passed. Used by the expiry sweep.
	SubscriptionsLapsedAt(ctx context.Context, now time.Time) ([]Subscription, error)

	// SubscriptionsWithTrialEndingBy returns trialing subscriptions whose trial
	// ends at or before the cutoff. Used by the trial-ending sweep.
	SubscriptionsWithTrialEndingBy(ctx context.Context, cutoff time.Time) ([]Subscription, error)
}

// LedgerStore persists the append-only billing ledger.
type LedgerStore interface {
	// AppendLedgerEntry inserts a new entry. Returns ErrDuplicateInvoice when
	// the invoice number is already recorded; entries are never updated or
	// deleted.
	AppendLedgerEntry(ctx context.Context, entry *LedgerEntry) error

	// LedgerEntriesByUser lists a user's entries ordered by period start
	// descending. A limit of 0 means no limit.
	LedgerEntriesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]LedgerEntry, error)
}

// Store combines the three persistence contracts with a transaction runner.
type Store interface {
	EventStore
	SubscriptionStore
	LedgerStore

	// WithinTx runs fn atomically: either every store call made through the tx
	// Store commits, or none do. Implementations must serialize concurrent
	// transactions touching the same subscription row.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
