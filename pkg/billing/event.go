package billing

import (
	"time"
)

// EventKind is the closed set of provider event kinds this subsystem acts on.
// Providers normalize their own event names into these kinds; anything they
// cannot map becomes EventUnknown and is acknowledged as a no-op.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventPaymentSucceeded    EventKind = "payment_succeeded"
	EventPaymentFailed       EventKind = "payment_failed"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventTrialWillEnd        EventKind = "trial_will_end"
	EventUnknown             EventKind = "unknown"
)

// Event is a normalized provider webhook event. ID is the provider's globally
// unique event identifier and serves as the idempotency key. Exactly one of
// the payload pointers is set, matching Kind; EventUnknown carries none.
type Event struct {
	ID            string
	Kind          EventKind
	ProviderEvent string // original provider event name, for logging
	OccurredAt    time.Time

	Checkout     *CheckoutData
	Invoice      *InvoiceData
	Subscription *SubscriptionData
}

// CheckoutData is the payload of a completed checkout session. The session
// itself only references the provider subscription; the handler resolves the
// full subscription snapshot through the SubscriptionResolver.
type CheckoutData struct {
	SessionID     string
	ProviderSubID string
	UserID        string // from checkout metadata, may be empty
	PlanID        string // from checkout metadata, may be empty
}

// InvoiceData is the payload of a payment outcome event.
type InvoiceData struct {
	ProviderSubID string
	InvoiceNumber string
	AmountPaid    int64 // smallest currency unit
	Currency      string
	Paid          bool
	PeriodStart   time.Time
	PeriodEnd     time.Time
	TransactionID string
}

// SubscriptionData is a provider-side snapshot of a subscription, carried by
// lifecycle events and returned by self-healing lookups.
type SubscriptionData struct {
	ProviderSubID      string
	ProviderCustomerID string
	ProviderStatus     string // raw provider status string
	UserID             string // from subscription metadata
	PlanID             string // from subscription metadata
	PriceID            string // provider price, used when PlanID metadata is absent
	CancelAtPeriodEnd  bool
	CancelAt           *time.Time
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEnd           *time.Time
}

// WillCancel reports whether the provider considers the subscription scheduled
// for cancellation: either the explicit flag or a future-dated cancel
// timestamp.
func (d *SubscriptionData) WillCancel(now time.Time) bool {
	if d.CancelAtPeriodEnd {
		return true
	}
	return d.CancelAt != nil && d.CancelAt.After(now)
}
