package billing

import (
	"context"
	"time"
)

// SubscriptionResolver retrieves an authoritative subscription snapshot from
// the payment provider by its subscription ID. Handlers use it to self-heal
// when an event references a subscription this subsystem has not seen yet
// (provider event ordering is not guaranteed). It is an explicit capability so
// tests can fake it.
type SubscriptionResolver interface {
	ResolveSubscription(ctx context.Context, providerSubID string) (*SubscriptionData, error)
}

// Provider is the payment provider boundary. Implementations wrap the official
// SDK, verify webhook signatures before any processing, and normalize provider
// payloads into the closed Event variant.
type Provider interface {
	SubscriptionResolver

	// Name identifies the provider (e.g. "stripe", "paddle") for routing and logs.
	Name() string

	// VerifyAndParse validates the webhook signature against the shared secret
	// and parses the payload. Returns ErrInvalidSignature or
	// ErrMalformedPayload without touching any state.
	VerifyAndParse(ctx context.Context, payload []byte, signature string) (*Event, error)

	// CreateCheckout creates a hosted checkout session that seeds the state the
	// webhook stream later reconciles.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// SetCancelAtPeriodEnd flips the provider-side flag that schedules or
	// unschedules cancellation at the end of the current billing cycle.
	SetCancelAtPeriodEnd(ctx context.Context, providerSubID string, cancel bool) error
}

// CheckoutRequest contains what the provider needs to start a subscription
// checkout. UserID and PlanID travel as metadata so webhook events can be
// mapped back to local records.
type CheckoutRequest struct {
	PriceID    string
	UserID     string
	PlanID     string
	CustomerID string // provider customer ID, empty to let the provider create one
	Email      string
	TrialDays  int
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is a hosted checkout the user completes on the provider's
// side.
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}
