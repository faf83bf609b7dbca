package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service is the customer-facing surface of the billing subsystem: checkout
// seeding, cancellation flows, and read access to subscriptions and the
// ledger. Webhook-driven mutations stay in Processor; Service only initiates
// flows the provider later confirms by webhook.
type Service struct {
	store    Store
	provider Provider
	catalog  *Catalog
	log      *slog.Logger
	now      func() time.Time
}

// ServiceOption configures optional Service settings.
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger.
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithServiceClock overrides the service's time source for tests.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a billing service. Panics on nil required dependencies to
// fail fast during initialization.
func NewService(store Store, provider Provider, catalog *Catalog, opts ...ServiceOption) *Service {
	if store == nil {
		panic("billing: Store is required")
	}
	if provider == nil {
		panic("billing: Provider is required")
	}
	if catalog == nil {
		panic("billing: Catalog is required")
	}

	s := &Service{
		store:    store,
		provider: provider,
		catalog:  catalog,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckoutParams carries the caller-supplied inputs for a checkout session.
type CheckoutParams struct {
	UserID     uuid.UUID
	PlanID     string
	Interval   BillingInterval
	Email      string
	SuccessURL string
	CancelURL  string
}

// CreateCheckout starts a provider checkout session for a plan. The
// subscription row is created later by the checkout_completed webhook; this
// method only validates the request and hands off to the provider. A user with
// a live subscription cannot start a second one.
func (s *Service) CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	plan, ok := s.catalog.Plan(params.PlanID)
	if !ok {
		return nil, ErrPlanNotFound
	}

	priceID, ok := plan.ProviderPriceIDs[params.Interval]
	if !ok {
		return nil, fmt.Errorf("%w: plan %s has no %s price", ErrPriceNotFound, plan.ID, params.Interval)
	}

	if sub, err := s.currentSubscription(ctx, params.UserID); err != nil {
		return nil, err
	} else if sub != nil && !sub.Status.IsTerminal() {
		return nil, ErrSubscriptionAlreadyExists
	}

	session, err := s.provider.CreateCheckout(ctx, CheckoutRequest{
		PriceID:    priceID,
		UserID:     params.UserID.String(),
		PlanID:     plan.ID,
		Email:      params.Email,
		TrialDays:  plan.TrialDays,
		SuccessURL: params.SuccessURL,
		CancelURL:  params.CancelURL,
	})
	if err != nil {
		return nil, errors.Join(ErrProviderError, err)
	}
	if session.URL == "" {
		return nil, ErrNoCheckoutURL
	}

	s.log.InfoContext(ctx, "checkout session created",
		slog.String("user_id", params.UserID.String()),
		slog.String("plan_id", plan.ID),
		slog.String("session_id", session.ID))
	return session, nil
}

// Cancel schedules cancellation at the end of the current paid period. Access
// continues until then; the provider confirms by webhook and the final
// subscription_deleted event flips the status.
func (s *Service) Cancel(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return s.setCancelFlag(ctx, userID, true)
}

// Reactivate undoes a pending cancellation before the period ends.
func (s *Service) Reactivate(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return s.setCancelFlag(ctx, userID, false)
}

func (s *Service) setCancelFlag(ctx context.Context, userID uuid.UUID, cancel bool) (*Subscription, error) {
	sub, err := s.currentSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Status.IsTerminal() {
		return nil, ErrSubscriptionNotFound
	}
	if sub.CancelAtPeriodEnd == cancel {
		return sub, nil
	}

	if err := s.provider.SetCancelAtPeriodEnd(ctx, sub.ProviderSubID, cancel); err != nil {
		return nil, errors.Join(ErrProviderError, err)
	}

	// Optimistic local update; the subscription_updated webhook confirms it.
	sub.CancelAtPeriodEnd = cancel
	sub.UpdatedAt = s.now()
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "subscription cancellation flag changed",
		slog.String("user_id", userID.String()),
		slog.String("subscription_id", sub.ID.String()),
		slog.Bool("cancel_at_period_end", cancel))
	return sub, nil
}

// CurrentSubscription returns the user's most recent subscription, or
// ErrSubscriptionNotFound when they never had one.
func (s *Service) CurrentSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	sub, err := s.currentSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// currentSubscription picks the newest subscription for a user, preferring a
// non-terminal one over expired history.
func (s *Service) currentSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	subs, err := s.store.SubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}
	for i := range subs {
		if !subs[i].Status.IsTerminal() {
			return &subs[i], nil
		}
	}
	return &subs[0], nil
}

// BillingHistory returns the user's ledger entries, newest period first.
func (s *Service) BillingHistory(ctx context.Context, userID uuid.UUID, limit int) ([]LedgerEntry, error) {
	return s.store.LedgerEntriesByUser(ctx, userID, limit)
}

// Plans lists the plan catalog for pricing pages.
func (s *Service) Plans() map[string]Plan {
	return s.catalog.Plans()
}

// Plan returns one plan by ID.
func (s *Service) Plan(planID string) (Plan, error) {
	p, ok := s.catalog.Plan(planID)
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p, nil
}
