package billing

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is the current-state record of a user's subscription, keyed by
// the provider's subscription ID. Rows are created on the first successful
// checkout-completion event (or self-healed from a provider lookup), mutated
// only by event handlers and reconciliation sweeps, and never deleted.
type Subscription struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	PlanID             string
	Status             Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEnd           *time.Time // set only for subscriptions started with a trial
	CancelAtPeriodEnd  bool
	ProviderSubID      string // provider's subscription ID, unique
	ProviderCustomerID string
	PaymentMethodType  string
	PaymentMethodLast4 string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (s *Subscription) IsTrialing() bool {
	return s.Status == StatusTrialing
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// IsEntitled reports whether the subscription currently grants streaming
// access. Past-due is included: payment failed but the grace period has not
// revoked entitlement yet.
func (s *Subscription) IsEntitled(now time.Time) bool {
	switch s.Status {
	case StatusActive, StatusTrialing:
		return s.CurrentPeriodEnd.After(now)
	case StatusPastDue:
		return true
	default:
		return false
	}
}

// TrialDaysRemainingAt returns whole days left in the trial at a given time,
// rounding partial days up. Returns 0 when not trialing or the trial is over.
func (s *Subscription) TrialDaysRemainingAt(now time.Time) int {
	if !s.IsTrialing() || s.TrialEnd == nil {
		return 0
	}
	remaining := s.TrialEnd.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Hours()/24 + 0.5)
}

// Expire marks a lapsed subscription expired. Used by the reconciliation
// sweep when the provider's terminal event never arrived. Returns false when
// the state machine forbids the transition (already terminal).
func (s *Subscription) Expire(now time.Time) bool {
	return s.transitionTo(StatusExpired, now)
}

// transitionTo applies a status change if the state machine permits it.
// Returns false when the transition is not allowed, leaving the record
// untouched so the caller can decide whether that is an error or a no-op.
func (s *Subscription) transitionTo(to Status, now time.Time) bool {
	if !CanTransition(s.Status, to) {
		return false
	}
	s.Status = to
	s.UpdatedAt = now
	return true
}

// setPeriod refreshes the billing cycle bounds. The period end is monotonically
// non-decreasing except when the subscription is being cut off (cancellation or
// expiry), which protects against stale out-of-order provider snapshots.
func (s *Subscription) setPeriod(start, end time.Time, cutoff bool) {
	if !start.IsZero() {
		s.CurrentPeriodStart = start
	}
	if end.IsZero() {
		return
	}
	if cutoff || !end.Before(s.CurrentPeriodEnd) {
		s.CurrentPeriodEnd = end
	}
}
