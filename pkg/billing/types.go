package billing

// Status represents the lifecycle state of a subscription.
type Status string

const (
	StatusPending  Status = "pending"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// statusTransitions is the closed transition table of the subscription state
// machine. Canceled and expired are terminal: a new checkout creates a new
// subscription row rather than resurrecting an old one.
var statusTransitions = map[Status][]Status{
	StatusPending:  {StatusTrialing, StatusActive},
	StatusTrialing: {StatusActive, StatusPastDue, StatusCanceled, StatusExpired},
	StatusActive:   {StatusPastDue, StatusCanceled, StatusExpired},
	StatusPastDue:  {StatusActive, StatusCanceled, StatusExpired},
	StatusCanceled: {},
	StatusExpired:  {},
}

// CanTransition reports whether the state machine permits moving from one
// status to another. Self-transitions are always allowed so that redelivered
// events remain idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outbound transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// providerStatusMap translates provider subscription status strings into local
// statuses. Anything outside the table maps to pending: the conservative
// default that does not grant streaming entitlement.
var providerStatusMap = map[string]Status{
	"active":             StatusActive,
	"trialing":           StatusTrialing,
	"past_due":           StatusPastDue,
	"unpaid":             StatusExpired,
	"canceled":           StatusCanceled,
	"incomplete":         StatusPending,
	"incomplete_expired": StatusExpired,
}

// StatusFromProvider maps a provider status string to a local Status.
func StatusFromProvider(providerStatus string) Status {
	if s, ok := providerStatusMap[providerStatus]; ok {
		return s
	}
	return StatusPending
}

// PaymentStatus represents the outcome recorded on a billing ledger entry.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Money represents a monetary amount in the smallest currency unit.
// For example, $15.99 USD is Amount: 1599, Currency: "USD".
type Money struct {
	Amount   int64  `json:"amount" yaml:"amount"`
	Currency string `json:"currency" yaml:"currency"`
}

// VideoQuality is a tier on the three-step quality ladder.
type VideoQuality string

const (
	QualityHD  VideoQuality = "HD"
	QualityFHD VideoQuality = "FHD"
	QualityUHD VideoQuality = "UHD"
)

// qualityRank orders the ladder for downgrade decisions.
var qualityRank = map[VideoQuality]int{
	QualityHD:  1,
	QualityFHD: 2,
	QualityUHD: 3,
}

// AtMost clamps a requested quality to the given ceiling. Unknown qualities
// clamp to the ceiling as well.
func (q VideoQuality) AtMost(ceiling VideoQuality) VideoQuality {
	qr, ok := qualityRank[q]
	if !ok || qr > qualityRank[ceiling] {
		return ceiling
	}
	return q
}

// BillingInterval represents the billing frequency of a plan price.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)
