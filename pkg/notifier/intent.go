package notifier

import (
	"github.com/google/uuid"
)

// Template identifiers understood by the delivery collaborator. This subsystem
// never renders templates; it only names them.
const (
	TemplateWelcome             = "welcome"
	TemplateTrialStarted        = "trial_started"
	TemplatePaymentReceipt      = "payment_receipt"
	TemplatePaymentFailed       = "payment_failed"
	TemplateTrialEnding         = "trial_ending"
	TemplateSubscriptionExpired = "subscription_expired"
)

// Intent is an opaque notification request produced by billing handlers and
// reconciliation sweeps: a template identifier, a recipient, and structured
// template context. Resolving the recipient to an address and rendering the
// template are the delivery infrastructure's job.
type Intent struct {
	Template string         `json:"template"`
	UserID   uuid.UUID      `json:"user_id"`
	Context  map[string]any `json:"context,omitempty"`
}
