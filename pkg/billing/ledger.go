package billing

import (
	"time"

	"github.com/google/uuid"
)

// LedgerEntry is one row of the append-only billing ledger: the source of
// truth for completed payments. The provider's invoice number is globally
// unique and doubles as the dedup key for payment-succeeded events — a
// duplicate event must never produce a second entry. Entries are immutable;
// corrections (refunds) are recorded as new rows.
type LedgerEntry struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	SubscriptionID uuid.UUID
	PlanID         string
	InvoiceNumber  string
	Amount         Money
	PaymentStatus  PaymentStatus
	PeriodStart    time.Time
	PeriodEnd      time.Time
	TransactionID  string // provider's payment transaction reference
	CreatedAt      time.Time
}
