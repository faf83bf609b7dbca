package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/streamkit/pkg/pg"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, letting one
// store type serve both pooled and transactional calls.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements Store on PostgreSQL. Inside a transaction, subscription
// lookups take a row lock so concurrent events for the same subscription
// serialize on the row.
type PGStore struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPGStore creates a PostgreSQL-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	if pool == nil {
		panic("billing: pgx pool is required")
	}
	return &PGStore{pool: pool, q: pool}
}

func (s *PGStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(ctx, &PGStore{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PGStore) AdmitEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO processed_events (event_id, event_type, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to admit event %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) ReleaseEvent(ctx context.Context, eventID string) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM processed_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to release event %s: %w", eventID, err)
	}
	return nil
}

func (s *PGStore) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

const subscriptionColumns = `id, user_id, plan_id, status,
	current_period_start, current_period_end, trial_end, cancel_at_period_end,
	provider_sub_id, provider_customer_id, payment_method_type, payment_method_last4,
	created_at, updated_at`

func (s *PGStore) SubscriptionByProviderID(ctx context.Context, providerSubID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE provider_sub_id = $1`
	if s.inTx {
		query += ` FOR UPDATE`
	}

	sub, err := scanSubscription(s.q.QueryRow(ctx, query, providerSubID))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to load subscription %s: %w", providerSubID, err)
	}
	return sub, nil
}

func (s *PGStore) SubscriptionsByUser(ctx context.Context, userID uuid.UUID) ([]Subscription, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY current_period_end DESC, created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for user %s: %w", userID, err)
	}
	return collectSubscriptions(rows)
}

func (s *PGStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sub.ID, sub.UserID, sub.PlanID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEnd, sub.CancelAtPeriodEnd,
		sub.ProviderSubID, sub.ProviderCustomerID, sub.PaymentMethodType, sub.PaymentMethodLast4,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrSubscriptionAlreadyExists
		}
		return fmt.Errorf("failed to create subscription %s: %w", sub.ProviderSubID, err)
	}
	return nil
}

func (s *PGStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE subscriptions SET
			plan_id = $2, status = $3,
			current_period_start = $4, current_period_end = $5,
			trial_end = $6, cancel_at_period_end = $7,
			payment_method_type = $8, payment_method_last4 = $9,
			updated_at = $10
		WHERE id = $1`,
		sub.ID, sub.PlanID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.TrialEnd, sub.CancelAtPeriodEnd,
		sub.PaymentMethodType, sub.PaymentMethodLast4,
		sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update subscription %s: %w", sub.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PGStore) SubscriptionsLapsedAt(ctx context.Context, now time.Time) ([]Subscription, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status IN ($1, $2) AND current_period_end < $3
		ORDER BY current_period_end`,
		StatusActive, StatusTrialing, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *PGStore) SubscriptionsWithTrialEndingBy(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = $1 AND trial_end IS NOT NULL AND trial_end <= $2
		ORDER BY trial_end`,
		StatusTrialing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list ending trials: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *PGStore) AppendLedgerEntry(ctx context.Context, entry *LedgerEntry) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO billing_ledger (
			id, user_id, subscription_id, plan_id, invoice_number,
			amount, currency, payment_status, period_start, period_end,
			transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.UserID, entry.SubscriptionID, entry.PlanID, entry.InvoiceNumber,
		entry.Amount.Amount, entry.Amount.Currency, entry.PaymentStatus,
		entry.PeriodStart, entry.PeriodEnd, entry.TransactionID, entry.CreatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrDuplicateInvoice
		}
		return fmt.Errorf("failed to append ledger entry %s: %w", entry.InvoiceNumber, err)
	}
	return nil
}

func (s *PGStore) LedgerEntriesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]LedgerEntry, error) {
	query := `
		SELECT id, user_id, subscription_id, plan_id, invoice_number,
			amount, currency, payment_status, period_start, period_end,
			transaction_id, created_at
		FROM billing_ledger
		WHERE user_id = $1
		ORDER BY period_start DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.SubscriptionID, &e.PlanID, &e.InvoiceNumber,
			&e.Amount.Amount, &e.Amount.Currency, &e.PaymentStatus,
			&e.PeriodStart, &e.PeriodEnd, &e.TransactionID, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	if err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialEnd, &sub.CancelAtPeriodEnd,
		&sub.ProviderSubID, &sub.ProviderCustomerID, &sub.PaymentMethodType, &sub.PaymentMethodLast4,
		&sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return out, nil
}
