package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/streamkit/pkg/billing"
)

func TestMemoryStore_AdmitEvent(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	ctx := context.Background()

	admitted, err := store.AdmitEvent(ctx, "evt_1", "invoice.payment_succeeded")
	require.NoError(t, err)
	assert.True(t, admitted)

	admitted, err = store.AdmitEvent(ctx, "evt_1", "invoice.payment_succeeded")
	require.NoError(t, err)
	assert.False(t, admitted, "second admit of the same ID must lose")

	require.NoError(t, store.ReleaseEvent(ctx, "evt_1"))

	admitted, err = store.AdmitEvent(ctx, "evt_1", "invoice.payment_succeeded")
	require.NoError(t, err)
	assert.True(t, admitted, "released event is admitted as new")
}

func TestMemoryStore_PruneEventsBefore(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	ctx := context.Background()

	_, err := store.AdmitEvent(ctx, "evt_old", "x")
	require.NoError(t, err)

	// Nothing is older than a cutoff in the past.
	pruned, err := store.PruneEventsBefore(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, pruned)

	pruned, err = store.PruneEventsBefore(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	admitted, err := store.AdmitEvent(ctx, "evt_old", "x")
	require.NoError(t, err)
	assert.True(t, admitted, "pruned event ID is admitted again")
}

func TestMemoryStore_WithinTx_Rollback(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	ctx := context.Background()
	userID := uuid.New()

	err := store.WithinTx(ctx, func(ctx context.Context, tx billing.Store) error {
		sub := &billing.Subscription{
			ID:            uuid.New(),
			UserID:        userID,
			ProviderSubID: "sub_tx",
			Status:        billing.StatusActive,
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)

	_, err = store.SubscriptionByProviderID(ctx, "sub_tx")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound, "failed transaction leaves no trace")
}

func TestMemoryStore_DuplicateGuards(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	ctx := context.Background()

	sub := &billing.Subscription{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		ProviderSubID: "sub_dup",
		Status:        billing.StatusActive,
	}
	require.NoError(t, store.CreateSubscription(ctx, sub))

	again := *sub
	again.ID = uuid.New()
	assert.ErrorIs(t, store.CreateSubscription(ctx, &again), billing.ErrSubscriptionAlreadyExists)

	entry := &billing.LedgerEntry{
		ID:            uuid.New(),
		UserID:        sub.UserID,
		InvoiceNumber: "INV-42",
		Amount:        billing.Money{Amount: 999, Currency: "USD"},
		PaymentStatus: billing.PaymentCompleted,
	}
	require.NoError(t, store.AppendLedgerEntry(ctx, entry))

	dupe := *entry
	dupe.ID = uuid.New()
	assert.ErrorIs(t, store.AppendLedgerEntry(ctx, &dupe), billing.ErrDuplicateInvoice)
}

func TestMemoryStore_SweepQueries(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	ctx := context.Background()
	now := testClock()

	lapsed := &billing.Subscription{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		ProviderSubID:    "sub_lapsed",
		Status:           billing.StatusActive,
		CurrentPeriodEnd: now.AddDate(0, 0, -2),
	}
	current := &billing.Subscription{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		ProviderSubID:    "sub_current",
		Status:           billing.StatusActive,
		CurrentPeriodEnd: now.AddDate(0, 0, 20),
	}
	canceled := &billing.Subscription{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		ProviderSubID:    "sub_canceled",
		Status:           billing.StatusCanceled,
		CurrentPeriodEnd: now.AddDate(0, 0, -5),
	}
	trialEnd := now.AddDate(0, 0, 2)
	trialing := &billing.Subscription{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		ProviderSubID:    "sub_trial",
		Status:           billing.StatusTrialing,
		CurrentPeriodEnd: trialEnd,
		TrialEnd:         &trialEnd,
	}
	for _, sub := range []*billing.Subscription{lapsed, current, canceled, trialing} {
		require.NoError(t, store.CreateSubscription(ctx, sub))
	}

	got, err := store.SubscriptionsLapsedAt(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sub_lapsed", got[0].ProviderSubID)

	ending, err := store.SubscriptionsWithTrialEndingBy(ctx, now.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, ending, 1)
	assert.Equal(t, "sub_trial", ending[0].ProviderSubID)

	none, err := store.SubscriptionsWithTrialEndingBy(ctx, now.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, none)
}
