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
	"github.com/dmitrymomot/streamkit/pkg/notifier"
)

type staticResolver struct {
	snaps map[string]*billing.SubscriptionData
	err   error
}

func (r *staticResolver) ResolveSubscription(_ context.Context, providerSubID string) (*billing.SubscriptionData, error) {
	if r.err != nil {
		return nil, r.err
	}
	if snap, ok := r.snaps[providerSubID]; ok {
		cp := *snap
		return &cp, nil
	}
	return nil, billing.ErrSubscriptionNotFound
}

type captureSink struct {
	intents []notifier.Intent
}

func (s *captureSink) Enqueue(_ context.Context, intents ...notifier.Intent) {
	s.intents = append(s.intents, intents...)
}

// flakyStore injects a ledger write failure inside the transaction to prove
// rollback behavior.
type flakyStore struct {
	billing.Store
	failAppend bool
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx billing.Store) error) error {
	return f.Store.WithinTx(ctx, func(ctx context.Context, tx billing.Store) error {
		return fn(ctx, &flakyStore{Store: tx, failAppend: f.failAppend})
	})
}

func (f *flakyStore) AppendLedgerEntry(ctx context.Context, entry *billing.LedgerEntry) error {
	if f.failAppend {
		return errors.New("ledger write failed")
	}
	return f.Store.AppendLedgerEntry(ctx, entry)
}

var testClock = func() time.Time {
	return time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
}

func testCatalog(t *testing.T) *billing.Catalog {
	t.Helper()
	catalog, err := billing.NewCatalog(context.Background(), billing.StaticPlans{
		"standard": {
			ID:   "standard",
			Name: "Standard",
			Price: map[billing.BillingInterval]billing.Money{
				billing.IntervalMonthly: {Amount: 999, Currency: "USD"},
			},
			ProviderPriceIDs: map[billing.BillingInterval]string{
				billing.IntervalMonthly: "price_standard_month",
			},
			MaxConcurrentStreams: 2,
			MaxQuality:           billing.QualityFHD,
		},
		"premium": {
			ID:   "premium",
			Name: "Premium",
			Price: map[billing.BillingInterval]billing.Money{
				billing.IntervalMonthly: {Amount: 1999, Currency: "USD"},
			},
			ProviderPriceIDs: map[billing.BillingInterval]string{
				billing.IntervalMonthly: "price_premium_month",
			},
			MaxConcurrentStreams: 4,
			MaxQuality:           billing.QualityUHD,
			TrialDays:            7,
		},
	})
	require.NoError(t, err)
	return catalog
}

func activeSnapshot(userID uuid.UUID) *billing.SubscriptionData {
	now := testClock()
	return &billing.SubscriptionData{
		ProviderSubID:      "sub_123",
		ProviderCustomerID: "cus_123",
		ProviderStatus:     "active",
		UserID:             userID.String(),
		PlanID:             "premium",
		PriceID:            "price_premium_month",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}
}

func checkoutEvent(id string) *billing.Event {
	return &billing.Event{
		ID:            id,
		Kind:          billing.EventCheckoutCompleted,
		ProviderEvent: "checkout.session.completed",
		Checkout: &billing.CheckoutData{
			SessionID:     "cs_1",
			ProviderSubID: "sub_123",
		},
	}
}

func paymentEvent(id, invoiceNumber string) *billing.Event {
	now := testClock()
	return &billing.Event{
		ID:            id,
		Kind:          billing.EventPaymentSucceeded,
		ProviderEvent: "invoice.payment_succeeded",
		Invoice: &billing.InvoiceData{
			ProviderSubID: "sub_123",
			InvoiceNumber: invoiceNumber,
			AmountPaid:    1999,
			Currency:      "usd",
			Paid:          true,
			PeriodStart:   now,
			PeriodEnd:     now.AddDate(0, 1, 0),
			TransactionID: "pi_1",
		},
	}
}

func TestProcessor_Idempotency(t *testing.T) {
	t.Parallel()

	t.Run("duplicate event ID is acknowledged without side effects", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		store := billing.NewMemoryStore()
		sink := &captureSink{}
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{
			"sub_123": activeSnapshot(userID),
		}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), sink, billing.WithClock(testClock))

		first := proc.Process(context.Background(), checkoutEvent("evt_1"))
		require.Equal(t, billing.OutcomeCommitted, first.Outcome)

		second := proc.Process(context.Background(), checkoutEvent("evt_1"))
		assert.Equal(t, billing.OutcomeDuplicate, second.Outcome)

		subs, err := store.SubscriptionsByUser(context.Background(), userID)
		require.NoError(t, err)
		assert.Len(t, subs, 1)
		assert.Len(t, sink.intents, 1, "no second welcome email on redelivery")
	})

	t.Run("same invoice under a new event ID is absorbed", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		store := billing.NewMemoryStore()
		sink := &captureSink{}
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{
			"sub_123": activeSnapshot(userID),
		}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), sink, billing.WithClock(testClock))

		first := proc.Process(context.Background(), paymentEvent("evt_1", "INV-001"))
		require.Equal(t, billing.OutcomeCommitted, first.Outcome)

		// Provider generated a fresh event for the same invoice.
		second := proc.Process(context.Background(), paymentEvent("evt_2", "INV-001"))
		assert.Equal(t, billing.OutcomeCommitted, second.Outcome)

		entries, err := store.LedgerEntriesByUser(context.Background(), userID, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "duplicate invoice must not double-charge the ledger")
		assert.Len(t, sink.intents, 1, "no second receipt for the absorbed duplicate")
	})

	t.Run("nil or unidentified event is permanently rejected", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		proc := billing.NewProcessor(store, &staticResolver{}, testCatalog(t), &captureSink{}, billing.WithClock(testClock))

		res := proc.Process(context.Background(), nil)
		assert.Equal(t, billing.OutcomePermanent, res.Outcome)

		res = proc.Process(context.Background(), &billing.Event{Kind: billing.EventCheckoutCompleted})
		assert.Equal(t, billing.OutcomePermanent, res.Outcome)
	})
}

func TestProcessor_CheckoutCompleted(t *testing.T) {
	t.Parallel()

	t.Run("creates subscription and sends welcome", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		store := billing.NewMemoryStore()
		sink := &captureSink{}
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{
			"sub_123": activeSnapshot(userID),
		}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), sink, billing.WithClock(testClock))

		res := proc.Process(context.Background(), checkoutEvent("evt_1"))
		require.Equal(t, billing.OutcomeCommitted, res.Outcome)

		sub, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.Equal(t, userID, sub.UserID)
		assert.Equal(t, "premium", sub.PlanID)
		assert.Equal(t, billing.StatusActive, sub.Status)

		require.Len(t, sink.intents, 1)
		assert.Equal(t, notifier.TemplateWelcome, sink.intents[0].Template)
		assert.Equal(t, userID, sink.intents[0].UserID)
		assert.Equal(t, "Premium", sink.intents[0].Context["plan_name"])
	})

	t.Run("trialing checkout sends trial started with end date", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		snap := activeSnapshot(userID)
		snap.ProviderStatus = "trialing"
		trialEnd := testClock().AddDate(0, 0, 7)
		snap.TrialEnd = &trialEnd

		store := billing.NewMemoryStore()
		sink := &captureSink{}
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{"sub_123": snap}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), sink, billing.WithClock(testClock))

		res := proc.Process(context.Background(), checkoutEvent("evt_1"))
		require.Equal(t, billing.OutcomeCommitted, res.Outcome)

		sub, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusTrialing, sub.Status)
		require.NotNil(t, sub.TrialEnd)

		require.Len(t, sink.intents, 1)
		assert.Equal(t, notifier.TemplateTrialStarted, sink.intents[0].Template)
		assert.Equal(t, "March 22, 2025", sink.intents[0].Context["trial_end_date"])
	})

	t.Run("missing metadata is acknowledged without creating a row", func(t *testing.T) {
		t.Parallel()
		snap := activeSnapshot(uuid.New())
		snap.UserID = ""
		snap.PlanID = ""
		snap.PriceID = "price_unknown"

		store := billing.NewMemoryStore()
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{"sub_123": snap}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), &captureSink{}, billing.WithClock(testClock))

		res := proc.Process(context.Background(), checkoutEvent("evt_1"))
		assert.Equal(t, billing.OutcomeCommitted, res.Outcome)

		_, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})

	t.Run("one-time payment checkout without subscription is a no-op", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		proc := billing.NewProcessor(store, &staticResolver{}, testCatalog(t), &captureSink{}, billing.WithClock(testClock))

		ev := checkoutEvent("evt_1")
		ev.Checkout.ProviderSubID = ""
		res := proc.Process(context.Background(), ev)
		assert.Equal(t, billing.OutcomeCommitted, res.Outcome)
	})
}

func TestProcessor_PaymentSucceeded(t *testing.T) {
	t.Parallel()

	t.Run("activates subscription and records the ledger entry", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		store := billing.NewMemoryStore()
		sink := &captureSink{}
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{
			"sub_123": activeSnapshot(userID),
		}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), sink, billing.WithClock(testClock))

		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), checkoutEvent("evt_1")).Outcome)
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), paymentEvent("evt_2", "INV-001")).Outcome)

		sub, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)

		entries, err := store.LedgerEntriesByUser(context.Background(), userID, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "INV-001", entries[0].InvoiceNumber)
		assert.Equal(t, int64(1999), entries[0].Amount.Amount)
		assert.Equal(t, "USD", entries[0].Amount.Currency)
		assert.Equal(t, billing.PaymentCompleted, entries[0].PaymentStatus)

		require.Len(t, sink.intents, 2)
		assert.Equal(t, notifier.TemplatePaymentReceipt, sink.intents[1].Template)
	})

	t.Run("self-heals when payment arrives before checkout completion", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		store := billing.NewMemoryStore()
		sink := &captureSink{}
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{
			"sub_123": activeSnapshot(userID),
		}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), sink, billing.WithClock(testClock))

		// Payment first.
		res := proc.Process(context.Background(), paymentEvent("evt_1", "INV-001"))
		require.Equal(t, billing.OutcomeCommitted, res.Outcome)

		sub, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Equal(t, userID, sub.UserID)

		// Late checkout completion must not create a second row.
		res = proc.Process(context.Background(), checkoutEvent("evt_2"))
		require.Equal(t, billing.OutcomeCommitted, res.Outcome)

		subs, err := store.SubscriptionsByUser(context.Background(), userID)
		require.NoError(t, err)
		assert.Len(t, subs, 1)
	})

	t.Run("restores past_due subscription to active", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		store := billing.NewMemoryStore()
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{
			"sub_123": activeSnapshot(userID),
		}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), &captureSink{}, billing.WithClock(testClock))

		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), checkoutEvent("evt_1")).Outcome)

		failed := &billing.Event{
			ID:            "evt_2",
			Kind:          billing.EventPaymentFailed,
			ProviderEvent: "invoice.payment_failed",
			Invoice:       &billing.InvoiceData{ProviderSubID: "sub_123"},
		}
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), failed).Outcome)

		sub, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		require.Equal(t, billing.StatusPastDue, sub.Status)

		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), paymentEvent("evt_3", "INV-002")).Outcome)

		sub, err = store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
	})

	t.Run("unpaid invoice event is ignored", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		proc := billing.NewProcessor(store, &staticResolver{}, testCatalog(t), &captureSink{}, billing.WithClock(testClock))

		ev := paymentEvent("evt_1", "INV-001")
		ev.Invoice.Paid = false
		res := proc.Process(context.Background(), ev)
		assert.Equal(t, billing.OutcomeCommitted, res.Outcome)
	})
}

func TestProcessor_PaymentFailed(t *testing.T) {
	t.Parallel()

	t.Run("moves active subscription to past_due and notifies", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		store := billing.NewMemoryStore()
		sink := &captureSink{}
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{
			"sub_123": activeSnapshot(userID),
		}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), sink, billing.WithClock(testClock))

		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), checkoutEvent("evt_1")).Outcome)

		ev := &billing.Event{
			ID:            "evt_2",
			Kind:          billing.EventPaymentFailed,
			ProviderEvent: "invoice.payment_failed",
			Invoice:       &billing.InvoiceData{ProviderSubID: "sub_123"},
		}
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), ev).Outcome)

		sub, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, sub.Status)

		require.Len(t, sink.intents, 2)
		assert.Equal(t, notifier.TemplatePaymentFailed, sink.intents[1].Template)
	})

	t.Run("failure for unknown subscription is acknowledged", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		proc := billing.NewProcessor(store, &staticResolver{}, testCatalog(t), &captureSink{}, billing.WithClock(testClock))

		ev := &billing.Event{
			ID:            "evt_1",
			Kind:          billing.EventPaymentFailed,
			ProviderEvent: "invoice.payment_failed",
			Invoice:       &billing.InvoiceData{ProviderSubID: "sub_unknown"},
		}
		res := proc.Process(context.Background(), ev)
		assert.Equal(t, billing.OutcomeCommitted, res.Outcome)
	})
}

func TestProcessor_SubscriptionUpdated(t *testing.T) {
	t.Parallel()

	newUpdateEvent := func(id string, mutate func(*billing.SubscriptionData)) *billing.Event {
		now := testClock()
		data := &billing.SubscriptionData{
			ProviderSubID:      "sub_123",
			ProviderStatus:     "active",
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		}
		if mutate != nil {
			mutate(data)
		}
		return &billing.Event{
			ID:            id,
			Kind:          billing.EventSubscriptionUpdated,
			ProviderEvent: "customer.subscription.updated",
			Subscription:  data,
		}
	}

	setup := func(t *testing.T) (*billing.Processor, *billing.MemoryStore) {
		t.Helper()
		userID := uuid.New()
		store := billing.NewMemoryStore()
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{
			"sub_123": activeSnapshot(userID),
		}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), &captureSink{}, billing.WithClock(testClock))
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), checkoutEvent("evt_seed")).Outcome)
		return proc, store
	}

	t.Run("mirrors cancellation flag from provider", func(t *testing.T) {
		t.Parallel()
		proc, store := setup(t)

		ev := newUpdateEvent("evt_1", func(d *billing.SubscriptionData) {
			d.CancelAtPeriodEnd = true
		})
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), ev).Outcome)

		sub, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.True(t, sub.CancelAtPeriodEnd)
		assert.Equal(t, billing.StatusActive, sub.Status)
	})

	t.Run("future cancel_at timestamp counts as pending cancellation", func(t *testing.T) {
		t.Parallel()
		proc, store := setup(t)

		cancelAt := testClock().AddDate(0, 1, 0)
		ev := newUpdateEvent("evt_1", func(d *billing.SubscriptionData) {
			d.CancelAt = &cancelAt
		})
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), ev).Outcome)

		sub, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.True(t, sub.CancelAtPeriodEnd)
	})

	t.Run("stale snapshot cannot shrink the period end", func(t *testing.T) {
		t.Parallel()
		proc, store := setup(t)

		before, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)

		ev := newUpdateEvent("evt_1", func(d *billing.SubscriptionData) {
			d.CurrentPeriodEnd = testClock().AddDate(0, 0, -10)
		})
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), ev).Outcome)

		after, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.Equal(t, before.CurrentPeriodEnd, after.CurrentPeriodEnd)
	})

	t.Run("disallowed provider status keeps local status", func(t *testing.T) {
		t.Parallel()
		proc, store := setup(t)

		// Cancel first, making the subscription terminal.
		deleted := &billing.Event{
			ID:            "evt_1",
			Kind:          billing.EventSubscriptionDeleted,
			ProviderEvent: "customer.subscription.deleted",
			Subscription:  &billing.SubscriptionData{ProviderSubID: "sub_123"},
		}
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), deleted).Outcome)

		// A late "active" update must not resurrect it.
		ev := newUpdateEvent("evt_2", nil)
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), ev).Outcome)

		sub, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, sub.Status)
	})

	t.Run("update for unknown subscription is acknowledged", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		proc := billing.NewProcessor(store, &staticResolver{}, testCatalog(t), &captureSink{}, billing.WithClock(testClock))

		res := proc.Process(context.Background(), newUpdateEvent("evt_1", nil))
		assert.Equal(t, billing.OutcomeCommitted, res.Outcome)
	})
}

func TestProcessor_SubscriptionDeleted(t *testing.T) {
	t.Parallel()

	t.Run("cancels with an immediate period cutoff", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		store := billing.NewMemoryStore()
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{
			"sub_123": activeSnapshot(userID),
		}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), &captureSink{}, billing.WithClock(testClock))
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), checkoutEvent("evt_1")).Outcome)

		ev := &billing.Event{
			ID:            "evt_2",
			Kind:          billing.EventSubscriptionDeleted,
			ProviderEvent: "customer.subscription.deleted",
			Subscription:  &billing.SubscriptionData{ProviderSubID: "sub_123"},
		}
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), ev).Outcome)

		sub, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, sub.Status)
		assert.Equal(t, testClock(), sub.CurrentPeriodEnd)
		assert.False(t, sub.IsEntitled(testClock()))

		// Redelivery under a fresh event ID is still a no-op.
		ev2 := &billing.Event{
			ID:            "evt_3",
			Kind:          billing.EventSubscriptionDeleted,
			ProviderEvent: "customer.subscription.deleted",
			Subscription:  &billing.SubscriptionData{ProviderSubID: "sub_123"},
		}
		assert.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), ev2).Outcome)
	})
}

func TestProcessor_TrialWillEnd(t *testing.T) {
	t.Parallel()

	t.Run("emits reminder without touching state", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		snap := activeSnapshot(userID)
		snap.ProviderStatus = "trialing"
		trialEnd := testClock().AddDate(0, 0, 3)
		snap.TrialEnd = &trialEnd

		store := billing.NewMemoryStore()
		sink := &captureSink{}
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{"sub_123": snap}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), sink, billing.WithClock(testClock))
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), checkoutEvent("evt_1")).Outcome)

		ev := &billing.Event{
			ID:            "evt_2",
			Kind:          billing.EventTrialWillEnd,
			ProviderEvent: "customer.subscription.trial_will_end",
			Subscription: &billing.SubscriptionData{
				ProviderSubID: "sub_123",
				TrialEnd:      &trialEnd,
			},
		}
		require.Equal(t, billing.OutcomeCommitted, proc.Process(context.Background(), ev).Outcome)

		sub, err := store.SubscriptionByProviderID(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusTrialing, sub.Status)

		require.Len(t, sink.intents, 2)
		assert.Equal(t, notifier.TemplateTrialEnding, sink.intents[1].Template)
		assert.Equal(t, "March 18, 2025", sink.intents[1].Context["trial_end_date"])
	})
}

func TestProcessor_UnknownEvent(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	proc := billing.NewProcessor(store, &staticResolver{}, testCatalog(t), &captureSink{}, billing.WithClock(testClock))

	ev := &billing.Event{
		ID:            "evt_1",
		Kind:          billing.EventUnknown,
		ProviderEvent: "customer.tax_id.created",
	}
	res := proc.Process(context.Background(), ev)
	assert.Equal(t, billing.OutcomeCommitted, res.Outcome)

	// Unknown events are still recorded for idempotency.
	res = proc.Process(context.Background(), ev)
	assert.Equal(t, billing.OutcomeDuplicate, res.Outcome)
}

func TestProcessor_FailureAndRetry(t *testing.T) {
	t.Parallel()

	t.Run("handler failure rolls back and releases the event for retry", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		inner := billing.NewMemoryStore()
		store := &flakyStore{Store: inner, failAppend: true}
		sink := &captureSink{}
		resolver := &staticResolver{snaps: map[string]*billing.SubscriptionData{
			"sub_123": activeSnapshot(userID),
		}}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), sink, billing.WithClock(testClock))

		res := proc.Process(context.Background(), paymentEvent("evt_1", "INV-001"))
		require.Equal(t, billing.OutcomeRetryable, res.Outcome)
		require.Error(t, res.Err)

		// Transaction rolled back: no subscription, no ledger entry, no intent.
		_, err := inner.SubscriptionByProviderID(context.Background(), "sub_123")
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
		entries, err := inner.LedgerEntriesByUser(context.Background(), userID, 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.Empty(t, sink.intents)

		// Redelivery of the same event ID is processed as new, not duplicate.
		store.failAppend = false
		retry := proc.Process(context.Background(), paymentEvent("evt_1", "INV-001"))
		require.Equal(t, billing.OutcomeCommitted, retry.Outcome)

		entries, err = inner.LedgerEntriesByUser(context.Background(), userID, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("resolver failure is retryable", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		resolver := &staticResolver{err: errors.New("provider unavailable")}
		proc := billing.NewProcessor(store, resolver, testCatalog(t), &captureSink{}, billing.WithClock(testClock))

		res := proc.Process(context.Background(), checkoutEvent("evt_1"))
		assert.Equal(t, billing.OutcomeRetryable, res.Outcome)
	})
}
