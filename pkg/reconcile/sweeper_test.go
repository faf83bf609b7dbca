package reconcile_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/streamkit/pkg/billing"
	"github.com/dmitrymomot/streamkit/pkg/notifier"
	"github.com/dmitrymomot/streamkit/pkg/reconcile"
)

var sweepNow = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

type captureSink struct {
	mu      sync.Mutex
	intents []notifier.Intent
}

func (c *captureSink) Enqueue(_ context.Context, intents ...notifier.Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intents = append(c.intents, intents...)
}

func (c *captureSink) byTemplate(template string) []notifier.Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notifier.Intent
	for _, intent := range c.intents {
		if intent.Template == template {
			out = append(out, intent)
		}
	}
	return out
}

func newSweeper(t *testing.T, store billing.Store) (*reconcile.Sweeper, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	sweeper := reconcile.NewSweeper(store, sink, reconcile.NewMemoryWatermarkStore(),
		reconcile.WithSweeperClock(func() time.Time { return sweepNow }))
	return sweeper, sink
}

func seedSubscription(t *testing.T, store billing.Store, sub billing.Subscription) billing.Subscription {
	t.Helper()
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.UserID == uuid.Nil {
		sub.UserID = uuid.New()
	}
	require.NoError(t, store.CreateSubscription(context.Background(), &sub))
	return sub
}

func TestSweeper_ExpireLapsed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("expires past-period subscriptions and notifies", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		sweeper, sink := newSweeper(t, store)

		lapsed := seedSubscription(t, store, billing.Subscription{
			PlanID:           "standard",
			Status:           billing.StatusActive,
			CurrentPeriodEnd: sweepNow.Add(-time.Hour),
			ProviderSubID:    "sub_lapsed",
		})
		current := seedSubscription(t, store, billing.Subscription{
			PlanID:           "standard",
			Status:           billing.StatusActive,
			CurrentPeriodEnd: sweepNow.Add(24 * time.Hour),
			ProviderSubID:    "sub_current",
		})

		report, err := sweeper.ExpireLapsed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Expired)
		assert.NoError(t, report.Err())

		got, err := store.SubscriptionByProviderID(ctx, lapsed.ProviderSubID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusExpired, got.Status)

		got, err = store.SubscriptionByProviderID(ctx, current.ProviderSubID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, got.Status)

		intents := sink.byTemplate(notifier.TemplateSubscriptionExpired)
		require.Len(t, intents, 1)
		assert.Equal(t, lapsed.UserID, intents[0].UserID)
		assert.Equal(t, "standard", intents[0].Context["plan_id"])
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		sweeper, sink := newSweeper(t, store)

		seedSubscription(t, store, billing.Subscription{
			PlanID:           "standard",
			Status:           billing.StatusTrialing,
			CurrentPeriodEnd: sweepNow.Add(-time.Hour),
			ProviderSubID:    "sub_trial_lapsed",
		})

		first, err := sweeper.ExpireLapsed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Expired)

		second, err := sweeper.ExpireLapsed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, second.Expired)
		assert.Len(t, sink.byTemplate(notifier.TemplateSubscriptionExpired), 1)
	})
}

func TestSweeper_RemindTrialsEnding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	trialEnd := sweepNow.Add(48 * time.Hour)

	t.Run("reminds trials inside the lookahead once per day", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		sweeper, sink := newSweeper(t, store)

		inWindow := seedSubscription(t, store, billing.Subscription{
			PlanID:           "premium",
			Status:           billing.StatusTrialing,
			CurrentPeriodEnd: trialEnd,
			TrialEnd:         &trialEnd,
			ProviderSubID:    "sub_trial_soon",
		})
		farEnd := sweepNow.Add(10 * 24 * time.Hour)
		seedSubscription(t, store, billing.Subscription{
			PlanID:           "premium",
			Status:           billing.StatusTrialing,
			CurrentPeriodEnd: farEnd,
			TrialEnd:         &farEnd,
			ProviderSubID:    "sub_trial_far",
		})

		report, err := sweeper.RemindTrialsEnding(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Reminded)

		intents := sink.byTemplate(notifier.TemplateTrialEnding)
		require.Len(t, intents, 1)
		assert.Equal(t, inWindow.UserID, intents[0].UserID)
		assert.Equal(t, "March 17, 2025", intents[0].Context["trial_end_date"])
		assert.Equal(t, 2, intents[0].Context["days_left"])

		// Same day, same subscription: the watermark suppresses the repeat.
		report, err = sweeper.RemindTrialsEnding(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Reminded)
		assert.Len(t, sink.byTemplate(notifier.TemplateTrialEnding), 1)
	})

	t.Run("skips already-ended trials", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		sweeper, sink := newSweeper(t, store)

		ended := sweepNow.Add(-time.Hour)
		seedSubscription(t, store, billing.Subscription{
			PlanID:           "premium",
			Status:           billing.StatusTrialing,
			CurrentPeriodEnd: ended,
			TrialEnd:         &ended,
			ProviderSubID:    "sub_trial_over",
		})

		report, err := sweeper.RemindTrialsEnding(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Reminded)
		assert.Empty(t, sink.byTemplate(notifier.TemplateTrialEnding))
	})
}

func TestSweeper_PruneProcessedEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := billing.NewMemoryStore()
	sweeper, _ := newSweeper(t, store)

	admitted, err := store.AdmitEvent(ctx, "evt_old", "payment_succeeded")
	require.NoError(t, err)
	require.True(t, admitted)

	// Nothing is older than the retention window yet.
	report, err := sweeper.PruneProcessedEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PrunedEvents)

	// The marker still guards against duplicates.
	admitted, err = store.AdmitEvent(ctx, "evt_old", "payment_succeeded")
	require.NoError(t, err)
	assert.False(t, admitted)
}

func TestSweeper_Run(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	sweeper, sink := newSweeper(t, store)

	seedSubscription(t, store, billing.Subscription{
		PlanID:           "standard",
		Status:           billing.StatusActive,
		CurrentPeriodEnd: sweepNow.Add(-time.Minute),
		ProviderSubID:    "sub_run_lapsed",
	})
	trialEnd := sweepNow.Add(24 * time.Hour)
	seedSubscription(t, store, billing.Subscription{
		PlanID:           "premium",
		Status:           billing.StatusTrialing,
		CurrentPeriodEnd: trialEnd,
		TrialEnd:         &trialEnd,
		ProviderSubID:    "sub_run_trial",
	})

	report := sweeper.Run(context.Background())
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.Reminded)
	assert.NoError(t, report.Err())
	assert.Len(t, sink.intents, 2)
}

func TestMemoryWatermarkStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := reconcile.NewMemoryWatermarkStore()

	acquired, err := store.Acquire(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = store.Acquire(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.False(t, acquired)

	acquired, err = store.Acquire(ctx, "k2", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Expired watermarks can be re-acquired.
	acquired, err = store.Acquire(ctx, "k3", -time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
	acquired, err = store.Acquire(ctx, "k3", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestSweeper_Handlers(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	sweeper, _ := newSweeper(t, store)

	handlers := sweeper.Handlers()
	require.Len(t, handlers, 3)

	names := make(map[string]bool, len(handlers))
	for _, h := range handlers {
		names[h.Name()] = true
	}
	assert.True(t, names[reconcile.TaskExpireLapsed])
	assert.True(t, names[reconcile.TaskRemindTrials])
	assert.True(t, names[reconcile.TaskPruneEvents])

	// Handlers run against empty state without error.
	for _, h := range handlers {
		assert.NoError(t, h.Handle(context.Background(), nil))
	}
}
