package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/streamkit/pkg/billing"
	"github.com/dmitrymomot/streamkit/pkg/notifier"
)

const (
	// DefaultTrialLookahead is how far ahead the trial-ending sweep looks.
	DefaultTrialLookahead = 3 * 24 * time.Hour

	// DefaultEventRetention is how long processed event markers are kept. Far
	// beyond any provider's webhook retry window.
	DefaultEventRetention = 30 * 24 * time.Hour

	// reminderWatermarkTTL outlives the one-per-day dedup window with margin.
	reminderWatermarkTTL = 48 * time.Hour

	reminderDateFormat = "January 2, 2006"
)

// Report is the outcome of one sweep run. Per-row failures are collected
// here and the sweep continues; only a failure to list work at all aborts.
type Report struct {
	Expired      int
	Reminded     int
	PrunedEvents int64
	Errors       []error
}

// Err flattens the collected per-row failures, nil when the run was clean.
func (r Report) Err() error {
	return errors.Join(r.Errors...)
}

// Sweeper repairs billing state the webhook stream failed to deliver: lapsed
// subscriptions the provider never terminated, trial reminders, and stale
// idempotency markers.
type Sweeper struct {
	store  billing.Store
	notify billing.NotificationSink
	marks  WatermarkStore
	log    *slog.Logger

	trialLookahead time.Duration
	eventRetention time.Duration
	now            func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the sweeper logger.
func WithSweeperLogger(log *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTrialLookahead overrides how far ahead trial reminders are sent.
func WithTrialLookahead(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.trialLookahead = d
		}
	}
}

// WithEventRetention overrides the processed-event retention window.
func WithEventRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.eventRetention = d
		}
	}
}

// WithSweeperClock injects a deterministic time source for tests.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSweeper creates a reconciliation sweeper. Panics on nil required
// dependencies to fail fast during initialization.
func NewSweeper(store billing.Store, notify billing.NotificationSink, marks WatermarkStore, opts ...SweeperOption) *Sweeper {
	if store == nil {
		panic("reconcile: billing.Store is required")
	}
	if notify == nil {
		panic("reconcile: billing.NotificationSink is required")
	}
	if marks == nil {
		panic("reconcile: WatermarkStore is required")
	}

	s := &Sweeper{
		store:          store,
		notify:         notify,
		marks:          marks,
		log:            slog.Default(),
		trialLookahead: DefaultTrialLookahead,
		eventRetention: DefaultEventRetention,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExpireLapsed transitions active and trialing subscriptions whose period end
// has passed to expired. Each subscription is re-read and re-checked under a
// row lock so a concurrent webhook (a late renewal, say) wins over the sweep.
func (s *Sweeper) ExpireLapsed(ctx context.Context) (Report, error) {
	var report Report
	now := s.now()

	lapsed, err := s.store.SubscriptionsLapsedAt(ctx, now)
	if err != nil {
		return report, fmt.Errorf("failed to list lapsed subscriptions: %w", err)
	}

	for _, candidate := range lapsed {
		var intent *notifier.Intent
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx billing.Store) error {
			sub, err := tx.SubscriptionByProviderID(ctx, candidate.ProviderSubID)
			if err != nil {
				return err
			}
			// Re-check under the lock: a renewal event may have landed since
			// the listing query.
			if sub.CurrentPeriodEnd.After(now) {
				return nil
			}
			if !sub.Expire(now) {
				return nil
			}
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
			intent = &notifier.Intent{
				Template: notifier.TemplateSubscriptionExpired,
				UserID:   sub.UserID,
				Context: map[string]any{
					"plan_id": sub.PlanID,
				},
			}
			return nil
		})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("expire %s: %w", candidate.ProviderSubID, err))
			continue
		}
		if intent != nil {
			report.Expired++
			s.notify.Enqueue(ctx, *intent)
		}
	}

	s.log.Info("expiry sweep finished",
		slog.Int("candidates", len(lapsed)),
		slog.Int("expired", report.Expired),
		slog.Int("errors", len(report.Errors)))
	return report, nil
}

// RemindTrialsEnding notifies users whose trial ends within the lookahead
// window. At most one reminder per subscription per day, deduplicated through
// the watermark store so repeated runs and replicas stay quiet.
func (s *Sweeper) RemindTrialsEnding(ctx context.Context) (Report, error) {
	var report Report
	now := s.now()

	ending, err := s.store.SubscriptionsWithTrialEndingBy(ctx, now.Add(s.trialLookahead))
	if err != nil {
		return report, fmt.Errorf("failed to list ending trials: %w", err)
	}

	for _, sub := range ending {
		if sub.TrialEnd == nil || !sub.TrialEnd.After(now) {
			continue
		}

		key := fmt.Sprintf("billing:trial_reminder:%s:%s", sub.ProviderSubID, now.Format("2006-01-02"))
		acquired, err := s.marks.Acquire(ctx, key, reminderWatermarkTTL)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("remind %s: %w", sub.ProviderSubID, err))
			continue
		}
		if !acquired {
			continue
		}

		report.Reminded++
		s.notify.Enqueue(ctx, notifier.Intent{
			Template: notifier.TemplateTrialEnding,
			UserID:   sub.UserID,
			Context: map[string]any{
				"trial_end_date": sub.TrialEnd.Format(reminderDateFormat),
				"days_left":      sub.TrialDaysRemainingAt(now),
			},
		})
	}

	s.log.Info("trial reminder sweep finished",
		slog.Int("candidates", len(ending)),
		slog.Int("reminded", report.Reminded),
		slog.Int("errors", len(report.Errors)))
	return report, nil
}

// PruneProcessedEvents drops idempotency markers older than the retention
// window. Safe: providers stop retrying long before the window ends.
func (s *Sweeper) PruneProcessedEvents(ctx context.Context) (Report, error) {
	var report Report

	pruned, err := s.store.PruneEventsBefore(ctx, s.now().Add(-s.eventRetention))
	if err != nil {
		return report, fmt.Errorf("failed to prune processed events: %w", err)
	}
	report.PrunedEvents = pruned

	s.log.Info("event pruning finished", slog.Int64("pruned", pruned))
	return report, nil
}

// Run executes all sweeps and merges their reports. Listing failures are
// collected rather than aborting the remaining sweeps.
func (s *Sweeper) Run(ctx context.Context) Report {
	var merged Report

	expiry, err := s.ExpireLapsed(ctx)
	merged.absorb(expiry, err)

	trials, err := s.RemindTrialsEnding(ctx)
	merged.absorb(trials, err)

	prune, err := s.PruneProcessedEvents(ctx)
	merged.absorb(prune, err)

	return merged
}

func (r *Report) absorb(other Report, err error) {
	r.Expired += other.Expired
	r.Reminded += other.Reminded
	r.PrunedEvents += other.PrunedEvents
	r.Errors = append(r.Errors, other.Errors...)
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
}
