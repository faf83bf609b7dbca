package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/streamkit/pkg/notifier"
)

const intentDateFormat = "January 2, 2006"

// handleCheckoutCompleted creates the subscription row for a completed
// checkout. The checkout session only references the provider subscription, so
// the authoritative snapshot always comes from a provider lookup.
func (p *Processor) handleCheckoutCompleted(ctx context.Context, tx Store, ev *Event) ([]notifier.Intent, error) {
	d := ev.Checkout
	if d == nil || d.ProviderSubID == "" {
		// One-time payments carry no subscription; nothing to do.
		return nil, nil
	}

	if _, err := tx.SubscriptionByProviderID(ctx, d.ProviderSubID); err == nil {
		// Row already exists: redelivery, or payment_succeeded self-healed
		// ahead of us. Either way the checkout is accounted for.
		return nil, nil
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	snap, err := p.resolver.ResolveSubscription(ctx, d.ProviderSubID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription %s: %w", d.ProviderSubID, err)
	}

	userID, planID, err := p.identify(snap, d.UserID, d.PlanID)
	if err != nil {
		// Missing metadata cannot be fixed by redelivery; log and acknowledge.
		p.log.WarnContext(ctx, "checkout subscription has no usable metadata",
			slog.String("provider_sub_id", d.ProviderSubID),
			slog.String("error", err.Error()))
		return nil, nil
	}

	sub := p.newSubscription(snap, userID, planID)
	if err := tx.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, ErrSubscriptionAlreadyExists) {
			return nil, nil
		}
		return nil, err
	}

	intent := notifier.Intent{
		Template: notifier.TemplateWelcome,
		UserID:   userID,
		Context:  map[string]any{"plan_name": p.planName(planID)},
	}
	if sub.IsTrialing() && sub.TrialEnd != nil {
		intent.Template = notifier.TemplateTrialStarted
		intent.Context["trial_end_date"] = sub.TrialEnd.Format(intentDateFormat)
	}
	return []notifier.Intent{intent}, nil
}

// handlePaymentSucceeded activates the subscription and appends the payment to
// the billing ledger, deduplicated by invoice number. When the subscription
// row is missing (payment event raced ahead of checkout completion) it is
// reconstructed from a provider lookup.
func (p *Processor) handlePaymentSucceeded(ctx context.Context, tx Store, ev *Event) ([]notifier.Intent, error) {
	inv := ev.Invoice
	if inv == nil || !inv.Paid || inv.ProviderSubID == "" {
		return nil, nil
	}
	if inv.InvoiceNumber == "" {
		p.log.WarnContext(ctx, "paid invoice carries no invoice number, skipping",
			slog.String("provider_sub_id", inv.ProviderSubID))
		return nil, nil
	}

	now := p.now()

	sub, err := tx.SubscriptionByProviderID(ctx, inv.ProviderSubID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		sub, err = p.selfHeal(ctx, tx, inv.ProviderSubID)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, nil // unresolvable metadata, acknowledged
		}
	case err != nil:
		return nil, err
	}

	if sub.Status != StatusActive && !sub.transitionTo(StatusActive, now) {
		// Terminal subscription: keep the status, but the money is real and
		// still belongs in the ledger.
		p.log.WarnContext(ctx, "payment received for terminal subscription",
			slog.String("provider_sub_id", inv.ProviderSubID),
			slog.String("status", string(sub.Status)))
	}
	sub.setPeriod(inv.PeriodStart, inv.PeriodEnd, false)
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	entry := &LedgerEntry{
		ID:             uuid.New(),
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		InvoiceNumber:  inv.InvoiceNumber,
		Amount:         Money{Amount: inv.AmountPaid, Currency: strings.ToUpper(inv.Currency)},
		PaymentStatus:  PaymentCompleted,
		PeriodStart:    inv.PeriodStart,
		PeriodEnd:      inv.PeriodEnd,
		TransactionID:  inv.TransactionID,
		CreatedAt:      now,
	}
	if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateInvoice) {
			// The same payment was already recorded; absorbed, no second
			// receipt.
			return nil, nil
		}
		return nil, err
	}

	return []notifier.Intent{{
		Template: notifier.TemplatePaymentReceipt,
		UserID:   sub.UserID,
		Context: map[string]any{
			"amount":         inv.AmountPaid,
			"currency":       strings.ToUpper(inv.Currency),
			"invoice_number": inv.InvoiceNumber,
			"date":           now.Format(intentDateFormat),
		},
	}}, nil
}

// handlePaymentFailed moves the subscription into the past-due grace period.
// No ledger entry: the ledger records completed payments only.
func (p *Processor) handlePaymentFailed(ctx context.Context, tx Store, ev *Event) ([]notifier.Intent, error) {
	inv := ev.Invoice
	if inv == nil || inv.ProviderSubID == "" {
		return nil, nil
	}

	sub, err := tx.SubscriptionByProviderID(ctx, inv.ProviderSubID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !sub.transitionTo(StatusPastDue, p.now()) {
		p.log.WarnContext(ctx, "ignoring payment failure for subscription outside grace-eligible state",
			slog.String("provider_sub_id", inv.ProviderSubID),
			slog.String("status", string(sub.Status)))
		return nil, nil
	}
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	return []notifier.Intent{{
		Template: notifier.TemplatePaymentFailed,
		UserID:   sub.UserID,
		Context:  map[string]any{"plan_name": p.planName(sub.PlanID)},
	}}, nil
}

// handleSubscriptionUpdated mirrors the provider's subscription snapshot into
// the local row: status via the fixed mapping table, the cancellation flag,
// and refreshed period bounds.
func (p *Processor) handleSubscriptionUpdated(ctx context.Context, tx Store, ev *Event) ([]notifier.Intent, error) {
	d := ev.Subscription
	if d == nil || d.ProviderSubID == "" {
		return nil, nil
	}

	sub, err := tx.SubscriptionByProviderID(ctx, d.ProviderSubID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := p.now()
	newStatus := StatusFromProvider(d.ProviderStatus)
	if sub.Status != newStatus && !sub.transitionTo(newStatus, now) {
		p.log.WarnContext(ctx, "provider status update not permitted by state machine, keeping local status",
			slog.String("provider_sub_id", d.ProviderSubID),
			slog.String("local_status", string(sub.Status)),
			slog.String("provider_status", d.ProviderStatus))
	}
	sub.CancelAtPeriodEnd = d.WillCancel(now)
	sub.setPeriod(d.CurrentPeriodStart, d.CurrentPeriodEnd, newStatus.IsTerminal())
	if d.TrialEnd != nil {
		sub.TrialEnd = d.TrialEnd
	}
	sub.UpdatedAt = now

	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleSubscriptionDeleted cancels the subscription with an immediate cutoff:
// the current period ends at the processing timestamp.
func (p *Processor) handleSubscriptionDeleted(ctx context.Context, tx Store, ev *Event) ([]notifier.Intent, error) {
	d := ev.Subscription
	if d == nil || d.ProviderSubID == "" {
		return nil, nil
	}

	sub, err := tx.SubscriptionByProviderID(ctx, d.ProviderSubID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return nil, nil // redelivery, already cut off
	}

	now := p.now()
	if !sub.transitionTo(StatusCanceled, now) {
		p.log.WarnContext(ctx, "delete event for subscription in terminal state",
			slog.String("provider_sub_id", d.ProviderSubID),
			slog.String("status", string(sub.Status)))
		return nil, nil
	}
	sub.setPeriod(time.Time{}, now, true)
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleTrialWillEnd emits a reminder; no state changes.
func (p *Processor) handleTrialWillEnd(ctx context.Context, tx Store, ev *Event) ([]notifier.Intent, error) {
	d := ev.Subscription
	if d == nil || d.ProviderSubID == "" || d.TrialEnd == nil {
		return nil, nil
	}

	sub, err := tx.SubscriptionByProviderID(ctx, d.ProviderSubID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return []notifier.Intent{{
		Template: notifier.TemplateTrialEnding,
		UserID:   sub.UserID,
		Context: map[string]any{
			"plan_name":      p.planName(sub.PlanID),
			"trial_end_date": d.TrialEnd.Format(intentDateFormat),
		},
	}}, nil
}

// selfHeal reconstructs a missing subscription row from the provider's
// authoritative snapshot. Returns (nil, nil) when the snapshot carries no
// usable metadata: redelivery will not fix that.
func (p *Processor) selfHeal(ctx context.Context, tx Store, providerSubID string) (*Subscription, error) {
	snap, err := p.resolver.ResolveSubscription(ctx, providerSubID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription %s: %w", providerSubID, err)
	}

	userID, planID, err := p.identify(snap, "", "")
	if err != nil {
		p.log.WarnContext(ctx, "cannot self-heal subscription without metadata",
			slog.String("provider_sub_id", providerSubID),
			slog.String("error", err.Error()))
		return nil, nil
	}

	sub := p.newSubscription(snap, userID, planID)
	if err := tx.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, ErrSubscriptionAlreadyExists) {
			// Lost a race with another handler; reread under the row lock.
			return tx.SubscriptionByProviderID(ctx, providerSubID)
		}
		return nil, err
	}

	p.log.InfoContext(ctx, "self-healed missing subscription from provider lookup",
		slog.String("provider_sub_id", providerSubID))
	return sub, nil
}

// newSubscription builds a local row from a provider snapshot. The initial
// status honors the provider's view but never starts beyond active.
func (p *Processor) newSubscription(snap *SubscriptionData, userID uuid.UUID, planID string) *Subscription {
	now := p.now()

	status := StatusPending
	switch StatusFromProvider(snap.ProviderStatus) {
	case StatusTrialing:
		status = StatusTrialing
	case StatusActive:
		status = StatusActive
	}

	sub := &Subscription{
		ID:                 uuid.New(),
		UserID:             userID,
		PlanID:             planID,
		Status:             status,
		CurrentPeriodStart: snap.CurrentPeriodStart,
		CurrentPeriodEnd:   snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:  snap.WillCancel(now),
		ProviderSubID:      snap.ProviderSubID,
		ProviderCustomerID: snap.ProviderCustomerID,
		PaymentMethodType:  "card",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if status == StatusTrialing && snap.TrialEnd != nil {
		sub.TrialEnd = snap.TrialEnd
	}
	return sub
}

// identify extracts the local user and plan identity from a provider snapshot,
// with checkout metadata as fallback and the price-ID index as a last resort
// for the plan.
func (p *Processor) identify(snap *SubscriptionData, fallbackUserID, fallbackPlanID string) (uuid.UUID, string, error) {
	rawUser := snap.UserID
	if rawUser == "" {
		rawUser = fallbackUserID
	}
	if rawUser == "" {
		return uuid.Nil, "", errors.New("no user_id in subscription metadata")
	}
	userID, err := uuid.Parse(rawUser)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid user_id %q in subscription metadata: %w", rawUser, err)
	}

	planID := snap.PlanID
	if planID == "" {
		planID = fallbackPlanID
	}
	if planID == "" && snap.PriceID != "" {
		if plan, ok := p.catalog.PlanByPriceID(snap.PriceID); ok {
			planID = plan.ID
		}
	}
	if planID == "" {
		return uuid.Nil, "", errors.New("no plan_id in subscription metadata")
	}
	return userID, planID, nil
}

func (p *Processor) planName(planID string) string {
	if plan, ok := p.catalog.Plan(planID); ok {
		return plan.Name
	}
	return planID
}
