package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeConfig holds configuration for the Stripe billing provider.
type StripeConfig struct {
	APIKey        string `env:"STRIPE_API_KEY,required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
}

// StripeProvider implements Provider for Stripe. Webhook payloads are verified
// with the endpoint secret and normalized into the closed Event variant; event
// types the state machine does not consume come back as EventUnknown.
type StripeProvider struct {
	config StripeConfig
}

// NewStripeProvider creates a Stripe billing provider.
func NewStripeProvider(config StripeConfig) (*StripeProvider, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	stripe.Key = config.APIKey
	return &StripeProvider{config: config}, nil
}

func (p *StripeProvider) Name() string { return "stripe" }

// VerifyAndParse checks the Stripe-Signature header against the raw payload
// and normalizes the event. Signature and decode failures are permanent:
// redelivering the same bytes cannot fix them.
func (p *StripeProvider) VerifyAndParse(_ context.Context, payload []byte, signature string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, signature, p.config.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	ev := &Event{
		ID:            stripeEvent.ID,
		Kind:          mapStripeEventKind(string(stripeEvent.Type)),
		ProviderEvent: string(stripeEvent.Type),
		OccurredAt:    time.Unix(stripeEvent.Created, 0).UTC(),
	}

	switch ev.Kind {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		ev.Checkout = checkoutDataFromSession(&sess)

	case EventPaymentSucceeded, EventPaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(stripeEvent.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		ev.Invoice = invoiceDataFromStripe(&inv)

	case EventSubscriptionUpdated, EventSubscriptionDeleted, EventTrialWillEnd:
		var sub stripe.Subscription
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		ev.Subscription = subscriptionDataFromStripe(&sub)

	case EventUnknown:
		// Normalized as a no-op; the processor acknowledges it.
	}

	return ev, nil
}

// ResolveSubscription fetches the authoritative subscription snapshot from
// Stripe. Used by the processor to self-heal when an event references a
// subscription with no local row.
func (p *StripeProvider) ResolveSubscription(_ context.Context, providerSubID string) (*SubscriptionData, error) {
	sub, err := subscription.Get(providerSubID, nil)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to fetch subscription %s from stripe: %w", providerSubID, err)
	}
	return subscriptionDataFromStripe(sub), nil
}

// CreateCheckout creates a hosted checkout session in subscription mode. The
// user and plan identifiers travel in metadata on both the session and the
// subscription it creates, so every later webhook can be attributed.
func (p *StripeProvider) CreateCheckout(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, errors.New("price ID is required")
	}
	if req.UserID == "" {
		return nil, errors.New("user ID is required")
	}

	metadata := map[string]string{
		"user_id": req.UserID,
		"plan_id": req.PlanID,
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(req.PriceID),
			Quantity: stripe.Int64(1),
		}},
		ClientReferenceID: stripe.String(req.UserID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		Metadata:          metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
		params.CustomerEmail = nil
	}
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe checkout session: %w", err)
	}
	if sess.URL == "" {
		return nil, ErrNoCheckoutURL
	}

	return &CheckoutSession{
		ID:        sess.ID,
		URL:       sess.URL,
		ExpiresAt: time.Unix(sess.ExpiresAt, 0).UTC(),
	}, nil
}

// SetCancelAtPeriodEnd flips the provider-side cancellation flag. The
// subscription_updated webhook confirms the change.
func (p *StripeProvider) SetCancelAtPeriodEnd(_ context.Context, providerSubID string, cancel bool) error {
	_, err := subscription.Update(providerSubID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	})
	if err != nil {
		return fmt.Errorf("failed to update cancellation flag for %s: %w", providerSubID, err)
	}
	return nil
}

func mapStripeEventKind(eventType string) EventKind {
	switch eventType {
	case "checkout.session.completed":
		return EventCheckoutCompleted
	case "invoice.payment_succeeded", "invoice.paid":
		return EventPaymentSucceeded
	case "invoice.payment_failed":
		return EventPaymentFailed
	case "customer.subscription.updated":
		return EventSubscriptionUpdated
	case "customer.subscription.deleted":
		return EventSubscriptionDeleted
	case "customer.subscription.trial_will_end":
		return EventTrialWillEnd
	default:
		return EventUnknown
	}
}

func checkoutDataFromSession(sess *stripe.CheckoutSession) *CheckoutData {
	data := &CheckoutData{
		SessionID: sess.ID,
		UserID:    sess.ClientReferenceID,
	}
	if data.UserID == "" {
		data.UserID = sess.Metadata["user_id"]
	}
	data.PlanID = sess.Metadata["plan_id"]
	if sess.Subscription != nil {
		data.ProviderSubID = sess.Subscription.ID
	}
	return data
}

func invoiceDataFromStripe(inv *stripe.Invoice) *InvoiceData {
	data := &InvoiceData{
		InvoiceNumber: inv.Number,
		AmountPaid:    inv.AmountPaid,
		Currency:      string(inv.Currency),
		Paid:          inv.Paid,
		PeriodStart:   time.Unix(inv.PeriodStart, 0).UTC(),
		PeriodEnd:     time.Unix(inv.PeriodEnd, 0).UTC(),
	}
	if inv.Subscription != nil {
		data.ProviderSubID = inv.Subscription.ID
	}
	// Line-item periods carry the actual service window; the invoice-level
	// period is the billing cycle anchor.
	if inv.Lines != nil && len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period != nil {
		data.PeriodStart = time.Unix(inv.Lines.Data[0].Period.Start, 0).UTC()
		data.PeriodEnd = time.Unix(inv.Lines.Data[0].Period.End, 0).UTC()
	}
	if inv.PaymentIntent != nil {
		data.TransactionID = inv.PaymentIntent.ID
	} else if inv.Charge != nil {
		data.TransactionID = inv.Charge.ID
	}
	return data
}

func subscriptionDataFromStripe(sub *stripe.Subscription) *SubscriptionData {
	data := &SubscriptionData{
		ProviderSubID:      sub.ID,
		ProviderStatus:     string(sub.Status),
		UserID:             sub.Metadata["user_id"],
		PlanID:             sub.Metadata["plan_id"],
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if sub.Customer != nil {
		data.ProviderCustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		data.PriceID = sub.Items.Data[0].Price.ID
	}
	if sub.CancelAt > 0 {
		t := time.Unix(sub.CancelAt, 0).UTC()
		data.CancelAt = &t
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		data.TrialEnd = &t
	}
	return data
}
