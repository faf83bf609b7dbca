package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider implements Provider for Paddle. Paddle has no separate
// checkout event, so subscription.created plays the checkout_completed role
// and transaction.completed carries the invoice data.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	config   PaddleConfig
}

// NewPaddleProvider creates a Paddle billing provider.
func NewPaddleProvider(config PaddleConfig) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	var client *paddle.SDK
	var err error
	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		config:   config,
	}, nil
}

func (p *PaddleProvider) Name() string { return "paddle" }

// VerifyAndParse validates the Paddle-Signature header and normalizes the
// event. Paddle payloads are decoded generically because event data shapes
// vary per event type.
func (p *PaddleProvider) VerifyAndParse(ctx context.Context, payload []byte, signature string) (*Event, error) {
	// The verifier operates on an http.Request; reconstruct one around the raw
	// payload so the HMAC is computed over the exact delivered bytes.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var paddleEvent struct {
		EventID    string         `json:"event_id"`
		EventType  string         `json:"event_type"`
		OccurredAt string         `json:"occurred_at"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	ev := &Event{
		ID:            paddleEvent.EventID,
		Kind:          mapPaddleEventKind(paddleEvent.EventType),
		ProviderEvent: paddleEvent.EventType,
	}
	if t, err := time.Parse(time.RFC3339, paddleEvent.OccurredAt); err == nil {
		ev.OccurredAt = t.UTC()
	}

	switch ev.Kind {
	case EventCheckoutCompleted:
		ev.Checkout = paddleCheckoutData(paddleEvent.Data)
	case EventPaymentSucceeded, EventPaymentFailed:
		ev.Invoice = paddleInvoiceData(paddleEvent.Data, ev.Kind == EventPaymentSucceeded)
	case EventSubscriptionUpdated, EventSubscriptionDeleted, EventTrialWillEnd:
		ev.Subscription = paddleSubscriptionData(paddleEvent.Data)
	case EventUnknown:
	}

	return ev, nil
}

// ResolveSubscription fetches the authoritative subscription snapshot from
// Paddle.
func (p *PaddleProvider) ResolveSubscription(ctx context.Context, providerSubID string) (*SubscriptionData, error) {
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: providerSubID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription %s from paddle: %w", providerSubID, err)
	}

	data := &SubscriptionData{
		ProviderSubID:      sub.ID,
		ProviderCustomerID: sub.CustomerID,
		ProviderStatus:     string(sub.Status),
	}
	if custom, ok := sub.CustomData["user_id"].(string); ok {
		data.UserID = custom
	}
	if custom, ok := sub.CustomData["plan_id"].(string); ok {
		data.PlanID = custom
	}
	if len(sub.Items) > 0 {
		data.PriceID = sub.Items[0].Price.ID
	}
	if sub.CurrentBillingPeriod != nil {
		if t, err := time.Parse(time.RFC3339, sub.CurrentBillingPeriod.StartsAt); err == nil {
			data.CurrentPeriodStart = t.UTC()
		}
		if t, err := time.Parse(time.RFC3339, sub.CurrentBillingPeriod.EndsAt); err == nil {
			data.CurrentPeriodEnd = t.UTC()
		}
	}
	// Paddle models cancel-at-period-end as a scheduled cancel change.
	if sub.ScheduledChange != nil && string(sub.ScheduledChange.Action) == "cancel" {
		data.CancelAtPeriodEnd = true
	}
	return data, nil
}

// CreateCheckout creates a hosted checkout transaction in Paddle.
func (p *PaddleProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, errors.New("price ID is required")
	}
	if req.UserID == "" {
		return nil, errors.New("user ID is required")
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"user_id": req.UserID,
			"plan_id": req.PlanID,
		},
	}
	if req.Email != "" {
		transactionReq.CustomData["email"] = req.Email
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle transaction: %w", err)
	}
	if transaction.Checkout == nil || transaction.Checkout.URL == nil || *transaction.Checkout.URL == "" {
		return nil, ErrNoCheckoutURL
	}

	return &CheckoutSession{
		ID:  transaction.ID,
		URL: *transaction.Checkout.URL,
		// Paddle checkout links expire in 24 hours.
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// SetCancelAtPeriodEnd schedules or removes a cancellation at the end of the
// current billing period.
func (p *PaddleProvider) SetCancelAtPeriodEnd(ctx context.Context, providerSubID string, cancel bool) error {
	if cancel {
		_, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
			SubscriptionID: providerSubID,
			EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromNextBillingPeriod),
		})
		if err != nil {
			return fmt.Errorf("failed to schedule paddle cancellation for %s: %w", providerSubID, err)
		}
		return nil
	}

	// Removing the scheduled change undoes a pending cancellation.
	_, err := p.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID:  providerSubID,
		ScheduledChange: paddle.NewPatchField[*paddle.SubscriptionScheduledChange](nil),
	})
	if err != nil {
		return fmt.Errorf("failed to remove paddle scheduled cancellation for %s: %w", providerSubID, err)
	}
	return nil
}

func mapPaddleEventKind(eventType string) EventKind {
	switch eventType {
	case "subscription.created":
		return EventCheckoutCompleted
	case "transaction.completed":
		return EventPaymentSucceeded
	case "transaction.payment_failed":
		return EventPaymentFailed
	case "subscription.updated", "subscription.paused", "subscription.resumed":
		return EventSubscriptionUpdated
	case "subscription.canceled":
		return EventSubscriptionDeleted
	default:
		return EventUnknown
	}
}

func paddleCheckoutData(data map[string]any) *CheckoutData {
	out := &CheckoutData{}
	if id, ok := data["id"].(string); ok {
		out.ProviderSubID = id
	}
	if txnID, ok := data["transaction_id"].(string); ok {
		out.SessionID = txnID
	}
	if custom, ok := data["custom_data"].(map[string]any); ok {
		if userID, ok := custom["user_id"].(string); ok {
			out.UserID = userID
		}
		if planID, ok := custom["plan_id"].(string); ok {
			out.PlanID = planID
		}
	}
	return out
}

func paddleInvoiceData(data map[string]any, paid bool) *InvoiceData {
	out := &InvoiceData{Paid: paid}
	if id, ok := data["id"].(string); ok {
		out.TransactionID = id
	}
	if subID, ok := data["subscription_id"].(string); ok {
		out.ProviderSubID = subID
	}
	if num, ok := data["invoice_number"].(string); ok {
		out.InvoiceNumber = num
	}
	if currency, ok := data["currency_code"].(string); ok {
		out.Currency = currency
	}
	if details, ok := data["details"].(map[string]any); ok {
		if totals, ok := details["totals"].(map[string]any); ok {
			// Paddle sends totals as decimal strings of the smallest unit.
			if grand, ok := totals["grand_total"].(string); ok {
				fmt.Sscanf(grand, "%d", &out.AmountPaid) //nolint:errcheck // zero on parse failure
			}
		}
	}
	if period, ok := data["billing_period"].(map[string]any); ok {
		if starts, ok := period["starts_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, starts); err == nil {
				out.PeriodStart = t.UTC()
			}
		}
		if ends, ok := period["ends_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ends); err == nil {
				out.PeriodEnd = t.UTC()
			}
		}
	}
	return out
}

func paddleSubscriptionData(data map[string]any) *SubscriptionData {
	out := &SubscriptionData{}
	if id, ok := data["id"].(string); ok {
		out.ProviderSubID = id
	}
	if customerID, ok := data["customer_id"].(string); ok {
		out.ProviderCustomerID = customerID
	}
	if status, ok := data["status"].(string); ok {
		out.ProviderStatus = status
	}
	if custom, ok := data["custom_data"].(map[string]any); ok {
		if userID, ok := custom["user_id"].(string); ok {
			out.UserID = userID
		}
		if planID, ok := custom["plan_id"].(string); ok {
			out.PlanID = planID
		}
	}
	if items, ok := data["items"].([]any); ok && len(items) > 0 {
		if item, ok := items[0].(map[string]any); ok {
			if price, ok := item["price"].(map[string]any); ok {
				if priceID, ok := price["id"].(string); ok {
					out.PriceID = priceID
				}
			}
		}
	}
	if period, ok := data["current_billing_period"].(map[string]any); ok {
		if starts, ok := period["starts_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, starts); err == nil {
				out.CurrentPeriodStart = t.UTC()
			}
		}
		if ends, ok := period["ends_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ends); err == nil {
				out.CurrentPeriodEnd = t.UTC()
			}
		}
	}
	if change, ok := data["scheduled_change"].(map[string]any); ok {
		if action, ok := change["action"].(string); ok && action == "cancel" {
			out.CancelAtPeriodEnd = true
		}
	}
	return out
}
