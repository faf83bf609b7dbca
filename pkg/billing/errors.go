package billing

import "errors"

var (
	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrSubscriptionAlreadyExists = errors.New("subscription already exists")
	ErrDuplicateInvoice          = errors.New("invoice already recorded in billing ledger")

	ErrPlanNotFound      = errors.New("subscription plan not found")
	ErrPriceNotFound     = errors.New("no provider price configured for plan")
	ErrFailedToLoadPlans = errors.New("failed to load subscription plans")
	ErrInvalidPlanConfig = errors.New("invalid subscription plan configuration")

	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrProviderError    = errors.New("payment provider error")

	ErrMissingAPIKey        = errors.New("billing provider API key is required")
	ErrMissingWebhookSecret = errors.New("billing provider webhook secret is required")
	ErrNoCheckoutURL        = errors.New("no checkout URL returned from provider")
)
