package billing

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/streamkit/pkg/billing"
	"github.com/dmitrymomot/streamkit/pkg/entitlement"
)

// UserResolver extracts the authenticated user from a request. This module
// does not own authentication; the host application injects whatever scheme
// it uses (session, JWT) through this hook.
type UserResolver func(r *http.Request) (uuid.UUID, error)

// RouterOptions wires the billing HTTP surface. Processor and the webhook
// providers are required; the customer-facing API is mounted only when
// Service and User are present.
type RouterOptions struct {
	// Providers verify and normalize webhook payloads, keyed by the
	// {provider} path segment via Provider.Name().
	Providers []billing.Provider

	Processor *billing.Processor
	Service   *billing.Service
	Access    *entitlement.Resolver
	User      UserResolver

	Log *slog.Logger

	// MaxBodyBytes caps webhook payload size. Defaults to 1 MiB.
	MaxBodyBytes int64
}

// Router builds the billing module router:
//
//	POST /webhooks/{provider}        - provider event intake
//	GET  /plans                      - plan catalog
//	GET  /subscription/status        - entitlement snapshot
//	POST /subscription/checkout      - start a provider checkout
//	POST /subscription/cancel        - schedule cancellation at period end
//	POST /subscription/reactivate    - undo a pending cancellation
//	GET  /billing/history            - invoice ledger, newest first
func Router(opts RouterOptions) chi.Router {
	if opts.Processor == nil {
		panic("modules/billing: Processor is required")
	}
	if len(opts.Providers) == 0 {
		panic("modules/billing: at least one Provider is required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}

	providers := make(map[string]billing.Provider, len(opts.Providers))
	for _, p := range opts.Providers {
		providers[p.Name()] = p
	}

	wh := &webhookHandler{
		providers: providers,
		processor: opts.Processor,
		log:       opts.Log,
		maxBody:   opts.MaxBodyBytes,
	}

	r := chi.NewRouter()
	r.Post("/webhooks/{provider}", wh.handle)

	if opts.Service != nil && opts.User != nil {
		api := &apiHandler{
			service: opts.Service,
			access:  opts.Access,
			user:    opts.User,
			log:     opts.Log,
		}
		r.Get("/plans", api.listPlans)
		r.Route("/subscription", func(sr chi.Router) {
			sr.Get("/status", api.subscriptionStatus)
			sr.Post("/checkout", api.createCheckout)
			sr.Post("/cancel", api.cancel)
			sr.Post("/reactivate", api.reactivate)
		})
		r.Get("/billing/history", api.billingHistory)
	}

	return r
}
