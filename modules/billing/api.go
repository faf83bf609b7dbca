package billing

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/streamkit/pkg/billing"
	"github.com/dmitrymomot/streamkit/pkg/entitlement"
)

// defaultHistoryLimit caps the invoice page size.
const defaultHistoryLimit = 50

type apiHandler struct {
	service *billing.Service
	access  *entitlement.Resolver
	user    UserResolver
	log     *slog.Logger
}

type planResponse struct {
	ID                   string                                    `json:"id"`
	Name                 string                                    `json:"name"`
	Price                map[billing.BillingInterval]billing.Money `json:"price"`
	MaxConcurrentStreams int                                       `json:"max_concurrent_streams"`
	MaxProfiles          int                                       `json:"max_profiles"`
	MaxQuality           billing.VideoQuality                      `json:"max_quality"`
	SupportsHDR          bool                                      `json:"supports_hdr"`
	SupportsDolbyAtmos   bool                                      `json:"supports_dolby_atmos"`
	AllowsDownloads      bool                                      `json:"allows_downloads"`
	TrialDays            int                                       `json:"trial_days"`
}

type invoiceResponse struct {
	InvoiceNumber string                `json:"invoice_number"`
	PlanID        string                `json:"plan_id"`
	Amount        billing.Money         `json:"amount"`
	PaymentStatus billing.PaymentStatus `json:"payment_status"`
	PeriodStart   time.Time             `json:"period_start"`
	PeriodEnd     time.Time             `json:"period_end"`
	CreatedAt     time.Time             `json:"created_at"`
}

type checkoutRequest struct {
	PlanID     string `json:"plan_id"`
	Interval   string `json:"interval"`
	Email      string `json:"email,omitempty"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type checkoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

type subscriptionResponse struct {
	Status            billing.Status `json:"status"`
	PlanID            string         `json:"plan_id"`
	CancelAtPeriodEnd bool           `json:"cancel_at_period_end"`
	CurrentPeriodEnd  time.Time      `json:"current_period_end"`
}

func (h *apiHandler) listPlans(w http.ResponseWriter, r *http.Request) {
	plans := h.service.Plans()

	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, planResponse{
			ID:                   p.ID,
			Name:                 p.Name,
			Price:                p.Price,
			MaxConcurrentStreams: p.MaxConcurrentStreams,
			MaxProfiles:          p.MaxProfiles,
			MaxQuality:           p.MaxQuality,
			SupportsHDR:          p.SupportsHDR,
			SupportsDolbyAtmos:   p.SupportsDolbyAtmos,
			AllowsDownloads:      p.AllowsDownloads,
			TrialDays:            p.TrialDays,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{"plans": out})
}

func (h *apiHandler) subscriptionStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if h.access == nil {
		writeError(w, http.StatusNotFound, "not available")
		return
	}

	access, err := h.access.Resolve(r.Context(), userID)
	if err != nil {
		h.serverError(w, r, "failed to resolve entitlement", err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

func (h *apiHandler) createCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	interval := billing.BillingInterval(req.Interval)
	if interval == "" {
		interval = billing.IntervalMonthly
	}

	session, err := h.service.CreateCheckout(r.Context(), billing.CheckoutParams{
		UserID:     userID,
		PlanID:     req.PlanID,
		Interval:   interval,
		Email:      req.Email,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		h.billingError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{
		SessionID:   session.ID,
		CheckoutURL: session.URL,
	})
}

func (h *apiHandler) cancel(w http.ResponseWriter, r *http.Request) {
	h.setCancelFlag(w, r, true)
}

func (h *apiHandler) reactivate(w http.ResponseWriter, r *http.Request) {
	h.setCancelFlag(w, r, false)
}

func (h *apiHandler) setCancelFlag(w http.ResponseWriter, r *http.Request, cancel bool) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var (
		sub *billing.Subscription
		err error
	)
	if cancel {
		sub, err = h.service.Cancel(r.Context(), userID)
	} else {
		sub, err = h.service.Reactivate(r.Context(), userID)
	}
	if err != nil {
		h.billingError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, subscriptionResponse{
		Status:            sub.Status,
		PlanID:            sub.PlanID,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
	})
}

func (h *apiHandler) billingHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	entries, err := h.service.BillingHistory(r.Context(), userID, limit)
	if err != nil {
		h.serverError(w, r, "failed to load billing history", err)
		return
	}

	out := make([]invoiceResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, invoiceResponse{
			InvoiceNumber: e.InvoiceNumber,
			PlanID:        e.PlanID,
			Amount:        e.Amount,
			PaymentStatus: e.PaymentStatus,
			PeriodStart:   e.PeriodStart,
			PeriodEnd:     e.PeriodEnd,
			CreatedAt:     e.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"invoices": out})
}

func (h *apiHandler) authenticate(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := h.user(r)
	if err != nil || userID == uuid.Nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return uuid.Nil, false
	}
	return userID, true
}

// billingError maps the billing sentinel errors onto HTTP statuses.
func (h *apiHandler) billingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrPlanNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, billing.ErrPriceNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, billing.ErrSubscriptionAlreadyExists):
		writeError(w, http.StatusConflict, "an active subscription already exists")
	case errors.Is(err, billing.ErrProviderError), errors.Is(err, billing.ErrNoCheckoutURL):
		h.log.ErrorContext(r.Context(), "provider call failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "payment provider unavailable")
	default:
		h.serverError(w, r, "billing operation failed", err)
	}
}

func (h *apiHandler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.log.ErrorContext(r.Context(), msg, slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}
