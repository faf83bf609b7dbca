package billing

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/streamkit/pkg/billing"
)

type webhookHandler struct {
	providers map[string]billing.Provider
	processor *billing.Processor
	log       *slog.Logger
	maxBody   int64
}

// signatureHeader names the header each provider signs its payloads with.
func signatureHeader(provider string) string {
	switch provider {
	case "stripe":
		return "Stripe-Signature"
	case "paddle":
		return "Paddle-Signature"
	default:
		return "X-Signature"
	}
}

// handle is the single intake point for provider events. The signature is
// verified before anything else; a payload that fails verification or cannot
// be parsed is permanently rejected, everything after admission answers with
// the processor's outcome so the provider's retry machinery does the right
// thing.
func (h *webhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider, ok := h.providers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	ev, err := provider.VerifyAndParse(r.Context(), payload, r.Header.Get(signatureHeader(name)))
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, billing.ErrInvalidSignature) && !errors.Is(err, billing.ErrMalformedPayload) {
			status = http.StatusInternalServerError
		}
		h.log.WarnContext(r.Context(), "webhook rejected",
			slog.String("provider", name),
			slog.Int("status", status),
			slog.String("error", err.Error()))
		writeError(w, status, "rejected")
		return
	}

	result := h.processor.Process(r.Context(), ev)
	switch result.Outcome {
	case billing.OutcomeCommitted, billing.OutcomeDuplicate:
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
	case billing.OutcomePermanent:
		writeError(w, http.StatusBadRequest, "rejected")
	default: // OutcomeRetryable
		writeError(w, http.StatusInternalServerError, "try again")
	}
}
