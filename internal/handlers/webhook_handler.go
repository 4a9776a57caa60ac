package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/inreelio/backend/internal/models"
	"github.com/inreelio/backend/internal/services"
)

// Finalizer is the credit service surface the webhook ingress needs.
type Finalizer interface {
	ProcessGenerationUpdate(ctx context.Context, generationID string, update services.GenerationUpdate) (services.FinalizeResult, error)
	AddCredits(ctx context.Context, email string, credits int, paymentID string) (services.ApplyResult, error)
}

// PaymentVerifier re-checks a payment callback against the gateway and
// works out the credit grant.
type PaymentVerifier interface {
	DeduceCredits(ctx context.Context, p *models.Payment) int
	Gateway() *services.Gateway
}

// WebhookHandler receives the asynchronous job-status and payment
// callbacks. Senders retry on non-2xx, so duplicates answer 200 and
// only store failures answer 5xx.
type WebhookHandler struct {
	Credits  Finalizer
	Payments PaymentVerifier
	Logger   *slog.Logger
}

func NewWebhookHandler(credits Finalizer, payments PaymentVerifier, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{Credits: credits, Payments: payments, Logger: log}
}

type generationUpdateRequest struct {
	ID string `json:"id"`
	services.GenerationUpdate
}

// GenerationUpdate handles POST /api/webhook/generation-update/{secret}.
func (h *WebhookHandler) GenerationUpdate(w http.ResponseWriter, r *http.Request) {
	var req generationUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, `{"error":"id required"}`, http.StatusBadRequest)
		return
	}
	res, err := h.Credits.ProcessGenerationUpdate(r.Context(), req.ID, req.GenerationUpdate)
	if err != nil {
		// 5xx so the worker retries the callback.
		h.Logger.Error("generation update failed", "error", err, "generation_id", req.ID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "update failed"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AddCredits handles POST /api/webhook/add-credits/{secret}. The order
// id is re-verified against the gateway before any grant; non-success
// and unattributable callbacks are acknowledged with 200 so the sender
// stops retrying.
func (h *WebhookHandler) AddCredits(w http.ResponseWriter, r *http.Request) {
	var payment models.Payment
	if err := json.NewDecoder(r.Body).Decode(&payment); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	paymentID := payment.PaymentID()
	if paymentID == "" {
		http.Error(w, `{"error":"payment id required"}`, http.StatusBadRequest)
		return
	}

	effective := &payment
	if gw := h.Payments.Gateway(); gw.Configured() {
		verified, err := gw.GetStatus(r.Context(), paymentID)
		if err != nil {
			// The gateway is the source of truth; without it the
			// callback can't be trusted. 502 makes the sender retry.
			h.Logger.Error("payment verification failed", "error", err, "payment_id", paymentID)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment verification failed"})
			return
		}
		if verified.Email == "" {
			verified.Email = payment.Email
		}
		effective = verified
	}

	if !effective.Succeeded() {
		writeJSON(w, http.StatusOK, services.ApplyResult{Applied: false, Reason: "status_not_success"})
		return
	}
	email := effective.Email
	if email == "" {
		h.Logger.Warn("payment callback without email", "payment_id", paymentID)
		writeJSON(w, http.StatusOK, services.ApplyResult{Applied: false, Reason: "no_email"})
		return
	}
	credits := h.Payments.DeduceCredits(r.Context(), effective)
	if credits <= 0 {
		writeJSON(w, http.StatusOK, services.ApplyResult{Applied: false, Reason: "no_credits"})
		return
	}

	res, err := h.Credits.AddCredits(r.Context(), email, credits, paymentID)
	if err != nil {
		h.Logger.Error("credit grant failed", "error", err, "payment_id", paymentID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "credit grant failed"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
