package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/inreelio/backend/internal/models"
	"github.com/inreelio/backend/internal/services"
)

// LinkCreator is the payment service surface the handler needs.
type LinkCreator interface {
	CreatePaymentLink(ctx context.Context, email, name, packID string, credits int, state map[string]any, returnHost string) (services.PaymentLink, error)
}

// CatalogReader serves pack and avatar listings.
type CatalogReader interface {
	Packs(ctx context.Context) ([]models.Pack, error)
	Avatars(ctx context.Context) []services.Avatar
}

// PaymentsHandler serves payment link creation and the catalogs.
type PaymentsHandler struct {
	Payments LinkCreator
	Catalog  CatalogReader
	Logger   *slog.Logger
}

func NewPaymentsHandler(payments LinkCreator, catalog CatalogReader, log *slog.Logger) *PaymentsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PaymentsHandler{Payments: payments, Catalog: catalog, Logger: log}
}

type createLinkRequest struct {
	Email      string         `json:"email"`
	Name       string         `json:"name"`
	PackID     string         `json:"pack_id"`
	Credits    int            `json:"credits"`
	State      map[string]any `json:"state"`
	ReturnHost string         `json:"return_host"`
}

// CreateLink handles POST /api/payments/create-link.
func (h *PaymentsHandler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req createLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		http.Error(w, `{"error":"email required"}`, http.StatusBadRequest)
		return
	}
	link, err := h.Payments.CreatePaymentLink(r.Context(), req.Email, req.Name, req.PackID, req.Credits, req.State, req.ReturnHost)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, link)
	case errors.Is(err, services.ErrPackNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "pack not found"})
	default:
		h.Logger.Error("create payment link failed", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
}

// Packs handles GET /api/packs.
func (h *PaymentsHandler) Packs(w http.ResponseWriter, r *http.Request) {
	packs, err := h.Catalog.Packs(r.Context())
	if err != nil {
		h.Logger.Error("pack listing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "pack listing failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packs": packs})
}

// Avatars handles GET /api/avatars.
func (h *PaymentsHandler) Avatars(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"avatars": h.Catalog.Avatars(r.Context())})
}
