package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/inreelio/backend/internal/middleware"
	"github.com/inreelio/backend/internal/services"
)

// BalanceReader is the credit service surface the handler needs.
type BalanceReader interface {
	Balance(ctx context.Context, email string) (services.Balance, error)
}

// CreditsHandler serves the account balance route.
type CreditsHandler struct {
	Credits BalanceReader
	Logger  *slog.Logger
}

func NewCreditsHandler(credits BalanceReader, log *slog.Logger) *CreditsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CreditsHandler{Credits: credits, Logger: log}
}

// Balance handles GET /api/credits (token auth).
func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	email := middleware.EmailFromCtx(r.Context())
	if email == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	b, err := h.Credits.Balance(r.Context(), email)
	if err != nil {
		h.Logger.Error("balance read failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "balance read failed"})
		return
	}
	writeJSON(w, http.StatusOK, b)
}
