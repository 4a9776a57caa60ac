package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/inreelio/backend/internal/middleware"
	"github.com/inreelio/backend/internal/models"
	"github.com/inreelio/backend/internal/services"
)

// GenerationRequester is the flow surface the handler needs.
type GenerationRequester interface {
	RequestGeneration(ctx context.Context, raw json.RawMessage, password string) (services.GenerationRequestResult, error)
	List(ctx context.Context, email string) ([]*models.Generation, error)
	Delete(ctx context.Context, email, id string) error
}

// GenerationHandler serves the generation request and listing routes.
type GenerationHandler struct {
	Flow   GenerationRequester
	Logger *slog.Logger
}

func NewGenerationHandler(flow GenerationRequester, log *slog.Logger) *GenerationHandler {
	if log == nil {
		log = slog.Default()
	}
	return &GenerationHandler{Flow: flow, Logger: log}
}

type generateRequest struct {
	Password string          `json:"password"`
	Inputs   json.RawMessage `json:"inputs"`
}

// Generate handles POST /api/generate.
// Validate -> Admission -> Hold -> Record -> Enqueue dispatch -> 202.
func (h *GenerationHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		http.Error(w, `{"error":"inputs required"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Flow.RequestGeneration(r.Context(), req.Inputs, req.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, res)
	case errors.Is(err, services.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidCredential):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	case errors.Is(err, services.ErrNotAdmitted),
		errors.Is(err, services.ErrInsufficientCredits),
		errors.Is(err, services.ErrFreeTierExhausted):
		// 402 carries the numbers so the client can show the upsell.
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":             "insufficient credits",
			"required_credits":  res.Admission.RequiredCredits,
			"available_credits": res.Admission.AvailableCredits,
		})
	default:
		h.Logger.Error("generation request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "generation request failed"})
	}
}

// List handles GET /api/generations (token auth).
func (h *GenerationHandler) List(w http.ResponseWriter, r *http.Request) {
	email := middleware.EmailFromCtx(r.Context())
	if email == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Flow.List(r.Context(), email)
	if err != nil {
		h.Logger.Error("list generations failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	if list == nil {
		list = []*models.Generation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": list})
}

// Delete handles DELETE /api/generations/{id} (token auth).
func (h *GenerationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	email := middleware.EmailFromCtx(r.Context())
	if email == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, `{"error":"id required"}`, http.StatusBadRequest)
		return
	}
	if err := h.Flow.Delete(r.Context(), email, id); err != nil {
		h.Logger.Error("delete generation failed", "error", err, "generation_id", id)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "delete failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
