package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Request/response structs use snake_case JSON.

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

type ResetRequestBody struct {
	Email      string `json:"email"`
	ReturnHost string `json:"return_host"`
}

type ResetConfirmBody struct {
	Email       string `json:"email"`
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Login handles POST /api/login. A first login with a fresh email
// enrolls the password rather than failing.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, `{"error":"missing email or password"}`, http.StatusBadRequest)
		return
	}
	status, err := h.svc.EnsureCredential(r.Context(), req.Email, req.Password)
	if err != nil {
		h.log.Error("login failed", "error", err)
		http.Error(w, `{"error":"login failed"}`, http.StatusInternalServerError)
		return
	}
	if status == CredentialRejected {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}
	// The credential is already checked; issuing directly avoids the
	// second scrypt derivation Login would do.
	token, err := h.svc.IssueToken(r.Context(), req.Email)
	if err != nil {
		h.log.Error("issue token failed", "error", err)
		http.Error(w, `{"error":"login failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, Status: string(status)})
}

// RequestReset handles POST /api/password-reset/request. Always returns
// 200 with a sent flag so the endpoint can't be used to probe accounts.
func (h *Handler) RequestReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		http.Error(w, `{"error":"email required"}`, http.StatusBadRequest)
		return
	}
	sent, err := h.svc.RequestPasswordReset(r.Context(), req.Email, req.ReturnHost)
	if err != nil {
		h.log.Error("password reset request failed", "error", err)
		http.Error(w, `{"error":"reset request failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": sent})
}

// ConfirmReset handles POST /api/password-reset/confirm.
func (h *Handler) ConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req ResetConfirmBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Token == "" || req.NewPassword == "" {
		http.Error(w, `{"error":"email, token and new_password required"}`, http.StatusBadRequest)
		return
	}
	err := h.svc.ConfirmPasswordReset(r.Context(), req.Email, req.Token, req.NewPassword)
	switch {
	case errors.Is(err, ErrResetTokenInvalid), errors.Is(err, ErrResetTokenExpired):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case err != nil:
		h.log.Error("password reset confirm failed", "error", err)
		http.Error(w, `{"error":"reset failed"}`, http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
