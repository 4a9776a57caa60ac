package router

import (
	"net/http"

	"github.com/inreelio/backend/internal/auth"
	"github.com/inreelio/backend/internal/handlers"
)

// Config carries the handlers and middleware the router wires up.
type Config struct {
	Auth          *auth.Handler
	Generations   *handlers.GenerationHandler
	Credits       *handlers.CreditsHandler
	Payments      *handlers.PaymentsHandler
	Webhooks      *handlers.WebhookHandler
	TokenAuth     func(http.Handler) http.Handler
	WebhookSecret func(http.Handler) http.Handler
}

// New returns the API handler. Webhook routes carry the shared secret
// as a path segment; read routes require a bearer token.
func New(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", cfg.Auth.Login)
	mux.HandleFunc("POST /api/password-reset/request", cfg.Auth.RequestReset)
	mux.HandleFunc("POST /api/password-reset/confirm", cfg.Auth.ConfirmReset)

	mux.HandleFunc("POST /api/generate", cfg.Generations.Generate)
	mux.Handle("GET /api/generations", cfg.TokenAuth(http.HandlerFunc(cfg.Generations.List)))
	mux.Handle("DELETE /api/generations/{id}", cfg.TokenAuth(http.HandlerFunc(cfg.Generations.Delete)))

	mux.Handle("GET /api/credits", cfg.TokenAuth(http.HandlerFunc(cfg.Credits.Balance)))

	mux.HandleFunc("GET /api/packs", cfg.Payments.Packs)
	mux.HandleFunc("GET /api/avatars", cfg.Payments.Avatars)
	mux.HandleFunc("POST /api/payments/create-link", cfg.Payments.CreateLink)

	mux.Handle("POST /api/webhook/generation-update/{secret}", cfg.WebhookSecret(http.HandlerFunc(cfg.Webhooks.GenerationUpdate)))
	mux.Handle("POST /api/webhook/add-credits/{secret}", cfg.WebhookSecret(http.HandlerFunc(cfg.Webhooks.AddCredits)))

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}
