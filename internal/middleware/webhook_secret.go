package middleware

import (
	"crypto/subtle"
	"net/http"
)

// WebhookSecret guards webhook routes with a secret path segment
// ({secret} in the route pattern). A mismatch answers 404, not 401, so
// probing doesn't reveal that the route exists.
func WebhookSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.PathValue("secret")
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				http.NotFound(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
