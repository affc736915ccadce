// Package middleware provides HTTP middleware for the formchat API.
package middleware

import (
	"net/http"
	"slices"

	"github.com/go-chi/cors"

	"github.com/ashureev/formchat/internal/identity"
)

// CORS returns middleware that handles CORS headers for allowedOrigins.
// Credentials are only allowed when every origin is explicit; echoing a
// wildcard-matched origin together with credentials enables CSRF.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", identity.SessionHeaderName, "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !slices.Contains(allowedOrigins, "*"),
		MaxAge:           300,
	})
}
