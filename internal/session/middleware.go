package session

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/formchat/internal/identity"
)

// Middleware opens the session named by the request identity and attaches
// it to the request context. Requests without a user pass through without a
// session; handlers then see a NoContextError.
func Middleware(m *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := identity.UserIDFromContext(r.Context())
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			st, err := m.Open(r.Context(), userID, identity.SessionIDFromContext(r.Context()))
			if err != nil {
				slog.Error("Failed to open session", "user_id", userID, "error", err)
				http.Error(w, `{"error":"failed to open session"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithState(r.Context(), st)))
		})
	}
}
