package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/flowmint/flowmint/pkg/models"
)

type contextKey string

// UserIDKey is the context key for the user actions are attributed to.
const UserIDKey contextKey = "user_id"

// UserExtractor resolves the acting user from the X-User-Id header, then
// the user_id query parameter, and falls back to fallback.
func UserExtractor(fallback string) func(http.Handler) http.Handler {
	if fallback == "" {
		fallback = models.DefaultUserID
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get("X-User-Id"))
			if user == "" {
				user = strings.TrimSpace(r.URL.Query().Get("user_id"))
			}
			if user == "" {
				user = fallback
			}
			ctx := context.WithValue(r.Context(), UserIDKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID retrieves the user id from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return models.DefaultUserID
}
