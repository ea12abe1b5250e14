package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/pliu/opschat/internal/api"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// IdentityMiddleware reads the caller from the X-User-ID header, falling back
// to the userId query parameter. Requests without either pass through
// unidentified; handlers decide whether that is acceptable.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(api.UserHeader))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("userId"))
		}
		if userID != "" {
			r = r.WithContext(context.WithValue(r.Context(), UserIDKey, userID))
		}
		next.ServeHTTP(w, r)
	})
}

// UserID returns the caller identity set by IdentityMiddleware.
func UserID(r *http.Request) string {
	id, _ := r.Context().Value(UserIDKey).(string)
	return id
}
