package proxy

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware returns a chi-compatible middleware that validates a Bearer
// token using constant-time comparison. Requests without a valid token receive
// 401 (missing) or 403 (invalid).
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	tokenBytes := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, prefix) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSONError(w, http.StatusUnauthorized, "proxy_unauthorized", "authentication required")
				return
			}

			provided := []byte(strings.TrimPrefix(authHeader, prefix))
			if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
				writeJSONError(w, http.StatusForbidden, "proxy_forbidden", "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
