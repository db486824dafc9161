package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware validates the shared admin token. An empty token disables
// authentication.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Meshjoin-Token")
			if provided == "" {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
					return
				}
				// Parse "Bearer <token>"
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || parts[0] != "Bearer" {
					writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
					return
				}
				provided = parts[1]
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
