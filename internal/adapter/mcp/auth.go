package mcp

import (
	"net/http"
	"strings"

	"github.com/agentops/deployops/internal/service"
)

// AuthMiddleware wraps an http.Handler and validates the Authorization
// header against the API key service. It accepts a Bearer token or a plain
// API key header. When auth is disabled the middleware passes all requests
// through.
func AuthMiddleware(auth *service.AuthService, next http.Handler) http.Handler {
	if auth == nil || !auth.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		key := strings.TrimPrefix(header, "Bearer ")
		if key == header {
			// No "Bearer " prefix found, try plain API key header
			key = header
		}

		if !auth.Verify(key) {
			http.Error(w, "invalid credentials", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
