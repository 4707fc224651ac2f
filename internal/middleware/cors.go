// Package middleware provides HTTP middleware for the sqlsight server.
package middleware

import (
	"net/http"
	"strings"
)

// allowedHeaders are the request headers the UI may send cross-origin.
var allowedHeaders = strings.Join([]string{"Content-Type", "X-Sqlsight-Session-ID"}, ", ")

// CORS returns middleware that handles CORS headers.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if explicit, ok := matchOrigin(allowedOrigins, origin); ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
					w.Header().Add("Vary", "Origin")
					// Credentials only for explicitly listed origins; echoing a
					// wildcard match with credentials enables CSRF.
					if explicit {
						w.Header().Set("Access-Control-Allow-Credentials", "true")
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchOrigin reports whether origin is allowed and whether it was listed
// explicitly rather than through "*".
func matchOrigin(allowed []string, origin string) (explicit, ok bool) {
	for _, o := range allowed {
		switch {
		case o == origin:
			return true, true
		case o == "*":
			ok = true
		}
	}
	return false, ok
}
