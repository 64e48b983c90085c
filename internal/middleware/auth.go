// Package middleware provides the bearer-token gate for the operator
// API.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireToken gates a route group behind the server API key. An empty
// key disables authentication entirely; the config layer warns about
// that at startup.
func RequireToken(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !TokenValid(r, apiKey) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenValid reports whether r carries the API key, either as a bearer
// header or a token query parameter. Browsers cannot set headers on a
// WebSocket dial, hence the query fallback.
func TokenValid(r *http.Request, apiKey string) bool {
	if apiKey == "" {
		return true
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && equalTokens(token, apiKey) {
		return true
	}
	if token := r.URL.Query().Get("token"); token != "" && equalTokens(token, apiKey) {
		return true
	}
	return false
}

func equalTokens(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
