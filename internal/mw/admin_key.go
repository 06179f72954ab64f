package mw

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

const AdminKeyHeader = "X-Admin-Key"

// RequireAdminKey guards the introspection endpoints. Without a configured
// key they are not served at all.
func RequireAdminKey(adminKey string, next http.Handler) http.Handler {
	if adminKey == "" {
		return http.NotFoundHandler()
	}
	want := []byte(adminKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(AdminKeyHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
