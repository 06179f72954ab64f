package mw

import (
	"encoding/json"
	"net/http"
)

// MaxBodyBytes bounds request bodies. Declared oversize bodies are refused up
// front; chunked ones are cut off by http.MaxBytesReader, which the proxy's
// error handler reports as 413.
func MaxBodyBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":     "request_too_large",
				"max_bytes": limit,
			})
			return
		}
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
