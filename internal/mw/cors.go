package mw

import "net/http"

// CORSHeaders are answered with a wildcard on every response.
var CORSHeaders = []string{
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Methods",
	"Access-Control-Allow-Headers",
}

// CORS allows any origin, method and header. It runs first so short-circuited
// responses carry the headers too.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, name := range CORSHeaders {
			h.Set(name, "*")
		}
		next.ServeHTTP(w, r)
	})
}
