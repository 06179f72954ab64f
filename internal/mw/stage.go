package mw

import (
	"context"
	"net/http"
)

// SourceHeader tells the client which pipeline stage produced the response.
const SourceHeader = "X-Mock-Source"

const (
	StageOverride = "override"
	StageCache    = "cache"
	StageUpstream = "upstream"
	StageAdmin    = "admin"
	StageUnknown  = "unknown"
)

type stageKeyType struct{}

var stageKey stageKeyType

type stageHolder struct{ name string }

// WithStage makes room for the serving stage to record its name; outer
// middleware (metrics, access log) read it once the inner handler returns.
func WithStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(stageKey).(*stageHolder); ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), stageKey, &stageHolder{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetStage records which stage answered the request.
func SetStage(ctx context.Context, name string) {
	if h, ok := ctx.Value(stageKey).(*stageHolder); ok {
		h.name = name
	}
}

func StageName(ctx context.Context) string {
	if h, ok := ctx.Value(stageKey).(*stageHolder); ok && h.name != "" {
		return h.name
	}
	return StageUnknown
}

// Stage installs a holder and names the stage up front, for handlers that
// are a single stage (admin endpoints).
func Stage(name string, next http.Handler) http.Handler {
	return WithStage(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetStage(r.Context(), name)
		next.ServeHTTP(w, r)
	}))
}
