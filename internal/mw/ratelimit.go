package mw

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/3xpluto/mockproxy/internal/ratelimit"
)

type ThrottleConfig struct {
	Enabled bool
	RPS     float64
	Burst   float64
	// Key identifies the bucket, normally the upstream host, so every
	// instance sharing a redis backend shares the budget.
	Key string
}

// Throttle caps the rate of requests forwarded to the upstream. Cache hits
// and overrides never reach it.
func Throttle(limiter ratelimit.Limiter, log *slog.Logger, cfg ThrottleConfig, next http.Handler) http.Handler {
	if !cfg.Enabled || limiter == nil {
		return next
	}
	key := "rl:upstream:" + cfg.Key

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec, err := limiter.Allow(r.Context(), key, cfg.RPS, cfg.Burst, 1)
		if err != nil {
			// Fail open: a broken limiter backend must not take the proxy down.
			log.Warn("rate limiter unavailable", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit-RPS", trimFloat(cfg.RPS))
		w.Header().Set("X-RateLimit-Burst", trimFloat(cfg.Burst))
		if dec.Remaining > 0 {
			w.Header().Set("X-RateLimit-Remaining", trimFloat(dec.Remaining))
		}

		if !dec.Allowed {
			retry := dec.RetryAfterSeconds
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(retry)*time.Second).Unix(), 10))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":               "upstream_rate_limited",
				"retry_after_seconds": retry,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func trimFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" {
		s = "0"
	}
	return s
}
