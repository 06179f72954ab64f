package mw

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/3xpluto/mockproxy/internal/httpx"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type BreakerConfig struct {
	Enabled             bool
	FailureThreshold    int           // consecutive failures to open
	OpenDuration        time.Duration // how long to stay open
	HalfOpenMaxInFlight int           // trial requests allowed while half-open
}

// CircuitBreaker stops hammering an upstream that is down. Only failures to
// reach the upstream count (502, 504); an upstream answering 500 is healthy
// from the proxy's point of view and its response is passed through.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu           sync.Mutex
	state        BreakerState
	fails        int
	opensAt      time.Time
	halfInFlight int
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 10 * time.Second
	}
	if cfg.HalfOpenMaxInFlight <= 0 {
		cfg.HalfOpenMaxInFlight = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: BreakerClosed}
}

type BreakerStats struct {
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	OpensAt       time.Time    `json:"opens_at"`
	RetryAfterSec int          `json:"retry_after_seconds"`
	HalfInFlight  int          `json:"half_open_in_flight"`
}

func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	retry := 0
	if b.state == BreakerOpen {
		if rem := b.cfg.OpenDuration - b.now().Sub(b.opensAt); rem > 0 {
			retry = ceilSeconds(rem)
		}
	}
	return BreakerStats{
		State:         b.state,
		Failures:      b.fails,
		OpensAt:       b.opensAt,
		RetryAfterSec: retry,
		HalfInFlight:  b.halfInFlight,
	}
}

// Allow reports whether a request may go through; when it may not, the
// second value is how long the caller should wait.
func (b *CircuitBreaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled {
		return true, 0
	}

	now := b.now()
	if b.state == BreakerOpen {
		elapsed := now.Sub(b.opensAt)
		if elapsed < b.cfg.OpenDuration {
			return false, b.cfg.OpenDuration - elapsed
		}
		b.state = BreakerHalfOpen
		b.fails = 0
		b.halfInFlight = 0
	}

	if b.state == BreakerHalfOpen {
		if b.halfInFlight >= b.cfg.HalfOpenMaxInFlight {
			return false, time.Second
		}
		b.halfInFlight++
	}
	return true, 0
}

// Done reports the result of a request admitted by Allow.
func (b *CircuitBreaker) Done(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled {
		return
	}

	switch b.state {
	case BreakerClosed:
		if success {
			b.fails = 0
			return
		}
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.trip()
		}

	case BreakerHalfOpen:
		if b.halfInFlight > 0 {
			b.halfInFlight--
		}
		if success {
			b.state = BreakerClosed
			b.fails = 0
			return
		}
		b.trip()
		b.fails = b.cfg.FailureThreshold
	}
}

func (b *CircuitBreaker) trip() {
	b.state = BreakerOpen
	b.opensAt = b.now()
}

func upstreamFailure(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusGatewayTimeout
}

// CircuitBreak answers 503 without contacting the upstream while the
// breaker is open.
func CircuitBreak(b *CircuitBreaker, next http.Handler) http.Handler {
	if b == nil || !b.cfg.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retry := b.Allow()
		if !allowed {
			if retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(retry)))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":   "circuit_open",
				"message": "upstream temporarily unavailable",
			})
			return
		}

		sw := &httpx.StatusWriter{ResponseWriter: w}
		completed := false
		defer func() {
			// an aborted stream still reached the upstream
			if !completed {
				b.Done(true)
			}
		}()
		next.ServeHTTP(sw, r)
		completed = true

		status := sw.Status
		if status == 0 {
			status = http.StatusOK
		}
		b.Done(!upstreamFailure(status))
	})
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
