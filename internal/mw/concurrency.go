package mw

import (
	"encoding/json"
	"net/http"
)

// Semaphore is a tiny counting semaphore for in-flight limiting.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore returns a disabled semaphore when maxInFlight <= 0.
func NewSemaphore(maxInFlight int) *Semaphore {
	if maxInFlight <= 0 {
		return &Semaphore{ch: nil}
	}
	return &Semaphore{ch: make(chan struct{}, maxInFlight)}
}

func (s *Semaphore) Enabled() bool { return s != nil && s.ch != nil }

func (s *Semaphore) Cap() int {
	if !s.Enabled() {
		return 0
	}
	return cap(s.ch)
}

func (s *Semaphore) InUse() int {
	if !s.Enabled() {
		return 0
	}
	return len(s.ch)
}

func (s *Semaphore) TryAcquire() bool {
	if !s.Enabled() {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() {
	if !s.Enabled() {
		return
	}
	select {
	case <-s.ch:
	default:
	}
}

// ConcurrencyLimit rejects upstream-bound requests while too many are
// already waiting on the upstream.
func ConcurrencyLimit(sem *Semaphore, next http.Handler) http.Handler {
	if !sem.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sem.TryAcquire() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":         "upstream_busy",
				"message":       "too many requests in flight to the upstream",
				"max_in_flight": sem.Cap(),
			})
			return
		}
		defer sem.Release()
		next.ServeHTTP(w, r)
	})
}
