package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTTL     = 5 * time.Minute
	defaultCleanup = time.Minute
)

type memEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one bucket per key and forgets keys idle for longer
// than the TTL.
type MemoryLimiter struct {
	mu     sync.Mutex
	m      map[string]*memEntry
	ttl    time.Duration
	stopCh chan struct{}
	once   sync.Once
}

func NewMemoryLimiter(ttl time.Duration, cleanupEvery time.Duration) *MemoryLimiter {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if cleanupEvery <= 0 {
		cleanupEvery = defaultCleanup
	}
	ml := &MemoryLimiter{
		m:      make(map[string]*memEntry),
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	go ml.gcLoop(cleanupEvery)
	return ml
}

func (m *MemoryLimiter) gcLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryLimiter) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.m {
		if now.Sub(e.lastSeen) > m.ttl {
			delete(m.m, k)
		}
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, rps float64, burst float64, cost float64) (Decision, error) {
	n := int(math.Ceil(cost))
	if n < 1 {
		n = 1
	}
	now := time.Now()

	m.mu.Lock()
	e := m.m[key]
	// A reload may change the budget; keep the bucket but follow the new limits.
	if e == nil {
		e = &memEntry{lim: rate.NewLimiter(rate.Limit(rps), int(burst))}
		m.m[key] = e
	} else if e.lim.Limit() != rate.Limit(rps) || e.lim.Burst() != int(burst) {
		e.lim.SetLimitAt(now, rate.Limit(rps))
		e.lim.SetBurstAt(now, int(burst))
	}
	e.lastSeen = now
	lim := e.lim
	m.mu.Unlock()

	dec := Decision{LimitRPS: rps, Burst: burst}
	res := lim.ReserveN(now, n)
	switch {
	case !res.OK():
		dec.RetryAfterSeconds = 1
	case res.DelayFrom(now) > 0:
		retry := res.DelayFrom(now)
		res.CancelAt(now)
		dec.RetryAfterSeconds = int(math.Ceil(retry.Seconds()))
	default:
		dec.Allowed = true
	}
	dec.Remaining = math.Max(0, lim.TokensAt(now))
	return dec, nil
}

func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

func (m *MemoryLimiter) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}
