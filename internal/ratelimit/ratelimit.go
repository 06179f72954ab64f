// Package ratelimit provides token-bucket limiters shared by every request
// forwarded to the upstream, either in process or through redis.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/3xpluto/mockproxy/internal/config"
)

type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Remaining         float64
	LimitRPS          float64
	Burst             float64
}

type Limiter interface {
	Allow(ctx context.Context, key string, rps float64, burst float64, cost float64) (Decision, error)
	Close() error
}

// PingTimeout bounds the startup reachability check of a redis backend.
const PingTimeout = 2 * time.Second

// New builds the backend named in s. An unreachable redis falls back to the
// in-process limiter so a missing redis never blocks local development.
func New(ctx context.Context, s config.RateLimitBackend, log *slog.Logger) Limiter {
	mem := func() Limiter {
		return NewMemoryLimiter(
			time.Duration(s.Memory.TTLSeconds)*time.Second,
			time.Duration(s.Memory.CleanupSeconds)*time.Second,
		)
	}

	if strings.ToLower(strings.TrimSpace(s.Backend)) != "redis" {
		return mem()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     s.Redis.Addr,
		Password: s.Redis.Password,
		DB:       s.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Warn("redis unreachable, falling back to memory limiter",
			slog.String("addr", s.Redis.Addr),
			slog.String("error", err.Error()),
		)
		_ = rdb.Close()
		return mem()
	}
	log.Info("rate limiter using redis", slog.String("addr", s.Redis.Addr))
	return NewRedisLimiter(rdb)
}
