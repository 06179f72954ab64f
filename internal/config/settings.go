package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings are process-level knobs. Unlike the route configuration they are
// read once at startup and never hot-reloaded.
type Settings struct {
	Server    ServerSettings   `yaml:"server"`
	Upstream  UpstreamSettings `yaml:"upstream"`
	RateLimit RateLimitBackend `yaml:"rate_limit"`
	Admin     AdminSettings    `yaml:"admin"`
	Log       LogSettings      `yaml:"log"`
	Cache     CacheSettings    `yaml:"cache"`
	Watch     WatchSettings    `yaml:"watch"`
}

type ServerSettings struct {
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
	DrainTimeoutSeconds      int      `yaml:"drain_timeout_seconds"`
}

type UpstreamSettings struct {
	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`

	// RequestTimeoutSeconds bounds the whole upstream exchange, body included.
	RequestTimeoutSeconds int   `yaml:"request_timeout_seconds"`
	MaxCaptureBytes       int64 `yaml:"max_capture_bytes"`
	MaxInFlight           int   `yaml:"max_in_flight"`

	CircuitBreaker CircuitBreakerSettings `yaml:"circuit_breaker"`
	RateLimit      UpstreamRateLimit      `yaml:"rate_limit"`
}

type CircuitBreakerSettings struct {
	Enabled             bool `yaml:"enabled"`
	FailureThreshold    int  `yaml:"failure_threshold"`
	OpenSeconds         int  `yaml:"open_seconds"`
	HalfOpenMaxInFlight int  `yaml:"half_open_max_in_flight"`
}

type UpstreamRateLimit struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   float64 `yaml:"burst"`
}

type RateLimitBackend struct {
	Backend string         `yaml:"backend"` // "memory" | "redis"
	Redis   RedisSettings  `yaml:"redis"`
	Memory  MemoryRLConfig `yaml:"memory"`
}

type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MemoryRLConfig struct {
	CleanupSeconds int `yaml:"cleanup_seconds"`
	TTLSeconds     int `yaml:"ttl_seconds"`
}

type AdminSettings struct {
	Addr string `yaml:"addr"` // empty disables the admin listener
	Key  string `yaml:"key"`
}

type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CacheSettings struct {
	Dir string `yaml:"dir"`
}

type WatchSettings struct {
	DebounceMillis int `yaml:"debounce_ms"`
}

// LoadSettings reads the YAML settings file. A missing file yields defaults.
func LoadSettings(path string) (*Settings, error) {
	var s Settings
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyDefaults(&s)

	if err := ValidateSettings(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DefaultSettings is what LoadSettings returns for a missing file.
func DefaultSettings() *Settings {
	var s Settings
	applyDefaults(&s)
	return &s
}

func applyDefaults(s *Settings) {
	if s.Server.MaxHeaderBytes == 0 {
		s.Server.MaxHeaderBytes = 1 << 20 // 1 MiB
	}
	if s.Server.MaxBodyBytes == 0 {
		s.Server.MaxBodyBytes = 10 << 20 // 10 MiB
	}
	if s.Server.ReadHeaderTimeoutSeconds == 0 {
		s.Server.ReadHeaderTimeoutSeconds = 5
	}
	if s.Server.ReadTimeoutSeconds == 0 {
		s.Server.ReadTimeoutSeconds = 30
	}
	if s.Server.IdleTimeoutSeconds == 0 {
		s.Server.IdleTimeoutSeconds = 60
	}
	if s.Server.DrainTimeoutSeconds == 0 {
		s.Server.DrainTimeoutSeconds = 30
	}

	if s.Upstream.DialTimeoutSeconds == 0 {
		s.Upstream.DialTimeoutSeconds = 5
	}
	if s.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		s.Upstream.TLSHandshakeTimeoutSeconds = 5
	}
	if s.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		s.Upstream.ResponseHeaderTimeoutSeconds = 15
	}
	if s.Upstream.IdleConnTimeoutSeconds == 0 {
		s.Upstream.IdleConnTimeoutSeconds = 90
	}
	if s.Upstream.MaxIdleConns == 0 {
		s.Upstream.MaxIdleConns = 100
	}
	if s.Upstream.MaxIdleConnsPerHost == 0 {
		s.Upstream.MaxIdleConnsPerHost = 20
	}
	if s.Upstream.RequestTimeoutSeconds == 0 {
		s.Upstream.RequestTimeoutSeconds = 30
	}
	if s.Upstream.MaxCaptureBytes == 0 {
		s.Upstream.MaxCaptureBytes = 10 << 20 // 10 MiB
	}

	if s.RateLimit.Backend == "" {
		s.RateLimit.Backend = "memory"
	}
	if s.RateLimit.Memory.TTLSeconds == 0 {
		s.RateLimit.Memory.TTLSeconds = 300
	}
	if s.RateLimit.Memory.CleanupSeconds == 0 {
		s.RateLimit.Memory.CleanupSeconds = 60
	}

	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	if s.Log.Format == "" {
		s.Log.Format = "text"
	}
	if s.Cache.Dir == "" {
		s.Cache.Dir = "mocks"
	}
	if s.Watch.DebounceMillis == 0 {
		s.Watch.DebounceMillis = 250
	}
}

func ValidateSettings(s *Settings) error {
	if s.Server.MaxBodyBytes < 0 {
		return errors.New("server.max_body_bytes cannot be negative")
	}
	if s.Upstream.RequestTimeoutSeconds < 0 {
		return errors.New("upstream.request_timeout_seconds cannot be negative")
	}
	if s.Upstream.MaxCaptureBytes < 0 {
		return errors.New("upstream.max_capture_bytes cannot be negative")
	}
	if s.Upstream.MaxInFlight < 0 {
		return errors.New("upstream.max_in_flight cannot be negative")
	}

	if s.Upstream.RateLimit.Enabled {
		if s.Upstream.RateLimit.RPS <= 0 {
			return errors.New("upstream.rate_limit.rps must be > 0 when enabled")
		}
		if s.Upstream.RateLimit.Burst <= 0 {
			return errors.New("upstream.rate_limit.burst must be > 0 when enabled")
		}
	}

	cb := s.Upstream.CircuitBreaker
	if cb.Enabled {
		if cb.FailureThreshold <= 0 {
			return errors.New("upstream.circuit_breaker.failure_threshold must be > 0")
		}
		if cb.OpenSeconds <= 0 {
			return errors.New("upstream.circuit_breaker.open_seconds must be > 0")
		}
		if cb.HalfOpenMaxInFlight <= 0 {
			return errors.New("upstream.circuit_breaker.half_open_max_in_flight must be > 0")
		}
	}

	backend := strings.ToLower(strings.TrimSpace(s.RateLimit.Backend))
	if backend != "redis" && backend != "memory" {
		return fmt.Errorf("rate_limit.backend must be 'redis' or 'memory'")
	}
	if backend == "redis" && strings.TrimSpace(s.RateLimit.Redis.Addr) == "" {
		return fmt.Errorf("rate_limit.redis.addr is required when backend is redis")
	}

	if s.Watch.DebounceMillis < 0 {
		return errors.New("watch.debounce_ms cannot be negative")
	}
	return nil
}

func (s *Settings) Debounce() time.Duration {
	return time.Duration(s.Watch.DebounceMillis) * time.Millisecond
}
