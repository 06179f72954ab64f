// Package config holds the proxy's two configuration layers: the JSON route
// configuration (upstream host and route rules, hot-reloaded) and the YAML
// process settings (timeouts, limits, admin listener, logging).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/3xpluto/mockproxy/internal/fsx"
)

// DefaultPath is resolved against the working directory.
const DefaultPath = "conf.json"

const DefaultHost = "http://localhost:8080"

type Config struct {
	Host        string      `json:"host"`
	RouteConfig []RouteRule `json:"routeConfig"`
	SkipCache   bool        `json:"skipCache,omitempty"`
}

// RouteRule overrides the behaviour of requests whose URI matches Expression.
// Delay is in seconds; nil means the rule does not touch the delay.
type RouteRule struct {
	Expression string   `json:"expression"`
	Delay      *float64 `json:"delay,omitempty"`
	Status     int      `json:"status,omitempty"`
	Body       string   `json:"body,omitempty"`
}

func Default() *Config {
	return &Config{
		Host: DefaultHost,
		RouteConfig: []RouteRule{
			{
				Expression: "/example/error",
				Status:     500,
				Body:       "This is a custom response body!",
			},
		},
	}
}

// ErrInvalid marks a document that is well-formed JSON but fails Validate.
var ErrInvalid = errors.New("invalid config")

// Parse decodes and validates a configuration document. Unknown keys are
// ignored so notes or fields from newer versions do not break a load.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return &cfg, nil
}

func Validate(cfg *Config) error {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return errors.New("host is required")
	}
	u, err := url.Parse(host)
	if err != nil {
		return fmt.Errorf("host invalid: %v", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("host must be an absolute http(s) url, got %q", cfg.Host)
	}

	for i, r := range cfg.RouteConfig {
		idx := fmt.Sprintf("routeConfig[%d]", i)
		if r.Expression == "" {
			return fmt.Errorf("%s.expression is required", idx)
		}
		if r.Delay != nil && *r.Delay < 0 {
			return fmt.Errorf("%s.delay cannot be negative", idx)
		}
		if r.Status != 0 && (r.Status < 100 || r.Status > 599) {
			return fmt.Errorf("%s.status %d is not a valid http status", idx, r.Status)
		}
	}
	return nil
}

// ReadFile reads and parses path without any fallback.
func ReadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// BackupSuffix is appended to a malformed config file before defaults are
// written in its place.
const BackupSuffix = ".bak"

// Load returns the configuration at path.
//
// A missing file is provisioned with the built-in default. A file that is not
// JSON is moved to path+BackupSuffix and replaced by the default. A file that
// is JSON but fails validation is left untouched and reported as an error.
// Failing to persist the default is logged and otherwise ignored.
func Load(path string, log *slog.Logger) (*Config, error) {
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn("config missing, provisioning defaults", slog.String("path", path))
		return provision(path, log), nil
	case err != nil:
		return nil, err
	}

	cfg, err := Parse(b)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, ErrInvalid) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	backup := path + BackupSuffix
	log.Warn("config malformed, provisioning defaults",
		slog.String("path", path),
		slog.String("backup", backup),
		slog.String("error", err.Error()),
	)
	if rerr := os.Rename(path, backup); rerr != nil {
		log.Error("failed to back up malformed config, leaving it in place",
			slog.String("path", path),
			slog.String("error", rerr.Error()),
		)
		return Default(), nil
	}
	return provision(path, log), nil
}

func provision(path string, log *slog.Logger) *Config {
	cfg := Default()
	if err := Write(path, cfg); err != nil {
		log.Error("failed to persist default config",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
	return cfg
}

func Write(path string, cfg *Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomic(path, b, 0o644)
}

// UpstreamURL is the parsed Host. Validate guarantees it parses.
func (c *Config) UpstreamURL() (*url.URL, error) {
	return url.Parse(strings.TrimSpace(c.Host))
}
