// Command mockproxy is a local development proxy: it forwards requests to an
// upstream API, records successful responses to disk and replays them, with
// per-route delays and canned error responses driven by a hot-reloaded JSON
// file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/3xpluto/mockproxy/internal/cache"
	"github.com/3xpluto/mockproxy/internal/config"
	"github.com/3xpluto/mockproxy/internal/logging"
	"github.com/3xpluto/mockproxy/internal/mw"
	"github.com/3xpluto/mockproxy/internal/netx"
	"github.com/3xpluto/mockproxy/internal/pipeline"
	"github.com/3xpluto/mockproxy/internal/proxy"
	"github.com/3xpluto/mockproxy/internal/ratelimit"
	"github.com/3xpluto/mockproxy/internal/server"
	"github.com/3xpluto/mockproxy/internal/version"
)

// AdminKeyEnv overrides admin.key from the settings file.
const AdminKeyEnv = "MOCKPROXY_ADMIN_KEY"

type options struct {
	port         int
	configPath   string
	settingsPath string
	mocksDir     string
	logLevel     string
	logFormat    string
	validateOnly bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "mockproxy",
		Short: "Record/replay proxy for local frontend development",
		Long: `mockproxy forwards requests to the host named in the route config,
stores successful responses under the mocks directory and serves them from
there on later requests. Route rules can delay requests or answer them with a
fixed status and body. The route config is reloaded when the file changes.`,
		Version:      version.Get(),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, o)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&o.port, "port", "p", 3000, "port to listen on")
	f.StringVar(&o.configPath, "config", config.DefaultPath, "route config file (JSON, hot-reloaded)")
	f.StringVar(&o.settingsPath, "settings", "mockproxy.yaml", "process settings file (YAML, optional)")
	f.StringVar(&o.mocksDir, "mocks", "", "directory for recorded responses (overrides cache.dir)")
	f.StringVar(&o.logLevel, "log-level", "", "debug|info|warn|error (overrides log.level)")
	f.StringVar(&o.logFormat, "log-format", "", "text|json (overrides log.format)")
	f.BoolVar(&o.validateOnly, "validate-config", false, "validate the config files and exit")
	return cmd
}

func run(ctx context.Context, o options) error {
	settings, err := config.LoadSettings(o.settingsPath)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	applyFlags(settings, o)

	log := logging.New(logging.Options{
		Level:  logging.ParseLevel(settings.Log.Level),
		Format: logging.ParseFormat(settings.Log.Format),
	})

	if o.validateOnly {
		if _, err := config.ReadFile(o.configPath); err != nil {
			log.Error("config validation failed", slog.String("error", err.Error()))
			return err
		}
		log.Info("config ok", slog.String("config", o.configPath), slog.String("settings", o.settingsPath))
		return nil
	}

	trusted, err := netx.ParseCIDRSet(settings.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}

	cfg, err := config.Load(o.configPath, log)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := mw.NewMetrics(reg)

	limiter := ratelimit.New(ctx, settings.RateLimit, log)
	defer limiter.Close()

	guards := newUpstreamGuards(settings.Upstream, limiter, log)

	deps := pipeline.Deps{
		Store:           cache.New(settings.Cache.Dir),
		Log:             log,
		Metrics:         metrics,
		Captures:        proxy.NewCaptures(log),
		Transport:       proxy.NewTransport(proxy.TransportConfigFrom(settings.Upstream)),
		IP:              mw.IPResolver{Trusted: trusted},
		RequestTimeout:  time.Duration(settings.Upstream.RequestTimeoutSeconds) * time.Second,
		MaxCaptureBytes: settings.Upstream.MaxCaptureBytes,
		MaxBodyBytes:    settings.Server.MaxBodyBytes,
		Guard:           guards.wrap,
	}

	srv := server.New(fmt.Sprintf(":%d", o.port), deps, settings.Server)
	if err := srv.Start(cfg); err != nil {
		return err
	}
	log.Info("mockproxy started",
		slog.String("version", version.Get()),
		slog.String("config", o.configPath),
		slog.String("mocks", settings.Cache.Dir),
	)

	watcher := config.NewWatcher(o.configPath, settings.Debounce(), log)
	watcher.OnError = func(error) { metrics.Reload("parse_error") }
	go func() {
		_ = watcher.Run(ctx, func(c *config.Config) { _ = srv.Reload(c) })
	}()

	if settings.Admin.Addr != "" {
		key := settings.Admin.Key
		if v := os.Getenv(AdminKeyEnv); v != "" {
			key = v
		}
		adminHandler := newAdminHandler(adminDeps{
			reg:       reg,
			source:    srv,
			store:     deps.Store,
			settings:  settings,
			guards:    guards,
			key:       key,
			log:       log,
			metrics:   metrics,
			startedAt: time.Now(),
		})
		admin := &http.Server{
			Addr:              settings.Admin.Addr,
			Handler:           adminHandler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("admin listening", slog.String("addr", settings.Admin.Addr))
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("admin server error", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(sctx)
		}()
	}

	return srv.Run(ctx)
}

func applyFlags(s *config.Settings, o options) {
	if o.mocksDir != "" {
		s.Cache.Dir = o.mocksDir
	}
	if o.logLevel != "" {
		s.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		s.Log.Format = o.logFormat
	}
}

// upstreamGuards protect the upstream from the proxy. They outlive config
// reloads so limits and breaker state carry over.
type upstreamGuards struct {
	limiter  ratelimit.Limiter
	sem      *mw.Semaphore
	breaker  *mw.CircuitBreaker
	throttle config.UpstreamRateLimit
	log      *slog.Logger
}

func newUpstreamGuards(s config.UpstreamSettings, limiter ratelimit.Limiter, log *slog.Logger) *upstreamGuards {
	cb := s.CircuitBreaker
	return &upstreamGuards{
		limiter: limiter,
		sem:     mw.NewSemaphore(s.MaxInFlight),
		breaker: mw.NewCircuitBreaker(mw.BreakerConfig{
			Enabled:             cb.Enabled,
			FailureThreshold:    cb.FailureThreshold,
			OpenDuration:        time.Duration(cb.OpenSeconds) * time.Second,
			HalfOpenMaxInFlight: cb.HalfOpenMaxInFlight,
		}),
		throttle: s.RateLimit,
		log:      log,
	}
}

// wrap orders the guards outermost first: throttle, concurrency, breaker.
// Rejections by the outer two never count as breaker failures.
func (g *upstreamGuards) wrap(snap *pipeline.Snapshot, next http.Handler) http.Handler {
	h := mw.CircuitBreak(g.breaker, next)
	h = mw.ConcurrencyLimit(g.sem, h)
	h = mw.Throttle(g.limiter, g.log, mw.ThrottleConfig{
		Enabled: g.throttle.Enabled,
		RPS:     g.throttle.RPS,
		Burst:   g.throttle.Burst,
		Key:     snap.Upstream.Host,
	}, h)
	return h
}
