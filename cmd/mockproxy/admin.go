package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3xpluto/mockproxy/internal/cache"
	"github.com/3xpluto/mockproxy/internal/config"
	"github.com/3xpluto/mockproxy/internal/mw"
	"github.com/3xpluto/mockproxy/internal/pipeline"
	"github.com/3xpluto/mockproxy/internal/version"
)

type snapshotSource interface {
	Snapshot() *pipeline.Snapshot
	Addr() string
}

type adminDeps struct {
	reg       *prometheus.Registry
	source    snapshotSource
	store     *cache.Store
	settings  *config.Settings
	guards    *upstreamGuards
	key       string
	log       *slog.Logger
	metrics   *mw.Metrics
	startedAt time.Time
}

func newAdminHandler(d adminDeps) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	wrap := func(h http.Handler) http.Handler {
		h = mw.RequireAdminKey(d.key, h)
		h = mw.AccessLog(d.log, mw.IPResolver{}, h)
		h = mw.Instrument(d.metrics, h)
		h = mw.Stage(mw.StageAdmin, h)
		h = mw.RequestID(h)
		return h
	}

	mux.Handle("/-/status", wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		goVer := ""
		if info, ok := debug.ReadBuildInfo(); ok {
			goVer = info.GoVersion
		}
		out := map[string]any{
			"time_utc":       time.Now().UTC().Format(time.RFC3339),
			"uptime_seconds": int(time.Since(d.startedAt).Seconds()),
			"listen_addr":    d.source.Addr(),
			"version":        version.Get(),
			"go_version":     goVer,
			"rate_backend":   d.settings.RateLimit.Backend,
			"mocks_dir":      d.store.Root(),
		}
		if snap := d.source.Snapshot(); snap != nil {
			out["upstream"] = snap.Upstream.String()
			out["skip_cache"] = snap.Config.SkipCache
			out["rules_configured"] = len(snap.Config.RouteConfig)
			out["rules_active"] = snap.Matcher.Len()
			out["config_loaded_at"] = snap.LoadedAt.UTC().Format(time.RFC3339)
		}
		writeJSON(w, out)
	})))

	mux.Handle("/-/routes", wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		out := []config.RouteRule{}
		if snap := d.source.Snapshot(); snap != nil {
			out = append(out, snap.Config.RouteConfig...)
		}
		writeJSON(w, out)
	})))

	mux.Handle("/-/cache", wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		items, err := d.store.List()
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, items)
	})))

	mux.Handle("/-/limits", wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		out := map[string]any{}
		if g := d.guards; g != nil {
			if g.sem.Enabled() {
				out["concurrency"] = map[string]any{
					"max_in_flight": g.sem.Cap(),
					"in_flight":     g.sem.InUse(),
				}
			}
			out["circuit_breaker"] = g.breaker.Stats()
			out["rate_limit"] = map[string]any{
				"enabled": g.throttle.Enabled,
				"rps":     g.throttle.RPS,
				"burst":   g.throttle.Burst,
			}
		}
		writeJSON(w, out)
	})))

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
