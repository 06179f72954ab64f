// Package pipeline assembles the request handler for one loaded route
// configuration: CORS, rule delay, rule override, cache replay and finally
// the capturing upstream proxy.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/3xpluto/mockproxy/internal/cache"
	"github.com/3xpluto/mockproxy/internal/config"
	"github.com/3xpluto/mockproxy/internal/mw"
	"github.com/3xpluto/mockproxy/internal/proxy"
	"github.com/3xpluto/mockproxy/internal/rules"
)

// Cache lookup results, used as metric labels.
const (
	LookupHit     = "hit"
	LookupMiss    = "miss"
	LookupError   = "error"
	LookupSkipped = "skipped"
)

// Deps are shared by every snapshot for the lifetime of the process.
type Deps struct {
	Store     *cache.Store
	Log       *slog.Logger
	Metrics   *mw.Metrics
	Captures  *proxy.Captures
	Transport http.RoundTripper
	IP        mw.IPResolver

	RequestTimeout  time.Duration
	MaxCaptureBytes int64
	MaxBodyBytes    int64

	// Guard wraps the upstream stage only, so overrides and cache hits are
	// never throttled. Nil means no guard.
	Guard func(snap *Snapshot, next http.Handler) http.Handler
}

// Snapshot is everything derived from one configuration load. It is never
// mutated; a reload builds a new one.
type Snapshot struct {
	Config   *config.Config
	Matcher  *rules.Matcher
	Upstream *url.URL
	Proxy    *proxy.Proxy
	LoadedAt time.Time
}

func NewSnapshot(cfg *config.Config, d Deps) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	up, err := cfg.UpstreamURL()
	if err != nil {
		return nil, fmt.Errorf("upstream host: %w", err)
	}
	p := proxy.New(proxy.Options{
		Upstream:        up,
		Transport:       d.Transport,
		Store:           d.Store,
		Log:             d.Log,
		Metrics:         d.Metrics,
		Captures:        d.Captures,
		RequestTimeout:  d.RequestTimeout,
		MaxCaptureBytes: d.MaxCaptureBytes,
	})
	return &Snapshot{
		Config:   cfg,
		Matcher:  rules.Compile(cfg.RouteConfig, d.Log),
		Upstream: up,
		Proxy:    p,
		LoadedAt: time.Now(),
	}, nil
}

type handler struct {
	snap     *Snapshot
	store    *cache.Store
	log      *slog.Logger
	metrics  *mw.Metrics
	upstream http.Handler
}

// New returns the full handler for snap, ambient middleware included.
func New(snap *Snapshot, d Deps) http.Handler {
	var upstream http.Handler = snap.Proxy
	if d.Guard != nil {
		upstream = d.Guard(snap, upstream)
	}

	var h http.Handler = &handler{
		snap:     snap,
		store:    d.Store,
		log:      d.Log,
		metrics:  d.Metrics,
		upstream: upstream,
	}

	// outermost last
	h = mw.CORS(h)
	h = mw.MaxBodyBytes(d.MaxBodyBytes, h)
	h = mw.AccessLog(d.Log, d.IP, h)
	h = mw.Instrument(d.Metrics, h)
	h = mw.WithStage(h)
	h = mw.RequestID(h)
	h = mw.Recover(d.Log, h)
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Rules are evaluated once, against the snapshot this handler was built
	// from, so a concurrent reload cannot mix two configurations.
	res := h.snap.Matcher.Match(r.Method, r.URL.RequestURI())

	if res.Delay > 0 {
		if err := sleep(r.Context(), res.Delay); err != nil {
			h.log.Debug("client went away during delay",
				slog.String("rid", mw.RID(r.Context())),
				slog.String("path", r.URL.Path),
			)
			return
		}
	}

	if res.Override != nil {
		mw.SetStage(r.Context(), mw.StageOverride)
		writeOverride(w, res.Override)
		return
	}

	if h.serveCached(w, r) {
		return
	}

	mw.SetStage(r.Context(), mw.StageUpstream)
	h.upstream.ServeHTTP(w, r)
}

// serveCached answers from the cache and reports whether it did.
func (h *handler) serveCached(w http.ResponseWriter, r *http.Request) bool {
	if h.snap.Config.SkipCache {
		h.metrics.CacheLookup(LookupSkipped)
		return false
	}

	entry, err := h.store.Lookup(r.Method, r.URL.Path)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNotFound):
		h.metrics.CacheLookup(LookupMiss)
		return false
	default:
		// Unreadable or unmappable entries fall through to the upstream.
		h.metrics.CacheLookup(LookupError)
		h.log.Warn("cache lookup failed",
			slog.String("rid", mw.RID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		return false
	}

	h.metrics.CacheLookup(LookupHit)
	mw.SetStage(r.Context(), mw.StageCache)

	hdr := w.Header()
	hdr.Set("Content-Type", entry.ContentType)
	hdr.Set(mw.SourceHeader, mw.StageCache)
	// A HEAD entry is recorded without a body, so its length is unknown.
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return true
	}
	hdr.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Body)
	return true
}

func writeOverride(w http.ResponseWriter, o *rules.Override) {
	ct := "text/plain; charset=utf-8"
	if json.Valid([]byte(o.Body)) {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set(mw.SourceHeader, mw.StageOverride)
	w.WriteHeader(o.Status)
	_, _ = w.Write([]byte(o.Body))
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
