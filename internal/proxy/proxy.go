// Package proxy forwards requests to the configured upstream and records
// successful responses into the cache once they have been delivered.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/3xpluto/mockproxy/internal/cache"
	"github.com/3xpluto/mockproxy/internal/httpx"
	"github.com/3xpluto/mockproxy/internal/mw"
)

var ErrCaptureTruncated = errors.New("response exceeded capture limit")

// Capture outcomes, also used as metric labels.
const (
	OutcomeStored        = "stored"
	OutcomeSkippedStatus = "skipped_status"
	OutcomeTruncated     = "truncated"
	OutcomeDecodeError   = "decode_error"
	OutcomeWriteError    = "write_error"
)

type Options struct {
	Upstream  *url.URL
	Transport http.RoundTripper
	Store     *cache.Store
	Log       *slog.Logger
	Metrics   *mw.Metrics
	Captures  *Captures

	// RequestTimeout bounds the full upstream exchange; zero disables it.
	RequestTimeout time.Duration
	// MaxCaptureBytes stops buffering (not streaming) past this size.
	MaxCaptureBytes int64
}

// Proxy is the terminal pipeline stage.
type Proxy struct {
	rp       *httputil.ReverseProxy
	upstream *url.URL
	store    *cache.Store
	log      *slog.Logger
	metrics  *mw.Metrics
	captures *Captures
	timeout  time.Duration
	maxBytes int64
}

func New(opts Options) *Proxy {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	captures := opts.Captures
	if captures == nil {
		captures = NewCaptures(log)
	}
	return &Proxy{
		rp:       BuildProxy(opts.Upstream, transport, log),
		upstream: opts.Upstream,
		store:    opts.Store,
		log:      log,
		metrics:  opts.Metrics,
		captures: captures,
		timeout:  opts.RequestTimeout,
		maxBytes: opts.MaxCaptureBytes,
	}
}

func (p *Proxy) Upstream() *url.URL { return p.upstream }

// BuildProxy returns a reverse proxy that streams every upstream write to the
// client as soon as it arrives.
func BuildProxy(up *url.URL, transport http.RoundTripper, log *slog.Logger) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(up)
	p.Transport = transport
	p.FlushInterval = -1
	p.ErrorLog = slog.NewLogLogger(log.Handler(), slog.LevelWarn)

	orig := p.Director
	p.Director = func(req *http.Request) {
		orig(req)
		req.Host = up.Host
		if ae := req.Header.Get("Accept-Encoding"); ae != "" {
			if enc := OutboundEncoding(ae); enc != "" {
				req.Header.Set("Accept-Encoding", enc)
			} else {
				req.Header.Del("Accept-Encoding")
			}
		}
	}

	// The pipeline already answers with wildcard CORS headers; letting the
	// upstream's through would duplicate them.
	p.ModifyResponse = func(resp *http.Response) error {
		for _, h := range mw.CORSHeaders {
			resp.Header.Del(h)
		}
		return nil
	}

	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		code := http.StatusBadGateway
		msg := "upstream_unavailable"
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded):
			code = http.StatusGatewayTimeout
			msg = "upstream_timeout"
		case strings.Contains(err.Error(), "request body too large"):
			code = http.StatusRequestEntityTooLarge
			msg = "request_too_large"
		}
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		log.Warn("upstream request failed",
			slog.String("rid", mw.RID(r.Context())),
			slog.String("upstream", up.String()),
			slog.String("path", r.URL.Path),
			slog.Int("status", code),
			slog.String("error", detail),
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":    msg,
			"upstream": up.String(),
			"detail":   detail,
		})
	}

	return p
}

type captured struct {
	rid         string
	method      string
	path        string
	status      int
	contentType string
	encoding    string
	truncated   bool
	body        []byte
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	cw := httpx.NewCaptureWriter(w, p.maxBytes)
	w.Header().Set(mw.SourceHeader, mw.StageUpstream)

	// A body copy that fails midway panics with http.ErrAbortHandler and
	// skips everything below, so a broken response is never recorded.
	p.rp.ServeHTTP(cw, r)

	c := captured{
		rid:         mw.RID(r.Context()),
		method:      r.Method,
		path:        r.URL.Path,
		status:      cw.Status(),
		contentType: cw.Header().Get("Content-Type"),
		encoding:    cw.Header().Get("Content-Encoding"),
		truncated:   cw.Truncated(),
		body:        cw.Body(),
	}
	p.captures.Go(func() { p.complete(c) })
}

// complete runs after the client has its response.
func (p *Proxy) complete(c captured) {
	outcome, err := p.record(c)
	p.metrics.Capture(outcome)

	attrs := []any{
		slog.String("rid", c.rid),
		slog.String("method", c.method),
		slog.String("path", c.path),
		slog.Int("status", c.status),
		slog.String("outcome", outcome),
	}
	switch {
	case err != nil:
		p.log.Warn("capture failed", append(attrs, slog.String("error", err.Error()))...)
	case outcome == OutcomeStored:
		p.log.Info("response captured", attrs...)
	default:
		p.log.Debug("response not captured", attrs...)
	}
}

func (p *Proxy) record(c captured) (string, error) {
	if c.status != http.StatusOK {
		return OutcomeSkippedStatus, nil
	}
	if c.truncated {
		return OutcomeTruncated, fmt.Errorf("%w (%d bytes)", ErrCaptureTruncated, p.maxBytes)
	}
	body, err := Decode(c.encoding, c.body)
	if err != nil {
		return OutcomeDecodeError, err
	}
	if _, err := p.store.Put(c.method, c.path, c.status, c.contentType, body); err != nil {
		return OutcomeWriteError, err
	}
	return OutcomeStored, nil
}

// Captures tracks capture completions running in the background so shutdown
// can wait for them. One instance outlives every Proxy built from it.
type Captures struct {
	wg  sync.WaitGroup
	log *slog.Logger
}

func NewCaptures(log *slog.Logger) *Captures {
	return &Captures{log: log}
}

func (c *Captures) Go(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				c.log.Error("capture panicked", slog.String("panic", fmt.Sprint(rec)))
			}
		}()
		fn()
	}()
}

// Wait blocks until every started capture has finished.
func (c *Captures) Wait() { c.wg.Wait() }
