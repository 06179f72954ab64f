// Package server owns the proxy's listener. Each configuration load gets its
// own http.Server; a reload swaps the listener and lets the previous server
// drain in the background.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3xpluto/mockproxy/internal/config"
	"github.com/3xpluto/mockproxy/internal/pipeline"
)

// Reload results, used as metric labels.
const (
	ReloadOK    = "ok"
	ReloadError = "error"
)

const (
	rebindAttempts = 10
	rebindBackoff  = 50 * time.Millisecond
)

type instance struct {
	srv     *http.Server
	ln      net.Listener
	snap    *pipeline.Snapshot
	retired atomic.Bool
}

type Server struct {
	deps     pipeline.Deps
	settings config.ServerSettings
	log      *slog.Logger

	mu       sync.Mutex
	addr     string
	cur      *instance
	closed   bool
	draining sync.WaitGroup

	errCh chan error
}

// New prepares a server for addr (":3000", "127.0.0.1:0", ...). Nothing is
// bound until Start.
func New(addr string, deps pipeline.Deps, settings config.ServerSettings) *Server {
	return &Server{
		deps:     deps,
		settings: settings,
		log:      deps.Log,
		addr:     addr,
		errCh:    make(chan error, 1),
	}
}

// Start binds the listener and serves cfg.
func (s *Server) Start(cfg *config.Config) error {
	inst, err := s.build(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	// Port 0 resolves once; later rebinds reuse the same port.
	s.addr = ln.Addr().String()
	s.serve(inst, ln)
	s.log.Info("mockproxy listening",
		slog.String("addr", s.addr),
		slog.String("upstream", inst.snap.Upstream.String()),
		slog.Int("rules", inst.snap.Matcher.Len()),
	)
	return nil
}

// Reload swaps in cfg. The new handler is built before anything is torn
// down, so a config that cannot be built leaves the running one untouched.
func (s *Server) Reload(cfg *config.Config) error {
	inst, err := s.build(cfg)
	if err != nil {
		s.deps.Metrics.Reload(ReloadError)
		s.log.Error("config rejected, keeping previous", slog.String("error", err.Error()))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return http.ErrServerClosed
	}
	if s.cur == nil {
		return errors.New("server not started")
	}

	old := s.cur
	old.retired.Store(true)
	_ = old.ln.Close()

	ln, err := listenRetry(s.addr)
	if err != nil {
		s.deps.Metrics.Reload(ReloadError)
		s.cur = nil
		s.drain(old)
		s.fail(fmt.Errorf("rebind %s: %w", s.addr, err))
		return err
	}
	s.serve(inst, ln)
	s.drain(old)

	s.deps.Metrics.Reload(ReloadOK)
	s.log.Info("proxy reloaded",
		slog.String("addr", s.addr),
		slog.String("upstream", inst.snap.Upstream.String()),
		slog.Int("rules", inst.snap.Matcher.Len()),
		slog.Bool("skip_cache", cfg.SkipCache),
	)
	return nil
}

// Snapshot is the configuration currently being served, or nil.
func (s *Server) Snapshot() *pipeline.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.snap
}

// Addr is the bound address, resolved after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run blocks until ctx is cancelled or a server fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-s.errCh:
		s.log.Error("server failed", slog.String("error", runErr.Error()))
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout())
	defer cancel()
	if err := s.Shutdown(sctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops accepting, waits for in-flight requests on every server
// (current and draining) and then for pending captures.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cur := s.cur
	s.cur = nil
	s.mu.Unlock()

	var err error
	if cur != nil {
		cur.retired.Store(true)
		err = cur.srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.draining.Wait()
		if s.deps.Captures != nil {
			s.deps.Captures.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.log.Info("shutdown complete")
	return err
}

func (s *Server) build(cfg *config.Config) (*instance, error) {
	snap, err := pipeline.NewSnapshot(cfg, s.deps)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           pipeline.New(snap, s.deps),
		ReadHeaderTimeout: seconds(s.settings.ReadHeaderTimeoutSeconds),
		ReadTimeout:       seconds(s.settings.ReadTimeoutSeconds),
		IdleTimeout:       seconds(s.settings.IdleTimeoutSeconds),
		MaxHeaderBytes:    s.settings.MaxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	return &instance{srv: srv, snap: snap}, nil
}

// serve must be called with s.mu held.
func (s *Server) serve(inst *instance, ln net.Listener) {
	inst.ln = ln
	s.cur = inst
	go func() {
		err := inst.srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) || inst.retired.Load() {
			return
		}
		s.fail(err)
	}()
}

// drain shuts old down in the background. Must be called with s.mu held.
func (s *Server) drain(old *instance) {
	s.draining.Add(1)
	go func() {
		defer s.draining.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout())
		defer cancel()
		if err := old.srv.Shutdown(ctx); err != nil {
			s.log.Warn("previous server did not drain in time", slog.String("error", err.Error()))
			_ = old.srv.Close()
		}
	}()
}

func (s *Server) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) drainTimeout() time.Duration {
	if d := seconds(s.settings.DrainTimeoutSeconds); d > 0 {
		return d
	}
	return 30 * time.Second
}

func listenRetry(addr string) (net.Listener, error) {
	var err error
	for i := 0; i < rebindAttempts; i++ {
		var ln net.Listener
		if ln, err = net.Listen("tcp", addr); err == nil {
			return ln, nil
		}
		time.Sleep(rebindBackoff)
	}
	return nil, err
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
