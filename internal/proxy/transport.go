package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/3xpluto/mockproxy/internal/config"
)

type TransportConfig struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

// TransportConfigFrom converts the upstream section of the settings file.
func TransportConfigFrom(s config.UpstreamSettings) TransportConfig {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return TransportConfig{
		DialTimeout:           sec(s.DialTimeoutSeconds),
		TLSHandshakeTimeout:   sec(s.TLSHandshakeTimeoutSeconds),
		ResponseHeaderTimeout: sec(s.ResponseHeaderTimeoutSeconds),
		IdleConnTimeout:       sec(s.IdleConnTimeoutSeconds),
		MaxIdleConns:          s.MaxIdleConns,
		MaxIdleConnsPerHost:   s.MaxIdleConnsPerHost,
	}
}

// NewTransport is shared by every proxy built across config reloads so the
// upstream connection pool survives a host swap back and forth.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return tr
}
