package mw

import (
	"net"
	"net/http"
	"strings"

	"github.com/3xpluto/mockproxy/internal/netx"
)

type IPResolver struct {
	Trusted *netx.CIDRSet
}

func (r IPResolver) ClientIP(req *http.Request) string {
	remoteIP := parseRemoteIP(req.RemoteAddr)
	if remoteIP != nil && r.Trusted != nil && r.Trusted.Contains(remoteIP) {
		// Only trust forwarded headers from trusted proxies
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			// first IP is original client (left-most)
			parts := strings.Split(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(parts[0])); ip != nil {
				return ip.String()
			}
		}
		if xrip := net.ParseIP(strings.TrimSpace(req.Header.Get("X-Real-Ip"))); xrip != nil {
			return xrip.String()
		}
	}
	if remoteIP != nil {
		return remoteIP.String()
	}
	return req.RemoteAddr
}

func parseRemoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}
