// Package netx holds the trusted proxy list used to decide whether forwarded
// client addresses may be believed.
package netx

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

type CIDRSet struct {
	prefixes []netip.Prefix
}

// ParseCIDRSet accepts CIDRs and bare addresses; blank entries are skipped.
func ParseCIDRSet(items []string) (*CIDRSet, error) {
	set := &CIDRSet{}
	for _, raw := range items {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("invalid ip %q: %w", s, err)
			}
			set.prefixes = append(set.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", s, err)
		}
		set.prefixes = append(set.prefixes, p.Masked())
	}
	return set, nil
}

func (s *CIDRSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes)
}

func (s *CIDRSet) Contains(ip net.IP) bool {
	if s.Len() == 0 || ip == nil {
		return false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *CIDRSet) String() string {
	if s == nil {
		return ""
	}
	parts := make([]string, len(s.prefixes))
	for i, p := range s.prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}
