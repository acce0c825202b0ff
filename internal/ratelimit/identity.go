package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// IdentityFunc names the client a request is counted against.
type IdentityFunc func(*http.Request) string

// ProxyTrustConfig controls when forwarding headers are believed.
type ProxyTrustConfig struct {
	// TrustProxyHeaders enables X-Forwarded-For and X-Real-IP.
	TrustProxyHeaders bool
	// TrustedProxyCIDRs and TrustedProxyIPs restrict which peers may set
	// those headers. When both are empty every peer is trusted.
	TrustedProxyCIDRs []*net.IPNet
	TrustedProxyIPs   map[string]bool
}

// ParseTrustedProxies parses a comma separated list of CIDRs and IPs.
// Entries that are neither are ignored.
func ParseTrustedProxies(trustHeaders bool, proxies string) ProxyTrustConfig {
	cfg := ProxyTrustConfig{
		TrustProxyHeaders: trustHeaders,
		TrustedProxyIPs:   make(map[string]bool),
	}
	for _, p := range strings.Split(proxies, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(p); err == nil {
			cfg.TrustedProxyCIDRs = append(cfg.TrustedProxyCIDRs, cidr)
			continue
		}
		if ip := net.ParseIP(p); ip != nil {
			cfg.TrustedProxyIPs[ip.String()] = true
		}
	}
	return cfg
}

// ClientIdentity returns an IdentityFunc keyed on the authenticated user
// when user reports one, and on the client IP otherwise. Users behind the
// same NAT therefore get separate windows once they log in.
func ClientIdentity(cfg ProxyTrustConfig, user func(context.Context) string) IdentityFunc {
	return func(r *http.Request) string {
		if user != nil {
			if id := user(r.Context()); id != "" {
				return "user:" + id
			}
		}
		return "ip:" + ClientIP(r, cfg)
	}
}

// ClientIP extracts the caller's address, honouring forwarding headers only
// from trusted peers. X-Forwarded-For is read from the right: the first hop
// that is not a listed proxy is the client, so entries a client prepends
// itself are never reached.
func ClientIP(r *http.Request, cfg ProxyTrustConfig) string {
	peer := hostOnly(r.RemoteAddr)
	if !cfg.TrustProxyHeaders || !cfg.trusts(peer) {
		return peer
	}
	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		var last string
		for i := len(hops) - 1; i >= 0; i-- {
			ip := net.ParseIP(strings.TrimSpace(hops[i]))
			if ip == nil {
				break
			}
			last = ip.String()
			if !cfg.listed(ip) {
				return last
			}
		}
		if last != "" {
			return last
		}
		return peer
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return peer
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (cfg ProxyTrustConfig) trusts(peer string) bool {
	if len(cfg.TrustedProxyCIDRs) == 0 && len(cfg.TrustedProxyIPs) == 0 {
		return true
	}
	ip := net.ParseIP(peer)
	return ip != nil && cfg.listed(ip)
}

// listed reports whether ip is an explicitly configured proxy.
func (cfg ProxyTrustConfig) listed(ip net.IP) bool {
	if cfg.TrustedProxyIPs[ip.String()] {
		return true
	}
	for _, cidr := range cfg.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
