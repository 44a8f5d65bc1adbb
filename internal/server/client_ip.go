package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ClientIPConfig controls which forwarding headers are believed when
// resolving the caller address. Forwarded headers are ignored unless
// TrustForwardedHeaders is set or the peer is within TrustedProxies.
type ClientIPConfig struct {
	TrustForwardedHeaders bool
	TrustedProxies        []string
}

type clientIPResolver struct {
	trustForwarded bool
	trusted        []*net.IPNet
}

func newClientIPResolver(cfg ClientIPConfig) (*clientIPResolver, error) {
	resolver := &clientIPResolver{trustForwarded: cfg.TrustForwardedHeaders}
	for _, entry := range cfg.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil && ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", entry, err)
		}
		resolver.trusted = append(resolver.trusted, network)
	}
	return resolver, nil
}

func (c *clientIPResolver) trustsPeer(peer string) bool {
	if c == nil {
		return false
	}
	if c.trustForwarded {
		return true
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return false
	}
	for _, network := range c.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// resolveClientIP returns the caller address and where it was read from.
func resolveClientIP(r *http.Request, resolver *clientIPResolver) (string, string) {
	peer := clientIP(r.RemoteAddr)
	if !resolver.trustsPeer(peer) {
		return peer, "remote_addr"
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first, "x-forwarded-for"
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip, "x-real-ip"
	}
	return peer, "remote_addr"
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
