package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/dunamismax/polybot/internal/ratelimit"
)

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// allowAuthFailure spends one token of the caller's failed-auth budget. Only
// requests with a wrong token or secret reach it, so Telegram is never throttled.
func (s *Server) allowAuthFailure(w http.ResponseWriter, r *http.Request) bool {
	if s.rateLimiter == nil {
		return true
	}

	subject := "webhook-auth:" + s.clientIP(r)
	decision, err := s.rateLimiter.Allow(r.Context(), subject)
	if err != nil {
		s.logger.Warnw("rate limiter check failed", "subject", subject, "err", err)
		return true
	}
	if decision.Allowed {
		return true
	}

	w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
	s.metrics.authRejected.WithLabelValues("throttled").Inc()
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// clientIP keys the failed-auth bucket. X-Forwarded-For is only read when the
// direct peer is a trusted proxy; the rightmost untrusted hop is the client.
func (s *Server) clientIP(r *http.Request) string {
	remote := remoteIP(r.RemoteAddr)
	peer, err := netip.ParseAddr(remote)
	if err != nil || !s.trustedProxy(peer) {
		return remote
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			return remote
		}
		if !s.trustedProxy(addr) {
			return addr.Unmap().String()
		}
	}
	return remote
}

func (s *Server) trustedProxy(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range s.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// parseProxies accepts bare IPs and CIDR prefixes.
func parseProxies(values []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
