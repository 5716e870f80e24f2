// Package ipfilter restricts HTTP access to a list of client networks
package ipfilter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Filter checks client addresses against allowed prefixes.
// An empty filter allows everyone.
type Filter struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// ParsePrefixes parses IPs and CIDRs; a bare IP becomes a single-host prefix
func ParsePrefixes(entries []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid IP %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// New creates a filter from IPs and CIDRs. Invalid entries are logged and
// skipped; config validation rejects them before this point.
func New(entries []string, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger.With("component", "ipfilter")}
	for _, entry := range entries {
		p, err := ParsePrefixes([]string{entry})
		if err != nil {
			f.logger.Warn("ignoring allowed_ips entry", "entry", entry, "error", err)
			continue
		}
		f.prefixes = append(f.prefixes, p...)
	}
	return f
}

// Enabled returns true if filtering is active
func (f *Filter) Enabled() bool {
	return len(f.prefixes) > 0
}

// Allowed reports whether addr ("ip" or "ip:port") may pass
func (f *Filter) Allowed(addr string) bool {
	if !f.Enabled() {
		return true
	}
	ip, ok := clientAddr(addr)
	if !ok {
		return false
	}
	for _, p := range f.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func clientAddr(addr string) (netip.Addr, bool) {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// RealIP applies chi's RealIP only to requests whose peer is one of the
// trusted proxies. Forwarded headers from anyone else are ignored, and an
// empty proxies filter ignores them always.
func RealIP(proxies *Filter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		forwarded := middleware.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if proxies.Enabled() && proxies.Allowed(r.RemoteAddr) {
				forwarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Middleware rejects requests whose RemoteAddr is not allowed. Put it after
// RealIP when running behind a proxy.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.Allowed(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		f.logger.Warn("access denied by IP filter", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "Forbidden"})
	})
}
