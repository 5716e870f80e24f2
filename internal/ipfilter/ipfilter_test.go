package ipfilter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParsePrefixes(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    int
		wantErr bool
	}{
		{"empty", nil, 0, false},
		{"single IP", []string{"192.168.1.1"}, 1, false},
		{"CIDR", []string{"10.0.0.0/8"}, 1, false},
		{"whitespace and blanks", []string{"  192.168.1.1 ", "", " 10.0.0.0/8"}, 2, false},
		{"IPv6", []string{"::1", "2001:db8::/32"}, 2, false},
		{"invalid IP", []string{"192.168.1.1", "invalid"}, 0, true},
		{"invalid CIDR", []string{"10.0.0.0/33"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePrefixes(tt.entries)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePrefixes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestFilterAllowed(t *testing.T) {
	f := New([]string{"192.168.1.10", "10.0.0.0/8", "2001:db8::/32", "bogus"}, newTestLogger())
	if !f.Enabled() {
		t.Fatal("Enabled() = false")
	}

	tests := []struct {
		addr string
		want bool
	}{
		{"192.168.1.10", true},
		{"192.168.1.10:5555", true},
		{"192.168.1.11", false},
		{"10.20.30.40:80", true},
		{"[2001:db8::1]:443", true},
		{"[2001:db9::1]:443", false},
		{"::ffff:10.1.2.3", true},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := f.Allowed(tt.addr); got != tt.want {
				t.Errorf("Allowed(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestEmptyFilterAllowsAll(t *testing.T) {
	f := New(nil, newTestLogger())
	if f.Enabled() || !f.Allowed("203.0.113.5:1") || !f.Allowed("garbage") {
		t.Error("empty filter must allow everything")
	}
}

func TestMiddleware(t *testing.T) {
	f := New([]string{"127.0.0.1"}, newTestLogger())
	handler := f.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		remoteAddr string
		want       int
	}{
		{"127.0.0.1:1234", http.StatusOK},
		{"192.0.2.1:1234", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations", nil)
		req.RemoteAddr = tt.remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.remoteAddr, rec.Code, tt.want)
		}
	}
}

func TestRealIP(t *testing.T) {
	var seen string
	capture := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.RemoteAddr
	})

	tests := []struct {
		name       string
		proxies    []string
		remoteAddr string
		realIP     string
		want       string
	}{
		{"trusted proxy", []string{"10.0.0.0/8"}, "10.0.0.5:4000", "203.0.113.7", "203.0.113.7"},
		{"untrusted peer", []string{"10.0.0.0/8"}, "198.51.100.9:4000", "10.1.1.1", "198.51.100.9:4000"},
		{"no proxies configured", nil, "10.0.0.5:4000", "203.0.113.7", "10.0.0.5:4000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RealIP(New(tt.proxies, newTestLogger()))(capture)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			req.Header.Set("X-Real-IP", tt.realIP)
			handler.ServeHTTP(httptest.NewRecorder(), req)
			if seen != tt.want {
				t.Errorf("RemoteAddr = %q, want %q", seen, tt.want)
			}
		})
	}
}
