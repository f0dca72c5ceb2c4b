package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	proxies, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.10", "fd00::/8"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	type hdrs struct{ forwardedFor, realIP string }
	cases := map[string]struct {
		peer    string
		headers hdrs
		trust   *TrustedProxies
		want    string
	}{
		"forwarding headers ignored without trust": {"198.51.100.10:1234", hdrs{"203.0.113.5", "203.0.113.6"}, nil, "198.51.100.10"},
		"trusted peer forwards client":             {"10.0.0.20:1234", hdrs{"203.0.113.5", ""}, proxies, "203.0.113.5"},
		"rightmost untrusted hop wins":             {"10.0.0.20:1234", hdrs{"1.2.3.4, 203.0.113.5, 10.0.0.10", ""}, proxies, "203.0.113.5"},
		"real ip fallback":                         {"192.168.1.10:1234", hdrs{"garbage", "203.0.113.7"}, proxies, "203.0.113.7"},
		"fully trusted chain":                      {"10.0.0.20:1234", hdrs{"10.0.0.5, 10.0.0.10", ""}, proxies, "10.0.0.5"},
		"mapped ipv4 peer":                         {"[::ffff:10.0.0.20]:1234", hdrs{"203.0.113.9", ""}, proxies, "203.0.113.9"},
		"ipv6 proxy":                               {"[fd00::1]:443", hdrs{"2001:db8::7", ""}, proxies, "2001:db8::7"},
		"non-ip peer passes through":               {"pipe", hdrs{}, nil, "pipe"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
			r.RemoteAddr = tc.peer
			if tc.headers.forwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tc.headers.forwardedFor)
			}
			if tc.headers.realIP != "" {
				r.Header.Set("X-Real-IP", tc.headers.realIP)
			}
			if got := ClientIP(r, tc.trust); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	if p, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.1", "::1"}); err != nil || p == nil {
		t.Fatalf("expected valid entries, got %v, %v", p, err)
	}
	if p, err := NewTrustedProxies([]string{" ", ""}); err != nil || p != nil {
		t.Fatalf("expected nil proxies for blank input, got %v, %v", p, err)
	}
	if _, err := NewTrustedProxies([]string{"bad-cidr"}); err == nil {
		t.Fatalf("expected parse error for invalid entry")
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/99"}); err == nil {
		t.Fatalf("expected parse error for invalid prefix")
	}
}
