package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		in       string
		want     string
		wantHost string
		ok       bool
	}{
		{in: "HTTPS://Example.COM:443", want: "https://example.com", wantHost: "example.com", ok: true},
		{in: "http://localhost:5173/", want: "http://localhost:5173", wantHost: "localhost:5173", ok: true},
		{in: "http://[::1]:8080", want: "http://[::1]:8080", wantHost: "[::1]:8080", ok: true},
		{in: "http://example.com:80", want: "http://example.com", wantHost: "example.com", ok: true},
		{in: "null", want: "null", ok: true},
		{in: ""},
		{in: "ftp://example.com"},
		{in: "https://example.com/path"},
		{in: "https://example.com/?q=1"},
		{in: "https://example.com?"},
		{in: "https://user@example.com"},
		{in: "https://example.com/#frag"},
		{in: "https://example.com:0"},
		{in: "https://example.com:70000"},
		{in: "http://::1"},
	}
	for _, tc := range cases {
		got, host, ok := NormalizeHeader(tc.in)
		if ok != tc.ok || got != tc.want || host != tc.wantHost {
			t.Errorf("NormalizeHeader(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.in, got, host, ok, tc.want, tc.wantHost, tc.ok)
		}
	}
}

func TestNewPolicy_RejectsMalformedEntries(t *testing.T) {
	if _, err := NewPolicy([]string{"https://ok.example", "not a url"}); err == nil {
		t.Fatalf("expected error for malformed origin")
	}
	if _, err := NewPolicy([]string{"null"}); err == nil {
		t.Fatalf("null must not be configurable")
	}
}

func TestPolicy_Check(t *testing.T) {
	sameHost, err := NewPolicy(nil)
	if err != nil {
		t.Fatal(err)
	}
	listed, err := NewPolicy([]string{"HTTPS://Meet.Example:443", " "})
	if err != nil {
		t.Fatal(err)
	}
	anyOrigin, err := NewPolicy([]string{"*"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		policy  *Policy
		host    string
		origin  string
		present bool
		ok      bool
	}{
		{name: "no origin header", policy: sameHost, host: "meet.example", ok: true},
		{name: "same host behind tls proxy", policy: sameHost, host: "meet.example", origin: "https://meet.example", present: true, ok: true},
		{name: "same host explicit default port", policy: sameHost, host: "meet.example:80", origin: "http://meet.example", present: true, ok: true},
		{name: "different port", policy: sameHost, host: "meet.example:8080", origin: "http://meet.example:3000", present: true},
		{name: "null origin same host", policy: sameHost, host: "meet.example", origin: "null", present: true},
		{name: "malformed origin", policy: sameHost, host: "meet.example", origin: "https://meet.example/x", present: true},
		{name: "listed", policy: listed, host: "api.internal", origin: "https://meet.example", present: true, ok: true},
		{name: "not listed", policy: listed, host: "meet.example", origin: "https://evil.example", present: true},
		{name: "wildcard", policy: anyOrigin, host: "x", origin: "http://anything:1234", present: true, ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			r.Host = tc.host
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			_, present, ok := tc.policy.Check(r)
			if present != tc.present || ok != tc.ok {
				t.Fatalf("Check() present=%v ok=%v, want present=%v ok=%v", present, ok, tc.present, tc.ok)
			}
		})
	}
}
