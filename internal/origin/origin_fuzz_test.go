package origin

import (
	"strings"
	"testing"
)

func FuzzNormalizeHeader(f *testing.F) {
	f.Add("HTTPS://Example.COM:443")
	f.Add("http://[::FFFF:192.0.2.1]")
	f.Add("null")
	f.Add("")
	f.Add("ftp://example.com")
	f.Add("https://example.com,https://evil.example.com")

	f.Fuzz(func(t *testing.T, header string) {
		normalized, host, ok := NormalizeHeader(header)
		if !ok {
			return
		}
		if normalized == "null" {
			return
		}
		if !strings.HasSuffix(normalized, "://"+host) {
			t.Fatalf("normalized %q does not end in host %q", normalized, host)
		}
		again, againHost, ok := NormalizeHeader(normalized)
		if !ok || again != normalized || againHost != host {
			t.Fatalf("not idempotent: %q -> %q (%q, %v)", normalized, again, againHost, ok)
		}
	})
}
