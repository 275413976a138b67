// Package origin decides which browser origins may call the HTTP API and open
// signaling websockets.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns it in
// canonical scheme://host[:port] form together with its host[:port] part.
// Default ports are dropped. The literal "null" origin is accepted as-is.
func NormalizeHeader(originHeader string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy is an origin allow-list. An empty list means same-host only; "*"
// admits every origin.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy normalizes the configured origins and rejects malformed entries.
func NewPolicy(allowed []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, raw := range allowed {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if raw == "*" {
			p.any = true
			continue
		}
		normalized, _, ok := NormalizeHeader(raw)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("invalid allowed origin %q", raw)
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, nil
}

// SameHostOnly reports whether the policy falls back to comparing the
// origin against the request Host.
func (p *Policy) SameHostOnly() bool {
	return !p.any && len(p.allowed) == 0
}

// Allows reports whether a request carrying the normalized origin may
// access requestHost.
func (p *Policy) Allows(normalized, originHost, requestHost string) bool {
	if p.any {
		return true
	}
	if !p.SameHostOnly() {
		_, ok := p.allowed[normalized]
		return ok
	}

	// Scheme is not compared: behind a TLS-terminating proxy the request
	// arrives as plain HTTP while the browser origin is https.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalAuthority(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	return ok && reqHost == originHost
}

// Check evaluates r. present is false when r has no Origin header, which
// non-browser clients are allowed to omit.
func (p *Policy) Check(r *http.Request) (normalized string, present bool, ok bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", false, true
	}
	normalized, host, valid := NormalizeHeader(header)
	if !valid {
		return "", true, false
	}
	return normalized, true, p.Allows(normalized, host, r.Host)
}

// canonicalAuthority lowercases the hostname, validates the port and strips
// it when it is the scheme default.
func canonicalAuthority(authority, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed; the
// returned hostname has the brackets removed.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}
	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := raw[1:end], raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}
	if strings.Count(raw, ":") > 1 {
		return "", "", false
	}
	hostname, port, hasPort := strings.Cut(raw, ":")
	if hasPort && (hostname == "" || port == "") {
		return "", "", false
	}
	return hostname, port, true
}
