// Package turnrest mints short-lived coturn-compatible TURN credentials
// (the "TURN REST API" scheme) and attaches them to ICE server lists.
//
//	username   = <unix expiry>:<prefix>:<session id>
//	credential = base64(hmac_sha1(shared secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
	// NewSessionID defaults to a random UUID.
	NewSessionID func() string
}

type Generator struct {
	secret       []byte
	ttlSeconds   int64
	prefix       string
	now          func() time.Time
	newSessionID func() string
}

type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errors.New("turnrest: shared secret is required")
	case cfg.TTLSeconds <= 0:
		return nil, errors.New("turnrest: TTLSeconds must be > 0")
	case cfg.UsernamePrefix == "":
		return nil, errors.New("turnrest: username prefix is required")
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = uuid.NewString
	}
	return &Generator{
		secret:       []byte(cfg.SharedSecret),
		ttlSeconds:   cfg.TTLSeconds,
		prefix:       cfg.UsernamePrefix,
		now:          cfg.Now,
		newSessionID: cfg.NewSessionID,
	}, nil
}

// Generate signs credentials for sessionID. The id must be non-empty and
// free of ':' since coturn splits the username on it.
func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("turnrest: session id is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, fmt.Errorf("turnrest: session id %q contains ':'", sessionID)
	}
	expiry := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, sessionID)

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:  time.Unix(expiry, 0).UTC(),
	}, nil
}

// Apply returns a copy of servers with fresh credentials set on every entry
// that has a turn: or turns: URL. STUN-only entries are left untouched.
func (g *Generator) Apply(servers []webrtc.ICEServer) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(servers))
	copy(out, servers)
	if !anyTURN(servers) {
		return out, nil
	}
	creds, err := g.Generate(g.newSessionID())
	if err != nil {
		return nil, err
	}
	for i := range out {
		if HasTURNURL(out[i]) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out, nil
}

func anyTURN(servers []webrtc.ICEServer) bool {
	for _, s := range servers {
		if HasTURNURL(s) {
			return true
		}
	}
	return false
}

// HasTURNURL reports whether server lists at least one TURN URL.
func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
