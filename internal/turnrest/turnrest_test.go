package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func fixedGenerator(t *testing.T) *Generator {
	t.Helper()
	g, err := NewGenerator(Config{
		SharedSecret:   "shared-secret",
		TTLSeconds:     3600,
		UsernamePrefix: "meet",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0) },
		NewSessionID:   func() string { return "session123" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func expectedCredential(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestGenerate_Deterministic(t *testing.T) {
	g := fixedGenerator(t)
	creds, err := g.Generate("session123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if want := "1700003600:meet:session123"; creds.Username != want {
		t.Fatalf("Username: got %q, want %q", creds.Username, want)
	}
	if want := expectedCredential("shared-secret", creds.Username); creds.Credential != want {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, want)
	}
	if !creds.ExpiresAt.Equal(time.Unix(1_700_003_600, 0)) {
		t.Fatalf("ExpiresAt: got %v", creds.ExpiresAt)
	}
}

func TestGenerate_RejectsBadSessionID(t *testing.T) {
	g := fixedGenerator(t)
	for _, id := range []string{"", "a:b"} {
		if _, err := g.Generate(id); err == nil {
			t.Fatalf("expected error for session id %q", id)
		}
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	cases := []Config{
		{TTLSeconds: 1, UsernamePrefix: "p"},
		{SharedSecret: "s", UsernamePrefix: "p"},
		{SharedSecret: "s", TTLSeconds: 1},
		{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "a:b"},
	}
	for i, cfg := range cases {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestApply_OnlyTouchesTURNServers(t *testing.T) {
	g := fixedGenerator(t)
	in := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example:3478"}},
		{URLs: []string{"TURN:turn.example:3478?transport=udp"}},
		{URLs: []string{"stun:alt.example", "turns:turn.example:5349"}},
	}

	out, err := g.Apply(in)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len(out) = %d", len(out))
	}
	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun entry got credentials: %+v", out[0])
	}
	for _, s := range out[1:] {
		if s.Username != "1700003600:meet:session123" {
			t.Fatalf("turn entry username = %q", s.Username)
		}
		if s.Credential != expectedCredential("shared-secret", s.Username) {
			t.Fatalf("turn entry credential = %v", s.Credential)
		}
	}
	if in[1].Username != "" {
		t.Fatalf("input slice was mutated")
	}
}

func TestApply_EmptyStaysNonNil(t *testing.T) {
	out, err := fixedGenerator(t).Apply(nil)
	if err != nil || out == nil || len(out) != 0 {
		t.Fatalf("Apply(nil) = %v, %v; want empty non-nil slice", out, err)
	}
}
