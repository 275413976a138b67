package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/Wahee-aljabir/meet/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]bool {
	out := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = true
		}
	}
	return out
}

func safeProdConfig() config.Config {
	return config.Config{
		Mode:                     config.ModeProd,
		StoreBackend:             config.StoreRedis,
		Redis:                    config.RedisConfig{Addr: "redis:6379", Password: "secret"},
		CreateMeetingBurst:       10,
		MaxSignalingMessageBytes: 64 * 1024,
		EvictOccupiedRooms:       true,
		TURNREST:                 config.TurnRESTConfig{SharedSecret: "s3cret", TTLSeconds: 3600, UsernamePrefix: "meet"},
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"turn:turn.example.com:3478"}},
		},
	}
}

func TestStartupSecurityWarnings_SafeProdConfigIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()
	logStartupSecurityWarnings(logger, safeProdConfig())
	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %#v", codes)
	}
}

func TestStartupSecurityWarnings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		code   string
	}{
		{
			name:   "allowed origins wildcard",
			mutate: func(c *config.Config) { c.AllowedOrigins = []string{"*"} },
			code:   "allowed_origins_wildcard",
		},
		{
			name:   "memory store in prod",
			mutate: func(c *config.Config) { c.StoreBackend = config.StoreMemory },
			code:   "memory_store_in_prod",
		},
		{
			name:   "redis without password",
			mutate: func(c *config.Config) { c.Redis.Password = "" },
			code:   "redis_without_password_in_prod",
		},
		{
			name:   "unlimited meeting creation",
			mutate: func(c *config.Config) { c.CreateMeetingBurst = 0 },
			code:   "create_meeting_unlimited_in_prod",
		},
		{
			name: "static TURN credentials",
			mutate: func(c *config.Config) {
				c.TURNREST = config.TurnRESTConfig{}
				c.ICEServers = []webrtc.ICEServer{
					{URLs: []string{"stun:stun.l.google.com:19302"}},
					{URLs: []string{"turns:turn.example.com:5349"}, Username: "u", Credential: "p"},
				}
			},
			code: "turn_static_credentials",
		},
		{
			name:   "large signaling messages",
			mutate: func(c *config.Config) { c.MaxSignalingMessageBytes = 2 << 20 },
			code:   "signaling_message_bytes_large",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			cfg := safeProdConfig()
			tc.mutate(&cfg)
			logStartupSecurityWarnings(logger, cfg)

			codes := warningCodes(records())
			if !codes[tc.code] {
				t.Fatalf("expected warning_code=%s, got %#v", tc.code, records())
			}
			if len(codes) != 1 {
				t.Fatalf("expected only %s, got %#v", tc.code, codes)
			}
		})
	}
}

func TestStartupSecurityWarnings_DevModeSkipsProdChecks(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := safeProdConfig()
	cfg.Mode = config.ModeDev
	cfg.StoreBackend = config.StoreMemory
	cfg.CreateMeetingBurst = 0

	logStartupSecurityWarnings(logger, cfg)
	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings in dev mode: %#v", codes)
	}
}
