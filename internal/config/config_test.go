package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func emptyLookup(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(emptyLookup, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.StoreBackend != StoreMemory {
		t.Fatalf("StoreBackend=%q, want %q", cfg.StoreBackend, StoreMemory)
	}
	if cfg.RoomIdleWindow != time.Hour || cfg.RoomMaxLifetime != 24*time.Hour {
		t.Fatalf("room windows = %v/%v, want 1h/24h", cfg.RoomIdleWindow, cfg.RoomMaxLifetime)
	}
	if cfg.SweepInterval != 10*time.Minute {
		t.Fatalf("SweepInterval=%v, want 10m", cfg.SweepInterval)
	}
	if !cfg.EvictOccupiedRooms {
		t.Fatalf("EvictOccupiedRooms=false, want true")
	}
	if cfg.RoomCodeLength != 8 {
		t.Fatalf("RoomCodeLength=%d, want 8", cfg.RoomCodeLength)
	}
	if cfg.StaticDir != DefaultStaticDir {
		t.Fatalf("StaticDir=%q, want %q", cfg.StaticDir, DefaultStaticDir)
	}
	if cfg.ICEConfigError() != nil {
		t.Fatalf("unexpected ICE error: %v", cfg.ICEConfigError())
	}
	if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) != 2 {
		t.Fatalf("expected default STUN servers, got %#v", cfg.ICEServers)
	}
	if cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST should be disabled by default")
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(emptyLookup, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(emptyLookup, []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarRoomIdleWindow: "30m",
		envVarStoreBackend:   "redis",
		envVarRedisDB:        "2",
	}), []string{"--room-idle-window", "45m"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RoomIdleWindow != 45*time.Minute {
		t.Fatalf("RoomIdleWindow=%v, want 45m", cfg.RoomIdleWindow)
	}
	if cfg.StoreBackend != StoreRedis || cfg.Redis.DB != 2 || cfg.Redis.KeyPrefix != DefaultRedisKeyPrefix {
		t.Fatalf("unexpected redis config: %q %+v", cfg.StoreBackend, cfg.Redis)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{name: "bad duration", env: map[string]string{envVarRoomMaxLifetime: "forever"}, want: envVarRoomMaxLifetime},
		{name: "bad bool", env: map[string]string{envVarEvictOccupiedRooms: "maybe"}, want: envVarEvictOccupiedRooms},
		{name: "unknown store", env: map[string]string{envVarStoreBackend: "etcd"}, want: envVarStoreBackend},
		{name: "code too short", args: []string{"--room-code-length", "3"}, want: "room-code-length"},
		{name: "ping not below idle", args: []string{"--signaling-ws-ping-interval", "2m"}, want: "signaling-ws-ping-interval"},
		{name: "zero sweep", args: []string{"--room-sweep-interval", "0s"}, want: "room-sweep-interval"},
		{name: "bad origin", env: map[string]string{envVarAllowedOrigins: "https://ok.example,/nope"}, want: envVarAllowedOrigins},
		{name: "turn rest prefix colon", env: map[string]string{envVarTURNRESTSharedSecret: "s", envVarTURNRESTUsernamePrefix: "a:b"}, want: envVarTURNRESTUsernamePrefix},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(lookupMap(tc.env), tc.args)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, expected mention of %q", err, tc.want)
			}
		})
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins(" HTTPS://Meet.Example:443 , http://localhost:3000/ ,*")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	want := []string{"https://meet.example", "http://localhost:3000", "*"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}
	if _, err := parseAllowedOrigins("null"); err == nil {
		t.Fatalf("expected null to be rejected")
	}
}

func TestICEConfigErrorDoesNotFailLoad(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs: "turn:turn.example:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error for TURN without credentials")
	}

	cfg, err = load(lookupMap(map[string]string{
		envTurnURLs:                "turn:turn.example:3478?transport=udp",
		envVarTURNRESTSharedSecret: "secret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() != nil {
		t.Fatalf("TURN REST should allow credential-less TURN urls: %v", cfg.ICEConfigError())
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("expected stun + turn entries, got %#v", cfg.ICEServers)
	}
}
