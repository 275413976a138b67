package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Wahee-aljabir/meet/internal/origin"
	"github.com/Wahee-aljabir/meet/internal/roomcode"
)

const (
	envVarListenAddr      = "MEET_LISTEN_ADDR"
	envVarPublicBaseURL   = "MEET_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMode            = "MEET_MODE"
	envVarLogFormat       = "MEET_LOG_FORMAT"
	envVarLogLevel        = "MEET_LOG_LEVEL"
	envVarShutdownTimeout = "MEET_SHUTDOWN_TIMEOUT"
	envVarStaticDir       = "MEET_STATIC_DIR"

	// Room storage.
	envVarStoreBackend   = "STORE_BACKEND"
	envVarBadgerDir      = "BADGER_DIR"
	envVarRedisAddr      = "REDIS_ADDR"
	envVarRedisPassword  = "REDIS_PASSWORD"
	envVarRedisDB        = "REDIS_DB"
	envVarRedisKeyPrefix = "REDIS_KEY_PREFIX"

	// Room lifecycle.
	envVarRoomIdleWindow     = "ROOM_IDLE_WINDOW"
	envVarRoomMaxLifetime    = "ROOM_MAX_LIFETIME"
	envVarEvictOccupiedRooms = "ROOM_EVICT_OCCUPIED_AT_MAX_LIFETIME"
	envVarSweepInterval      = "ROOM_SWEEP_INTERVAL"
	envVarSweepTimeout       = "ROOM_SWEEP_TIMEOUT"
	envVarRoomCodeLength     = "ROOM_CODE_LENGTH"
	envVarMaxCreateAttempts  = "ROOM_MAX_CREATE_ATTEMPTS"

	// Per-client create-meeting throttling.
	envVarCreateMeetingBurst     = "CREATE_MEETING_BURST"
	envVarCreateMeetingPerSecond = "CREATE_MEETING_PER_SECOND"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueSize        = "SIGNALING_SEND_QUEUE_SIZE"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr      = "127.0.0.1:3000"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev
	DefaultStaticDir       = "public"

	DefaultStoreBackend   StoreBackend = StoreMemory
	DefaultBadgerDir                   = "data/rooms"
	DefaultRedisAddr                   = "127.0.0.1:6379"
	DefaultRedisKeyPrefix              = "meet:"

	DefaultRoomIdleWindow     = time.Hour
	DefaultRoomMaxLifetime    = 24 * time.Hour
	DefaultSweepInterval      = 10 * time.Minute
	DefaultSweepTimeout       = 30 * time.Second
	DefaultEvictOccupiedRooms = true
	DefaultMaxCreateAttempts  = 5

	DefaultCreateMeetingBurst     = 10
	DefaultCreateMeetingPerSecond = 1

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueSize        = 64

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "meet"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreBadger StoreBackend = "badger"
	StoreRedis  StoreBackend = "redis"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode
	// StaticDir is served at "/". Empty disables static hosting.
	StaticDir string

	StoreBackend StoreBackend
	BadgerDir    string
	Redis        RedisConfig

	RoomIdleWindow  time.Duration
	RoomMaxLifetime time.Duration
	// EvictOccupiedRooms lets the max-lifetime rule close rooms that still
	// have participants.
	EvictOccupiedRooms bool
	SweepInterval      time.Duration
	SweepTimeout       time.Duration
	RoomCodeLength     int
	MaxCreateAttempts  int

	CreateMeetingBurst     int
	CreateMeetingPerSecond int

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueSize        int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports a problem with the ICE server settings. It is kept
// separate from Load's error so the server can still start and serve rooms
// while /api/ice-servers reports the misconfiguration.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	staticDir := envOrDefault(lookup, envVarStaticDir, DefaultStaticDir)

	storeBackendStr := envOrDefault(lookup, envVarStoreBackend, string(DefaultStoreBackend))
	badgerDir := envOrDefault(lookup, envVarBadgerDir, DefaultBadgerDir)
	redisAddr := envOrDefault(lookup, envVarRedisAddr, DefaultRedisAddr)
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	redisKeyPrefix := envOrDefault(lookup, envVarRedisKeyPrefix, DefaultRedisKeyPrefix)
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, DefaultStunURLs)
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	roomIdleWindow, err := envDurationOrDefault(lookup, envVarRoomIdleWindow, DefaultRoomIdleWindow)
	if err != nil {
		return Config{}, err
	}
	roomMaxLifetime, err := envDurationOrDefault(lookup, envVarRoomMaxLifetime, DefaultRoomMaxLifetime)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	sweepTimeout, err := envDurationOrDefault(lookup, envVarSweepTimeout, DefaultSweepTimeout)
	if err != nil {
		return Config{}, err
	}
	evictOccupied, err := envBoolOrDefault(lookup, envVarEvictOccupiedRooms, DefaultEvictOccupiedRooms)
	if err != nil {
		return Config{}, err
	}
	roomCodeLength, err := envIntOrDefault(lookup, envVarRoomCodeLength, roomcode.DefaultLength)
	if err != nil {
		return Config{}, err
	}
	maxCreateAttempts, err := envIntOrDefault(lookup, envVarMaxCreateAttempts, DefaultMaxCreateAttempts)
	if err != nil {
		return Config{}, err
	}
	createMeetingBurst, err := envIntOrDefault(lookup, envVarCreateMeetingBurst, DefaultCreateMeetingBurst)
	if err != nil {
		return Config{}, err
	}
	createMeetingPerSecond, err := envIntOrDefault(lookup, envVarCreateMeetingPerSecond, DefaultCreateMeetingPerSecond)
	if err != nil {
		return Config{}, err
	}

	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalingSendQueueSize, err := envIntOrDefault(lookup, envVarSignalingSendQueueSize, DefaultSignalingSendQueueSize)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("meet-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory served at / (empty disables; env "+envVarStaticDir+")")

	fs.StringVar(&storeBackendStr, "store", storeBackendStr, "Room store backend: memory, badger, or redis (env "+envVarStoreBackend+")")
	fs.StringVar(&badgerDir, "badger-dir", badgerDir, "Badger data directory (env "+envVarBadgerDir+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address (env "+envVarRedisAddr+")")
	fs.StringVar(&redisPassword, "redis-password", redisPassword, "Redis password (env "+envVarRedisPassword+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number (env "+envVarRedisDB+")")
	fs.StringVar(&redisKeyPrefix, "redis-key-prefix", redisKeyPrefix, "Prefix for all Redis keys (env "+envVarRedisKeyPrefix+")")

	fs.DurationVar(&roomIdleWindow, "room-idle-window", roomIdleWindow, "Delete empty rooms idle for longer than this (env "+envVarRoomIdleWindow+")")
	fs.DurationVar(&roomMaxLifetime, "room-max-lifetime", roomMaxLifetime, "Delete rooms older than this (env "+envVarRoomMaxLifetime+")")
	fs.BoolVar(&evictOccupied, "room-evict-occupied", evictOccupied, "Apply the max lifetime to rooms that still have participants (env "+envVarEvictOccupiedRooms+")")
	fs.DurationVar(&sweepInterval, "room-sweep-interval", sweepInterval, "How often expired rooms are swept (env "+envVarSweepInterval+")")
	fs.DurationVar(&sweepTimeout, "room-sweep-timeout", sweepTimeout, "Upper bound for a single sweep (env "+envVarSweepTimeout+")")
	fs.IntVar(&roomCodeLength, "room-code-length", roomCodeLength, "Length of generated meeting codes (env "+envVarRoomCodeLength+")")
	fs.IntVar(&maxCreateAttempts, "room-max-create-attempts", maxCreateAttempts, "Code generation attempts before create-meeting fails (env "+envVarMaxCreateAttempts+")")

	fs.IntVar(&createMeetingBurst, "create-meeting-burst", createMeetingBurst, "Create-meeting burst per client IP (0 = unlimited; env "+envVarCreateMeetingBurst+")")
	fs.IntVar(&createMeetingPerSecond, "create-meeting-per-second", createMeetingPerSecond, "Create-meeting refill rate per client IP (env "+envVarCreateMeetingPerSecond+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&signalingSendQueueSize, "signaling-send-queue-size", signalingSendQueueSize, "Outbound events buffered per connection before it is dropped (env "+envVarSignalingSendQueueSize+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	storeBackend, err := parseStoreBackend(storeBackendStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if storeBackend == StoreBadger && strings.TrimSpace(badgerDir) == "" {
		return Config{}, fmt.Errorf("%s/--badger-dir must be set when --store=badger", envVarBadgerDir)
	}
	if storeBackend == StoreRedis && strings.TrimSpace(redisAddr) == "" {
		return Config{}, fmt.Errorf("%s/--redis-addr must be set when --store=redis", envVarRedisAddr)
	}
	if redisDB < 0 {
		return Config{}, fmt.Errorf("%s/--redis-db must be >= 0", envVarRedisDB)
	}
	if roomIdleWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--room-idle-window must be > 0", envVarRoomIdleWindow)
	}
	if roomMaxLifetime <= 0 {
		return Config{}, fmt.Errorf("%s/--room-max-lifetime must be > 0", envVarRoomMaxLifetime)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--room-sweep-interval must be > 0", envVarSweepInterval)
	}
	if sweepTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--room-sweep-timeout must be > 0", envVarSweepTimeout)
	}
	if roomCodeLength < roomcode.MinLength || roomCodeLength > roomcode.MaxLength {
		return Config{}, fmt.Errorf("%s/--room-code-length must be between %d and %d", envVarRoomCodeLength, roomcode.MinLength, roomcode.MaxLength)
	}
	if maxCreateAttempts <= 0 {
		return Config{}, fmt.Errorf("%s/--room-max-create-attempts must be > 0", envVarMaxCreateAttempts)
	}
	if createMeetingBurst < 0 {
		return Config{}, fmt.Errorf("%s/--create-meeting-burst must be >= 0 (0 = unlimited)", envVarCreateMeetingBurst)
	}
	if createMeetingBurst > 0 && createMeetingPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--create-meeting-per-second must be > 0", envVarCreateMeetingPerSecond)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if signalingSendQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue-size must be > 0", envVarSignalingSendQueueSize)
	}
	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
		}
		if turnRESTUsernamePrefix == "" || strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s/--turn-rest-username-prefix must be non-empty and must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		StaticDir:       strings.TrimSpace(staticDir),

		StoreBackend: storeBackend,
		BadgerDir:    badgerDir,
		Redis: RedisConfig{
			Addr:      redisAddr,
			Password:  redisPassword,
			DB:        redisDB,
			KeyPrefix: redisKeyPrefix,
		},

		RoomIdleWindow:     roomIdleWindow,
		RoomMaxLifetime:    roomMaxLifetime,
		EvictOccupiedRooms: evictOccupied,
		SweepInterval:      sweepInterval,
		SweepTimeout:       sweepTimeout,
		RoomCodeLength:     roomCodeLength,
		MaxCreateAttempts:  maxCreateAttempts,

		CreateMeetingBurst:     createMeetingBurst,
		CreateMeetingPerSecond: createMeetingPerSecond,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingSendQueueSize:        signalingSendQueueSize,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseStoreBackend(raw string) (StoreBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreMemory), "":
		return StoreMemory, nil
	case string(StoreBadger):
		return StoreBadger, nil
	case string(StoreRedis):
		return StoreRedis, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarStoreBackend, raw, StoreMemory, StoreBadger, StoreRedis)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
