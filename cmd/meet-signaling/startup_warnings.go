package main

import (
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/Wahee-aljabir/meet/internal/config"
	"github.com/Wahee-aljabir/meet/internal/turnrest"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if lo.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.StoreBackend == config.StoreMemory {
		logger.Warn("startup warning: --store=memory while --mode=prod (rooms are lost on restart and not shared between instances)",
			"warning_code", "memory_store_in_prod",
			"store", cfg.StoreBackend,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.StoreBackend == config.StoreRedis && strings.TrimSpace(cfg.Redis.Password) == "" {
		logger.Warn("startup security warning: REDIS_PASSWORD is unset while --mode=prod",
			"warning_code", "redis_without_password_in_prod",
			"redis_addr", cfg.Redis.Addr,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.CreateMeetingBurst <= 0 {
		logger.Warn("startup security warning: CREATE_MEETING_BURST is 0 (unlimited meeting creation) while --mode=prod",
			"warning_code", "create_meeting_unlimited_in_prod",
			"create_meeting_burst", cfg.CreateMeetingBurst,
			"mode", cfg.Mode,
		)
	}

	// Static TURN credentials are served verbatim to every browser that asks.
	if !cfg.TURNREST.Enabled() {
		for _, server := range cfg.ICEServers {
			if turnrest.HasTURNURL(server) && server.Credential != nil && server.Credential != "" {
				logger.Warn("startup security warning: static TURN credentials are exposed via /api/ice-servers (prefer TURN_REST_SHARED_SECRET)",
					"warning_code", "turn_static_credentials",
					"turn_urls", server.URLs,
					"mode", cfg.Mode,
				)
				break
			}
		}
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if !cfg.EvictOccupiedRooms {
		logger.Info("rooms past ROOM_MAX_LIFETIME are kept while occupied",
			"room_max_lifetime", cfg.RoomMaxLifetime,
		)
	}
}
