package main

import (
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/teleconsult/signaling-relay/internal/config"
)

// minJWTSecretBytes is the HS256 key size below which brute forcing a leaked
// token becomes practical.
const minJWTSecretBytes = 32

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeJWT && len(cfg.JWTSecret) < minJWTSecretBytes {
		logger.Warn("startup security warning: JWT_SECRET is shorter than 32 bytes",
			"warning_code", "jwt_secret_short",
			"jwt_secret_bytes", len(cfg.JWTSecret),
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingConnectsPerIP <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_CONNECTS_PER_SECOND_PER_IP is unset/0 (unlimited) while --mode=prod",
			"warning_code", "connect_limit_unlimited_in_prod",
			"max_signaling_connects_per_ip", cfg.MaxSignalingConnectsPerIP,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.IdleRoomGrace <= 0 {
		logger.Warn("startup security warning: IDLE_ROOM_GRACE is 0 while --mode=prod (a lone participant holds its room until disconnect)",
			"warning_code", "idle_room_reaper_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.ConsultationAPI.Enabled() && cfg.ConsultationAPI.Token != "" {
		if u, err := url.Parse(cfg.ConsultationAPI.BaseURL); err == nil && strings.EqualFold(u.Scheme, "http") && !isLoopbackHost(u.Hostname()) {
			logger.Warn("startup security warning: CONSULTATION_API_TOKEN is sent over plain http",
				"warning_code", "consultation_api_token_plaintext",
				"consultation_api_host", u.Host,
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.SendQueueBytes > 8<<20 { // 8MiB
		logger.Warn("startup security warning: SIGNALING_SEND_QUEUE_BYTES is very large (a slow reader can pin this much memory per connection)",
			"warning_code", "send_queue_bytes_large",
			"signaling_send_queue_bytes", cfg.SendQueueBytes,
			"mode", cfg.Mode,
		)
	}
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
