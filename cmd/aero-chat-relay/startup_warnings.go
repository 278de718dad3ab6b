package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
)

// Inbound messages above this size make per-connection buffering expensive.
const largeMessageBytes = 1 << 20

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none trusts the token as the user identity",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}
	if containsString(cfg.AllowedOrigins, "null") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains 'null' (allows sandboxed and file:// pages)",
			"warning_code", "allowed_origins_null",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}
	if cfg.Mode == config.ModeProd && cfg.ConnectRatePerIP <= 0 {
		logger.Warn("startup security warning: CONNECT_RATE_PER_IP is 0 (per-IP admission limiting disabled) while --mode=prod",
			"warning_code", "connect_rate_unlimited_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > largeMessageBytes {
		logger.Warn("startup security warning: MAX_MESSAGE_BYTES is very large (increases per-connection memory exposure)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Store == config.StoreNone {
		logger.Warn("STORE=none: chat messages are relayed but not persisted",
			"warning_code", "store_none",
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ICE server configuration is invalid; /readyz will report not ready",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
