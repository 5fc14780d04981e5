package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/turnrest"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if origin.NewPolicy(cfg.AllowedOrigins).AllowsAny() {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.Captcha.Enabled() {
		logger.Warn("startup security warning: HCAPTCHA_SECRET_KEY is unset while --mode=prod (room creation is not CAPTCHA-gated)",
			"warning_code", "captcha_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RoomsPerMinute <= 0 {
		logger.Warn("startup security warning: RATE_LIMIT_ROOMS_PER_MINUTE is unset/0 (unlimited) while --mode=prod",
			"warning_code", "room_rate_limit_disabled_in_prod",
			"rate_limit_rooms_per_minute", cfg.RoomsPerMinute,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.SignalingAllowNonMemberRelay {
		logger.Warn("startup security warning: SIGNALING_ALLOW_NON_MEMBER_RELAY=true while --mode=prod (any connection may inject offers/answers/candidates into rooms it has not joined)",
			"warning_code", "non_member_relay_enabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	// Misconfiguration rather than a security issue, but operators read these
	// together at startup.
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz and /api/turn-config will report 503",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	} else if !hasTURNServer(cfg) {
		logger.Warn("startup warning: no TURN server configured (peers behind symmetric NAT will fail to connect)",
			"warning_code", "turn_not_configured",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, s := range cfg.ICEServers {
		if turnrest.HasTURNURL(s) {
			return true
		}
	}
	return false
}
