package main

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/policy"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config, destPolicy *policy.DestinationPolicy) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none trusts client-supplied user ids",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
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

	if destPolicy != nil {
		// Warn on dev preset regardless of --mode since it is broadly permissive.
		if strings.EqualFold(destPolicy.Preset, "dev") {
			logger.Warn("startup security warning: destination policy preset is dev (relay_send_udp may target private networks)",
				"warning_code", "destination_policy_preset_dev",
				"destination_policy_preset", destPolicy.Preset,
				"allow_private_networks", destPolicy.AllowPrivateNetworks,
				"default_allow", destPolicy.DefaultAllow,
				"mode", cfg.Mode,
			)
		} else if cfg.Mode == config.ModeProd && destPolicy.DefaultAllow && len(destPolicy.AllowPrefixes) == 0 {
			logger.Warn("startup security warning: destination policy allows any public UDP destination while --mode=prod",
				"warning_code", "destination_policy_default_allow_in_prod",
				"destination_policy_preset", destPolicy.Preset,
				"default_allow", destPolicy.DefaultAllow,
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.Mode == config.ModeProd && cfg.MaxUDPPpsPerPeer <= 0 {
		logger.Warn("startup security warning: MAX_UDP_PPS_PER_PEER is unset/0 (unlimited) while --mode=prod",
			"warning_code", "udp_pps_unlimited_in_prod",
			"max_udp_pps_per_peer", cfg.MaxUDPPpsPerPeer,
			"mode", cfg.Mode,
		)
	}

	// Clients send to RELAY_PUBLIC_HOST; a loopback name only works on the
	// relay host itself.
	if cfg.Mode == config.ModeProd && isLoopbackHost(cfg.RelayPublicHost) {
		logger.Warn("startup security warning: RELAY_PUBLIC_HOST is a loopback address while --mode=prod (remote clients cannot reach room ports)",
			"warning_code", "relay_public_host_loopback",
			"relay_public_host", cfg.RelayPublicHost,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_max_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	return false
}
