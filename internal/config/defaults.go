// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package config

import (
	"strings"
	"time"
)

const (
	defaultLogLevel              = "info"
	defaultRealm                 = "pion.ly"
	defaultListenAddress         = "0.0.0.0:3478"
	defaultRelayBindAddress      = "0.0.0.0"
	defaultChannelBindTimeout    = 10 * time.Minute
	defaultPermissionTimeout     = 5 * time.Minute
	defaultNonceLifetime         = time.Hour
	defaultMaxAllocationLifetime = time.Hour
	defaultSweepInterval         = 10 * time.Second
	defaultInboundMTU            = 1600
	defaultMetricsAddress        = "127.0.0.1:9641"
)

// envDefaults are the scalar keys that can be overridden from the environment.
func envDefaults() map[string]any {
	return map[string]any{
		"logging.level":                  defaultLogLevel,
		"realm":                          defaultRealm,
		"auth.shared_secret":             "",
		"auth.rest_usernames":            false,
		"server.channel_bind_timeout":    defaultChannelBindTimeout,
		"server.permission_timeout":      defaultPermissionTimeout,
		"server.nonce_lifetime":          defaultNonceLifetime,
		"server.min_allocation_lifetime": time.Duration(0),
		"server.max_allocation_lifetime": defaultMaxAllocationLifetime,
		"server.allocation_quota":        0,
		"server.sweep_interval":          defaultSweepInterval,
		"server.inbound_mtu":             defaultInboundMTU,
		"metrics.enabled":                false,
		"metrics.address":                defaultMetricsAddress,
	}
}

// ApplyDefaults fills every unset field of cfg.
func ApplyDefaults(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}

	if cfg.Realm == "" {
		cfg.Realm = defaultRealm
	}

	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []ListenerConfig{{Address: defaultListenAddress}}
	}
	for i := range cfg.Listeners {
		applyRelayDefaults(&cfg.Listeners[i].Relay)
	}

	applyServerDefaults(&cfg.Server)

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = defaultMetricsAddress
	}
}

func applyRelayDefaults(r *RelayConfig) {
	if r.Type == "" {
		if r.RelayAddress == "" {
			r.Type = RelayNone
		} else {
			r.Type = RelayStatic
		}
	}

	if r.Address == "" {
		r.Address = defaultRelayBindAddress
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.ChannelBindTimeout == 0 {
		s.ChannelBindTimeout = defaultChannelBindTimeout
	}
	if s.PermissionTimeout == 0 {
		s.PermissionTimeout = defaultPermissionTimeout
	}
	if s.NonceLifetime == 0 {
		s.NonceLifetime = defaultNonceLifetime
	}
	if s.MaxAllocationLifetime == 0 {
		s.MaxAllocationLifetime = defaultMaxAllocationLifetime
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = defaultSweepInterval
	}
	if s.InboundMTU == 0 {
		s.InboundMTU = defaultInboundMTU
	}
}
