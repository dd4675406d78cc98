// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package config loads the configuration of the turnserver daemon from a YAML
// file and TURNRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override, for example
// TURNRELAY_REALM or TURNRELAY_SERVER_MAX_ALLOCATION_LIFETIME.
const EnvPrefix = "TURNRELAY"

// Relay generator kinds.
const (
	RelayNone      = "none"
	RelayStatic    = "static"
	RelayPortRange = "port_range"
)

// Config is the daemon configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`

	// Realm is announced in every 401 challenge.
	Realm string `mapstructure:"realm" validate:"required"`

	Auth AuthConfig `mapstructure:"auth"`

	Listeners []ListenerConfig `mapstructure:"listeners" validate:"dive"`

	Server ServerConfig `mapstructure:"server"`

	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig selects the level of the pion/logging default factory.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=disabled error warn info debug trace"`
}

// AuthConfig lists the credentials accepted by the server. Static users and a
// shared secret may be combined, in which case static users are tried first.
type AuthConfig struct {
	Users []UserConfig `mapstructure:"users" validate:"dive"`

	// SharedSecret enables time-windowed credentials derived with HMAC-SHA1.
	SharedSecret string `mapstructure:"shared_secret"`

	// RESTUsernames expects "timestamp:userid" usernames with SharedSecret.
	RESTUsernames bool `mapstructure:"rest_usernames"`
}

// UserConfig is a static long-term credential.
type UserConfig struct {
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
}

// ListenerConfig is one UDP socket clients talk to plus the way relay
// addresses are allocated for it.
type ListenerConfig struct {
	Address string      `mapstructure:"address" validate:"required,hostname_port"`
	Relay   RelayConfig `mapstructure:"relay"`
}

// RelayConfig configures the relay address generator of a listener.
type RelayConfig struct {
	Type string `mapstructure:"type" validate:"required,oneof=none static port_range"`

	// RelayAddress is the IP advertised in XOR-RELAYED-ADDRESS.
	RelayAddress string `mapstructure:"relay_address" validate:"omitempty,ip"`

	// Address is the local IP relay sockets are bound to.
	Address string `mapstructure:"address" validate:"required,ip"`

	MinPort uint16 `mapstructure:"min_port"`
	MaxPort uint16 `mapstructure:"max_port"`
}

// ServerConfig holds the timeouts and limits of the relay.
type ServerConfig struct {
	ChannelBindTimeout    time.Duration `mapstructure:"channel_bind_timeout" validate:"gte=0"`
	PermissionTimeout     time.Duration `mapstructure:"permission_timeout" validate:"gte=0"`
	NonceLifetime         time.Duration `mapstructure:"nonce_lifetime" validate:"gte=0"`
	MinAllocationLifetime time.Duration `mapstructure:"min_allocation_lifetime" validate:"gte=0"`
	MaxAllocationLifetime time.Duration `mapstructure:"max_allocation_lifetime" validate:"gte=0"`
	AllocationQuota       int           `mapstructure:"allocation_quota" validate:"gte=0"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
	InboundMTU            int           `mapstructure:"inbound_mtu" validate:"gte=0"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address" validate:"omitempty,hostname_port"`
}

// Load reads configPath, applies environment overrides and defaults, and
// validates the result. A missing file is not an error: the configuration
// then comes from the environment and defaults alone.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	for key, value := range envDefaults() {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("turnserver")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}
