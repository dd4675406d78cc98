// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate = validator.New() //nolint:gochecknoglobals

// Validate checks cfg against its struct tags and the rules that span
// several fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if len(cfg.Listeners) == 0 {
		return errors.New("listeners: at least one listener must be configured")
	}

	addresses := make(map[string]bool, len(cfg.Listeners))
	for i, l := range cfg.Listeners {
		if addresses[l.Address] {
			return fmt.Errorf("listeners[%d]: duplicate listener address %q", i, l.Address)
		}
		addresses[l.Address] = true

		if err := validateRelay(l.Relay); err != nil {
			return fmt.Errorf("listeners[%d].relay: %w", i, err)
		}
	}

	if cfg.Server.MinAllocationLifetime > cfg.Server.MaxAllocationLifetime {
		return fmt.Errorf("server: min_allocation_lifetime %s exceeds max_allocation_lifetime %s",
			cfg.Server.MinAllocationLifetime, cfg.Server.MaxAllocationLifetime)
	}

	if cfg.Auth.RESTUsernames && cfg.Auth.SharedSecret == "" {
		return errors.New("auth: rest_usernames requires shared_secret")
	}

	users := make(map[string]bool, len(cfg.Auth.Users))
	for i, u := range cfg.Auth.Users {
		if users[u.Username] {
			return fmt.Errorf("auth.users[%d]: duplicate username %q", i, u.Username)
		}
		users[u.Username] = true
	}

	return nil
}

func validateRelay(r RelayConfig) error {
	switch r.Type {
	case RelayStatic:
		if r.RelayAddress == "" {
			return errors.New("relay_address is required for a static relay")
		}
	case RelayPortRange:
		if r.RelayAddress == "" {
			return errors.New("relay_address is required for a port_range relay")
		}
		if r.MinPort == 0 || r.MaxPort == 0 {
			return errors.New("min_port and max_port are required for a port_range relay")
		}
		if r.MinPort > r.MaxPort {
			return fmt.Errorf("min_port %d is above max_port %d", r.MinPort, r.MaxPort)
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]

		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}

	return err
}
