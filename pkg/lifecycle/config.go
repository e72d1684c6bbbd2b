// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"fmt"
	"time"
)

// DefaultGrantTimeout bounds every call to the provider.
const DefaultGrantTimeout = 30 * time.Second

// PrincipalMode selects the principal variant resolved at grant time.
type PrincipalMode string

const (
	// PrincipalModeLocal copies profile claims into a storage.LocalPrincipal.
	PrincipalModeLocal PrincipalMode = "local"
	// PrincipalModeRemote keeps the claims in a storage.RemoteClaimsPrincipal.
	PrincipalModeRemote PrincipalMode = "remote"
)

// Config holds the tunables of a Manager.
type Config struct {
	// GrantTimeout bounds every call to the provider.
	GrantTimeout time.Duration `mapstructure:"grant_timeout"`

	// ExpiryLeeway treats access tokens as expired this much earlier.
	ExpiryLeeway time.Duration `mapstructure:"expiry_leeway"`

	// ClockSkew is the leeway allowed when verifying exp and nbf.
	ClockSkew time.Duration `mapstructure:"clock_skew"`

	// PrincipalMode selects the principal variant. Empty means local.
	PrincipalMode PrincipalMode `mapstructure:"principal_mode"`
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		GrantTimeout:  DefaultGrantTimeout,
		PrincipalMode: PrincipalModeLocal,
	}
}

// Validate checks the durations and the principal mode.
func (c Config) Validate() error {
	if c.GrantTimeout <= 0 {
		return fmt.Errorf("grant timeout must be positive, got %s", c.GrantTimeout)
	}
	if c.ExpiryLeeway < 0 {
		return fmt.Errorf("expiry leeway cannot be negative, got %s", c.ExpiryLeeway)
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("clock skew cannot be negative, got %s", c.ClockSkew)
	}
	switch c.PrincipalMode {
	case "", PrincipalModeLocal, PrincipalModeRemote:
		return nil
	default:
		return fmt.Errorf("unknown principal mode %q", c.PrincipalMode)
	}
}
