// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package entitlement

import "fmt"

// Method selects how an RPT is obtained.
type Method string

const (
	// MethodUMATicket uses the UMA 2.0 uma-ticket grant.
	MethodUMATicket Method = "uma-ticket"
	// MethodLegacy uses the pre-UMA 2.0 entitlement endpoint.
	MethodLegacy Method = "legacy"
)

// Config selects the entitlement method and the permission mode.
type Config struct {
	Method         Method         `mapstructure:"method"`
	PermissionMode PermissionMode `mapstructure:"permission_mode"`
}

// DefaultConfig returns the uma-ticket method with resource permissions.
func DefaultConfig() Config {
	return Config{
		Method:         MethodUMATicket,
		PermissionMode: PermissionModeResource,
	}
}

// Validate checks the method and the permission mode. Empty values take the
// defaults.
func (c Config) Validate() error {
	switch c.Method {
	case "", MethodUMATicket, MethodLegacy:
	default:
		return fmt.Errorf("unsupported entitlement method %q", c.Method)
	}
	switch c.PermissionMode {
	case "", PermissionModeRole, PermissionModeResource:
	default:
		return fmt.Errorf("unsupported permission mode %q", c.PermissionMode)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Method == "" {
		c.Method = def.Method
	}
	if c.PermissionMode == "" {
		c.PermissionMode = def.PermissionMode
	}
	return c
}
