// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/tenant"
)

const errFileNotFound = "file not found or not accessible: %w"

// validateFilePath cleans path and checks that it exists.
func validateFilePath(path string) (string, error) {
	cleanPath := filepath.Clean(path)

	if _, err := os.Stat(cleanPath); err != nil {
		return "", fmt.Errorf(errFileNotFound, err)
	}

	return cleanPath, nil
}

// Validate checks every section and returns a configuration error listing
// all problems found.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateRealms()...)
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := c.Lifecycle.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: %w", err))
	}
	if err := c.Entitlement.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("entitlement: %w", err))
	}
	if err := c.Tenant.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tenant: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	errs = append(errs, c.validateTenantRealms()...)

	if len(errs) > 0 {
		return kcerrors.NewConfigurationError("invalid configuration", errors.Join(errs...))
	}
	return nil
}

func (c *Config) validateRealms() []error {
	if len(c.Realms) == 0 {
		return []error{errors.New("at least one realm is required")}
	}

	var errs []error
	seen := make(map[string]bool, len(c.Realms))
	for i, r := range c.RealmList() {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("realms[%d]: %w", i, err))
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("realms[%d]: duplicate realm %s", i, r.Name))
		}
		seen[r.Name] = true

		clientIDs := make(map[string]bool)
		for j, cl := range c.Realms[i].Clients {
			switch {
			case cl.ClientID == "":
				errs = append(errs, fmt.Errorf("realms[%d].clients[%d]: client_id is required", i, j))
			case clientIDs[cl.ClientID]:
				errs = append(errs, fmt.Errorf("realms[%d].clients[%d]: duplicate client %s", i, j, cl.ClientID))
			}
			clientIDs[cl.ClientID] = true
		}
	}
	return errs
}

// validateTenantRealms checks that statically mapped realms are configured.
func (c *Config) validateTenantRealms() []error {
	known := make(map[string]bool, len(c.Realms))
	for _, r := range c.Realms {
		known[r.Name] = true
	}

	var errs []error
	switch c.Tenant.Strategy {
	case tenant.StrategyStatic:
		if c.Tenant.Realm != "" && !known[c.Tenant.Realm] {
			errs = append(errs, fmt.Errorf("tenant: static realm %s is not configured", c.Tenant.Realm))
		}
	case tenant.StrategyHost:
		for host, name := range c.Tenant.Hosts {
			if !known[name] {
				errs = append(errs, fmt.Errorf("tenant: host %s maps to unconfigured realm %s", host, name))
			}
		}
	}
	return errs
}
