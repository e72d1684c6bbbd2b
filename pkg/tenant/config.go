// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tenant

import "fmt"

// Strategy names a Resolver.
type Strategy string

// Strategies.
const (
	StrategyStatic     Strategy = "static"
	StrategyHeader     Strategy = "header"
	StrategyHost       Strategy = "host"
	StrategyPathPrefix Strategy = "path_prefix"
)

// Config selects and parameterizes a Resolver.
type Config struct {
	Strategy Strategy `mapstructure:"strategy"`

	// Realm is the realm of the static strategy.
	Realm string `mapstructure:"realm"`

	// Header is the header of the header strategy. Defaults to DefaultHeader.
	Header string `mapstructure:"header"`

	// PathPrefix is the prefix of the path prefix strategy.
	PathPrefix string `mapstructure:"path_prefix"`

	// Hosts maps host names to realms for the host strategy.
	Hosts map[string]string `mapstructure:"hosts"`
}

// Validate checks that the selected strategy has what it needs.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyStatic:
		if c.Realm == "" {
			return fmt.Errorf("static tenant strategy requires a realm")
		}
	case StrategyHeader:
	case StrategyHost:
		if len(c.Hosts) == 0 {
			return fmt.Errorf("host tenant strategy requires at least one host")
		}
	case StrategyPathPrefix:
		if c.PathPrefix == "" {
			return fmt.Errorf("path prefix tenant strategy requires a prefix")
		}
	default:
		return fmt.Errorf("unknown tenant strategy %q", c.Strategy)
	}
	return nil
}

// New builds the Resolver selected by cfg.
func New(cfg Config) (Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Strategy {
	case StrategyStatic:
		return Static(cfg.Realm), nil
	case StrategyHeader:
		header := cfg.Header
		if header == "" {
			header = DefaultHeader
		}
		return Header(header), nil
	case StrategyHost:
		return Host(cfg.Hosts), nil
	default:
		return PathPrefix(cfg.PathPrefix), nil
	}
}
