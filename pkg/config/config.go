// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the kcoidc configuration from a YAML file with
// environment overrides under the KCOIDC_ prefix.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/keycloak-oidc/pkg/entitlement"
	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/lifecycle"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/telemetry"
	"github.com/stacklok/keycloak-oidc/pkg/tenant"
)

// EnvPrefix prefixes every environment override, e.g.
// KCOIDC_LIFECYCLE_GRANT_TIMEOUT=10s.
const EnvPrefix = "KCOIDC"

// ClientConfig is a client of a realm.
type ClientConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	// ClientSecretEnv names an environment variable holding the secret. It is
	// read when ClientSecret is empty.
	ClientSecretEnv string `mapstructure:"client_secret_env"`
}

// RealmConfig is a realm and its clients.
type RealmConfig struct {
	Name              string         `mapstructure:"name"`
	ServerURL         string         `mapstructure:"server_url"`
	InternalServerURL string         `mapstructure:"internal_server_url"`
	Clients           []ClientConfig `mapstructure:"clients"`
}

// Config is the whole configuration.
type Config struct {
	Realms      []RealmConfig      `mapstructure:"realms"`
	Storage     storage.Config     `mapstructure:"storage"`
	Lifecycle   lifecycle.Config   `mapstructure:"lifecycle"`
	Entitlement entitlement.Config `mapstructure:"entitlement"`
	Tenant      tenant.Config      `mapstructure:"tenant"`
	Telemetry   telemetry.Config   `mapstructure:"telemetry"`
}

// Default returns the configuration used for everything the file leaves out.
func Default() *Config {
	return &Config{
		Storage:     *storage.DefaultConfig(),
		Lifecycle:   lifecycle.DefaultConfig(),
		Entitlement: entitlement.DefaultConfig(),
		Tenant:      tenant.Config{Strategy: tenant.StrategyHeader, Header: tenant.DefaultHeader},
		Telemetry:   telemetry.DefaultConfig(),
	}
}

// Load reads path, applies KCOIDC_ environment overrides and validates the
// result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, &env.OSReader{})
}

// LoadWithEnv is Load with an injected environment reader for client secrets.
func LoadWithEnv(path string, envReader env.Reader) (*Config, error) {
	v := newViper()
	if path != "" {
		cleanPath, err := validateFilePath(path)
		if err != nil {
			return nil, kcerrors.NewConfigurationError("cannot read configuration file", err)
		}
		v.SetConfigFile(cleanPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, kcerrors.NewConfigurationError(fmt.Sprintf("cannot parse configuration file %s", cleanPath), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, kcerrors.NewConfigurationError("cannot decode configuration", err)
	}
	cfg.resolveSecrets(envReader)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// keyDelimiter replaces viper's "." so host names can be map keys.
const keyDelimiter = "::"

// newViper registers every scalar default so environment overrides are
// seen by Unmarshal.
func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	d := Default()
	setDefault := func(key string, value any) {
		v.SetDefault(strings.ReplaceAll(key, ".", keyDelimiter), value)
	}
	setDefault("storage.type", string(d.Storage.Type))
	setDefault("storage.sqlite_path", "")
	setDefault("storage.redis.addrs", []string{})
	setDefault("storage.redis.username", "")
	setDefault("storage.redis.password", "")
	setDefault("storage.redis.db", 0)
	setDefault("storage.redis.key_prefix", "kcoidc:")
	setDefault("lifecycle.grant_timeout", d.Lifecycle.GrantTimeout)
	setDefault("lifecycle.expiry_leeway", d.Lifecycle.ExpiryLeeway)
	setDefault("lifecycle.clock_skew", d.Lifecycle.ClockSkew)
	setDefault("lifecycle.principal_mode", string(d.Lifecycle.PrincipalMode))
	setDefault("entitlement.method", string(d.Entitlement.Method))
	setDefault("entitlement.permission_mode", string(d.Entitlement.PermissionMode))
	setDefault("tenant.strategy", string(d.Tenant.Strategy))
	setDefault("tenant.header", d.Tenant.Header)
	setDefault("tenant.realm", "")
	setDefault("tenant.path_prefix", "")
	setDefault("telemetry.service_name", d.Telemetry.ServiceName)
	setDefault("telemetry.service_version", d.Telemetry.ServiceVersion)
	setDefault("telemetry.endpoint", "")
	setDefault("telemetry.insecure", false)
	setDefault("telemetry.tracing_enabled", d.Telemetry.TracingEnabled)
	setDefault("telemetry.metrics_enabled", d.Telemetry.MetricsEnabled)
	setDefault("telemetry.sampling_rate", d.Telemetry.SamplingRate)
	setDefault("telemetry.enable_prometheus_metrics_path", false)
	setDefault("telemetry.include_runtime_metrics", false)
	return v
}

func (c *Config) resolveSecrets(envReader env.Reader) {
	for i := range c.Realms {
		for j := range c.Realms[i].Clients {
			client := &c.Realms[i].Clients[j]
			if client.ClientSecret == "" && client.ClientSecretEnv != "" {
				client.ClientSecret = envReader.Getenv(client.ClientSecretEnv)
			}
		}
	}
}

// RealmList returns the configured realms.
func (c *Config) RealmList() []realm.Realm {
	realms := make([]realm.Realm, 0, len(c.Realms))
	for _, r := range c.Realms {
		realms = append(realms, realm.Realm{
			Name:              r.Name,
			ServerURL:         r.ServerURL,
			InternalServerURL: r.InternalServerURL,
		})
	}
	return realms
}

// Clients returns every configured client.
func (c *Config) Clients() []realm.Client {
	var clients []realm.Client
	for _, r := range c.Realms {
		for _, cl := range r.Clients {
			clients = append(clients, realm.Client{
				Realm:        r.Name,
				ClientID:     cl.ClientID,
				ClientSecret: cl.ClientSecret,
			})
		}
	}
	return clients
}

// Client returns the client clientID of realmName.
func (c *Config) Client(realmName, clientID string) (realm.Client, bool) {
	for _, cl := range c.Clients() {
		if cl.Realm == realmName && cl.ClientID == clientID {
			return cl, true
		}
	}
	return realm.Client{}, false
}
