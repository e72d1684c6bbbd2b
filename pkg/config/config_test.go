// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stacklok/toolhive-core/env/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/keycloak-oidc/pkg/entitlement"
	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/lifecycle"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/tenant"
)

const sampleConfig = `
realms:
  - name: acme
    server_url: https://sso.example.com
    internal_server_url: http://keycloak:8080
    clients:
      - client_id: web
        client_secret: s3cret
      - client_id: api
        client_secret_env: API_CLIENT_SECRET
storage:
  type: sqlite
  sqlite_path: /var/lib/kcoidc/kcoidc.db
lifecycle:
  grant_timeout: 10s
  expiry_leeway: 5s
  principal_mode: remote
entitlement:
  method: legacy
  permission_mode: role
tenant:
  strategy: host
  hosts:
    acme.example.com: acme
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kcoidc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadWithEnv(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockEnv := mocks.NewMockReader(ctrl)
	mockEnv.EXPECT().Getenv("API_CLIENT_SECRET").Return("from-env")

	cfg, err := LoadWithEnv(writeConfig(t, sampleConfig), mockEnv)
	require.NoError(t, err)

	assert.Equal(t, []realm.Realm{{
		Name:              "acme",
		ServerURL:         "https://sso.example.com",
		InternalServerURL: "http://keycloak:8080",
	}}, cfg.RealmList())
	assert.Equal(t, []realm.Client{
		{Realm: "acme", ClientID: "web", ClientSecret: "s3cret"},
		{Realm: "acme", ClientID: "api", ClientSecret: "from-env"},
	}, cfg.Clients())

	client, ok := cfg.Client("acme", "api")
	assert.True(t, ok)
	assert.Equal(t, "from-env", client.ClientSecret)
	_, ok = cfg.Client("acme", "nope")
	assert.False(t, ok)

	assert.Equal(t, storage.TypeSQLite, cfg.Storage.Type)
	assert.Equal(t, "/var/lib/kcoidc/kcoidc.db", cfg.Storage.SQLitePath)
	assert.Equal(t, lifecycle.Config{
		GrantTimeout:  10 * time.Second,
		ExpiryLeeway:  5 * time.Second,
		PrincipalMode: lifecycle.PrincipalModeRemote,
	}, cfg.Lifecycle)
	assert.Equal(t, entitlement.Config{Method: entitlement.MethodLegacy, PermissionMode: entitlement.PermissionModeRole}, cfg.Entitlement)
	assert.Equal(t, tenant.StrategyHost, cfg.Tenant.Strategy)
	assert.Equal(t, map[string]string{"acme.example.com": "acme"}, cfg.Tenant.Hosts)
	assert.Equal(t, "kcoidc", cfg.Telemetry.ServiceName)
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
realms:
  - name: acme
    server_url: https://sso.example.com
    clients:
      - client_id: web
`))
	require.NoError(t, err)

	assert.Equal(t, storage.TypeMemory, cfg.Storage.Type)
	assert.Equal(t, lifecycle.DefaultConfig(), cfg.Lifecycle)
	assert.Equal(t, entitlement.DefaultConfig(), cfg.Entitlement)
	assert.Equal(t, tenant.StrategyHeader, cfg.Tenant.Strategy)
	assert.Equal(t, tenant.DefaultHeader, cfg.Tenant.Header)
}

//nolint:paralleltest // sets environment variables
func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("KCOIDC_LIFECYCLE_GRANT_TIMEOUT", "3s")
	t.Setenv("KCOIDC_STORAGE_TYPE", "redis")
	t.Setenv("KCOIDC_STORAGE_REDIS_ADDRS", "redis-1:6379,redis-2:6379")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Lifecycle.GrantTimeout)
	assert.Equal(t, storage.TypeRedis, cfg.Storage.Type)
	assert.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, cfg.Storage.Redis.Addrs)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "no realms", content: "storage:\n  type: memory\n"},
		{
			name: "bad server url",
			content: `
realms:
  - name: acme
    server_url: sso.example.com
`,
		},
		{
			name: "duplicate realm",
			content: `
realms:
  - name: acme
    server_url: https://a.example.com
  - name: acme
    server_url: https://b.example.com
`,
		},
		{
			name: "missing client id",
			content: `
realms:
  - name: acme
    server_url: https://sso.example.com
    clients:
      - client_secret: x
`,
		},
		{
			name: "unknown storage",
			content: `
realms:
  - name: acme
    server_url: https://sso.example.com
storage:
  type: etcd
`,
		},
		{
			name: "static tenant of an unknown realm",
			content: `
realms:
  - name: acme
    server_url: https://sso.example.com
tenant:
  strategy: static
  realm: globex
`,
		},
		{
			name: "negative leeway",
			content: `
realms:
  - name: acme
    server_url: https://sso.example.com
lifecycle:
  expiry_leeway: -1s
`,
		},
		{
			name: "unknown entitlement method",
			content: `
realms:
  - name: acme
    server_url: https://sso.example.com
entitlement:
  method: ticket
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.True(t, kcerrors.IsConfiguration(err), err.Error())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, kcerrors.IsConfiguration(err))
}
