// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/keycloak-oidc/pkg/auth"
	"github.com/stacklok/keycloak-oidc/pkg/config"
	"github.com/stacklok/keycloak-oidc/pkg/entitlement"
	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/lifecycle"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/telemetry"
	"github.com/stacklok/keycloak-oidc/pkg/tenant"
	"github.com/stacklok/keycloak-oidc/pkg/testkit"
	"github.com/stacklok/keycloak-oidc/pkg/token"
)

func failingFirst(n int32, pathSuffix string, calls *atomic.Int32) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, pathSuffix) {
				if calls.Add(1) <= n {
					http.Error(w, "unavailable", http.StatusServiceUnavailable)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func TestRefreshRealm(t *testing.T) {
	t.Parallel()

	var discoveryCalls, umaCalls atomic.Int32
	kc, err := testkit.NewKeycloak(testkit.WithMiddlewares(
		failingFirst(2, "/openid-configuration", &discoveryCalls),
		failingFirst(100, "/uma2-configuration", &umaCalls),
	))
	require.NoError(t, err)
	t.Cleanup(kc.Close)

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	cache := realm.NewCache(store, realm.WithHTTPClient(kc.Client()))
	require.NoError(t, cache.Register(realm.Realm{Name: kc.Realm(), ServerURL: kc.URL()}))

	noWait := backoff.WithBackOff(&backoff.ZeroBackOff{})
	err = refreshRealm(context.Background(), cache, telemetry.NoopMetrics(), kc.Realm(), 3, noWait)
	require.NoError(t, err)

	assert.Equal(t, int32(3), discoveryCalls.Load())
	assert.Equal(t, int32(4), umaCalls.Load(), "optional documents are retried too")

	_, err = cache.Discovery(kc.Realm())
	assert.NoError(t, err)
	_, err = cache.Certs(kc.Realm())
	assert.NoError(t, err)

	meta, err := store.GetRealmMetadata(context.Background(), kc.Realm())
	require.NoError(t, err)
	assert.NotEmpty(t, meta.Discovery)
	assert.NotEmpty(t, meta.Certs)
}

func TestRefreshRealm_Failures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	kc, err := testkit.NewKeycloak(testkit.WithMiddlewares(failingFirst(100, "/openid-configuration", &calls)))
	require.NoError(t, err)
	t.Cleanup(kc.Close)

	cache := realm.NewCache(nil, realm.WithHTTPClient(kc.Client()))
	require.NoError(t, cache.Register(realm.Realm{Name: kc.Realm(), ServerURL: kc.URL()}))
	noWait := backoff.WithBackOff(&backoff.ZeroBackOff{})

	err = refreshRealm(context.Background(), cache, telemetry.NoopMetrics(), kc.Realm(), 2, noWait)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovery")
	assert.Equal(t, int32(3), calls.Load())

	// configuration errors are not retried
	err = refreshRealm(context.Background(), cache, telemetry.NoopMetrics(), "unknown", 5, noWait)
	assert.True(t, kcerrors.IsConfiguration(err))
}

func TestRouter(t *testing.T) {
	t.Parallel()

	kc, err := testkit.NewKeycloak(testkit.WithClientRoles("viewer"))
	require.NoError(t, err)
	t.Cleanup(kc.Close)

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	cache := realm.NewCache(store, realm.WithHTTPClient(kc.Client()))
	require.NoError(t, cache.Register(realm.Realm{Name: kc.Realm(), ServerURL: kc.URL()}))
	require.NoError(t, refreshRealm(ctx, cache, telemetry.NoopMetrics(), kc.Realm(), 0))

	manager, err := lifecycle.NewManager(lifecycle.DefaultConfig(), lifecycle.Dependencies{
		Cache:     cache,
		Verifier:  token.NewVerifier(),
		Acquirers: lifecycle.HTTPAcquirers(cache.HTTPClient()),
		Storage:   store,
		Locker:    storage.NewKeyedLocker(),
		Metrics:   telemetry.NoopMetrics(),
		Clock:     time.Now,
	})
	require.NoError(t, err)

	client := realm.Client{Realm: kc.Realm(), ClientID: kc.ClientID(), ClientSecret: kc.ClientSecret()}
	binding, _, err := manager.AcquireFromPassword(ctx, client, "alice", "pw")
	require.NoError(t, err)
	accessToken, err := manager.ActiveAccessToken(ctx, client, binding.Key())
	require.NoError(t, err)

	cfg := &config.Config{
		Realms: []config.RealmConfig{{
			Name:      kc.Realm(),
			ServerURL: kc.URL(),
			Clients:   []config.ClientConfig{{ClientID: client.ClientID, ClientSecret: client.ClientSecret}},
		}},
		Entitlement: entitlement.Config{PermissionMode: entitlement.PermissionModeRole},
		Tenant:      tenant.Config{Strategy: tenant.StrategyPathPrefix, PathPrefix: "/realms"},
	}
	tenants, err := tenant.New(cfg.Tenant)
	require.NoError(t, err)
	authenticator, err := auth.NewAuthenticator(manager, tenants, auth.Clients(cfg.Clients()...))
	require.NoError(t, err)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	srv := httptest.NewServer(newRouter(cfg, store, metrics, tenants, authenticator))
	t.Cleanup(srv.Close)

	get := func(path, bearer string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusNoContent, get("/healthz", "").StatusCode)
	assert.Equal(t, http.StatusOK, get("/metrics", "").StatusCode)

	resp := get("/realms/"+kc.Realm()+"/whoami", accessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var identity map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&identity))
	assert.Equal(t, "sub-alice", identity["subject"])
	assert.Equal(t, "REDACTED", identity["token"])

	resp = get("/realms/"+kc.Realm()+"/permissions", accessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var perms struct {
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&perms))
	assert.Equal(t, []string{"viewer"}, perms.Permissions)

	resp = get("/realms/"+kc.Realm()+"/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="invalid_token"`)

	assert.Equal(t, http.StatusNotFound, get("/realms/other/whoami", accessToken).StatusCode)
}
