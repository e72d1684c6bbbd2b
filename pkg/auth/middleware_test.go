// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fixture struct {
	kc      *testkit.Keycloak
	manager *lifecycle.Manager
	store   *storage.MemoryStorage
	client  realm.Client
	token   string
}

func newFixture(t *testing.T, opts ...testkit.KeycloakOption) *fixture {
	t.Helper()

	kc, err := testkit.NewKeycloak(opts...)
	require.NoError(t, err)
	t.Cleanup(kc.Close)

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	cache := realm.NewCache(store, realm.WithHTTPClient(kc.Client()))
	require.NoError(t, cache.Register(realm.Realm{Name: kc.Realm(), ServerURL: kc.URL()}))
	require.NoError(t, cache.RefreshDiscovery(ctx, kc.Realm()))
	require.NoError(t, cache.RefreshCerts(ctx, kc.Realm()))

	m, err := lifecycle.NewManager(lifecycle.DefaultConfig(), lifecycle.Dependencies{
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
	binding, _, err := m.AcquireFromPassword(ctx, client, "alice", "pw")
	require.NoError(t, err)
	accessToken, err := m.ActiveAccessToken(ctx, client, binding.Key())
	require.NoError(t, err)

	return &fixture{kc: kc, manager: m, store: store, client: client, token: accessToken}
}

func (f *fixture) authenticator(t *testing.T, opts ...Option) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(f.manager, tenant.Static(f.client.Realm), Clients(f.client), opts...)
	require.NoError(t, err)
	return a
}

func serve(h http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewAuthenticator_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewAuthenticator(nil, tenant.Static("r"), Clients())
	assert.True(t, kcerrors.IsConfiguration(err))
}

func TestAuthenticator_Middleware(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.authenticator(t)

	var identity *Identity
	var client realm.Client
	var realmName string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = IdentityFromContext(r.Context())
		client, _ = ClientFromContext(r.Context())
		realmName, _ = tenant.RealmFromContext(r.Context())
		claims, ok := ClaimsFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "sub-alice", claims["sub"])
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := serve(h, "Bearer "+f.token)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, identity)
	assert.Equal(t, "sub-alice", identity.Subject)
	assert.Equal(t, f.token, identity.Token)
	assert.Equal(t, f.client, client)
	assert.Equal(t, f.client.Realm, realmName)
}

func TestAuthenticator_Challenges(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := f.authenticator(t).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	expired, err := f.kc.Sign(map[string]any{
		"iss": f.kc.Issuer(),
		"sub": "sub-alice",
		"azp": f.client.ClientID,
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	require.NoError(t, err)

	tests := []struct {
		name          string
		authorization string
		description   string
	}{
		{name: "missing header", description: DescriptionUnverifiable},
		{name: "not a bearer token", authorization: "Basic YWxpY2U6cHc=", description: DescriptionUnverifiable},
		{name: "garbage token", authorization: "Bearer not-a-jwt", description: DescriptionUnverifiable},
		{name: "expired token", authorization: "Bearer " + expired, description: DescriptionExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(h, tt.authorization)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t,
				`Bearer realm="`+f.client.Realm+`", error="invalid_token", error_description="`+tt.description+`"`,
				rec.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestAuthenticator_AudienceCheck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := f.authenticator(t, WithAudienceCheck()).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.Equal(t, http.StatusNoContent, serve(h, "Bearer "+f.token).Code)

	foreign, err := f.kc.Sign(map[string]any{
		"iss": f.kc.Issuer(),
		"sub": "sub-alice",
		"aud": "account",
		"azp": "another-client",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	rec := serve(h, "Bearer "+foreign)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), DescriptionUnverifiable)
}

func TestAuthenticator_UnknownRealm(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a, err := NewAuthenticator(f.manager, tenant.Header("X-Tenant"), Clients(f.client))
	require.NoError(t, err)
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.Equal(t, http.StatusNotFound, serve(h, "Bearer "+f.token).Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant", "unknown")
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant", f.client.Realm)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequirePermission(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testkit.WithClientRoles("editor"))
	a := f.authenticator(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	allowed := a.Middleware(RequirePermission(entitlement.PermissionModeRole, "editor")(ok))
	assert.Equal(t, http.StatusNoContent, serve(allowed, "Bearer "+f.token).Code)

	denied := a.Middleware(RequirePermission(entitlement.PermissionModeRole, "editor", "admin")(ok))
	assert.Equal(t, http.StatusForbidden, serve(denied, "Bearer "+f.token).Code)

	unauthenticated := RequirePermission(entitlement.PermissionModeRole, "editor")(ok)
	assert.Equal(t, http.StatusUnauthorized, serve(unauthenticated, "").Code)
}

type stubChecker struct {
	allowed map[string]bool
	err     error
}

func (s stubChecker) HasPermission(_ context.Context, _ realm.Client, _ storage.OwnerKey, perm string) (bool, error) {
	return s.allowed[perm], s.err
}

func TestRequireEntitlement(t *testing.T) {
	t.Parallel()

	client := realm.Client{Realm: "acme", ClientID: "web"}
	session := func(r *http.Request) (realm.Client, storage.OwnerKey, bool) {
		if r.Header.Get("Cookie") == "" {
			return realm.Client{}, "", false
		}
		return client, storage.BindingKey("acme", "sub-alice"), true
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		checker    stubChecker
		cookie     bool
		wantStatus int
	}{
		{name: "allowed", checker: stubChecker{allowed: map[string]bool{"Read_Doc": true}}, cookie: true, wantStatus: http.StatusNoContent},
		{name: "forbidden", checker: stubChecker{}, cookie: true, wantStatus: http.StatusForbidden},
		{name: "no session", checker: stubChecker{}, wantStatus: http.StatusUnauthorized},
		{
			name:       "expired session",
			checker:    stubChecker{err: kcerrors.NewTokensExpiredError("tokens expired", nil)},
			cookie:     true,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "provider down",
			checker:    stubChecker{err: kcerrors.NewGrantFailedError("uma", &kcerrors.GrantError{StatusCode: 503, Retryable: true})},
			cookie:     true,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := RequireEntitlement(tt.checker, session, "Read_Doc")(ok)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.cookie {
				req.Header.Set("Cookie", "session=1")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestWriteError_ExpiredSession(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteError(rec, `we"ird`, kcerrors.NewTokensExpiredError("tokens expired", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t,
		`Bearer realm="we\"ird", error="invalid_token", error_description="token expired"`,
		rec.Header().Get("WWW-Authenticate"))
}

func TestStatusCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusOK, StatusCode(nil))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(kcerrors.NewSignatureInvalidError("bad", nil)))
	assert.Equal(t, http.StatusBadGateway, StatusCode(kcerrors.NewGrantFailedError("denied", &kcerrors.GrantError{StatusCode: 403})))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(kcerrors.NewConfigurationError("oops", nil)))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("boom")))
}

func TestIdentity_Redaction(t *testing.T) {
	t.Parallel()

	identity, err := claimsToIdentity("acme", map[string]any{
		"sub":                "sub-alice",
		"email":              "alice@example.com",
		"preferred_username": "alice",
	}, "secret-token")
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.PreferredUsername)
	assert.NotContains(t, identity.String(), "secret-token")

	raw, err := json.Marshal(identity)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-token")
	assert.Contains(t, string(raw), `"token":"REDACTED"`)

	_, err = claimsToIdentity("acme", map[string]any{"email": "x"}, "")
	assert.Error(t, err)
}

func TestAuthenticator_IDTokenBinding(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.authenticator(t, WithIDTokenBinding(f.manager))
	idToken := func(aud string) string {
		s, err := f.kc.Sign(map[string]any{
			"iss":                f.kc.Issuer(),
			"sub":                "sub-gina",
			"aud":                aud,
			"typ":                "ID",
			"preferred_username": "gina",
			"exp":                time.Now().Add(time.Hour).Unix(),
		})
		require.NoError(t, err)
		return s
	}

	var binding *storage.IdentityBinding
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		binding, _ = BindingFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := serve(h, "Bearer "+idToken(f.client.ClientID))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, binding)
	assert.Equal(t, "sub-gina", binding.Subject)

	stored, err := f.store.GetBinding(context.Background(), f.client.Realm, "sub-gina")
	require.NoError(t, err)
	local, ok := stored.Principal.(*storage.LocalPrincipal)
	require.True(t, ok)
	assert.Equal(t, "gina", local.Username)

	rec = serve(h, "Bearer "+idToken("another-client"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}
