// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authflow

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/lifecycle"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/telemetry"
	"github.com/stacklok/keycloak-oidc/pkg/testkit"
	"github.com/stacklok/keycloak-oidc/pkg/token"
)

const redirectURI = "https://app.example.com/callback"

type fixture struct {
	kc      *testkit.Keycloak
	store   *storage.MemoryStorage
	manager *lifecycle.Manager
	client  realm.Client
	flow    *Flow
}

func newFixture(t *testing.T, r realm.Realm) *fixture {
	t.Helper()

	kc, err := testkit.NewKeycloak()
	require.NoError(t, err)
	t.Cleanup(kc.Close)

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	if r.Name == "" {
		r = realm.Realm{Name: kc.Realm(), ServerURL: kc.URL()}
	}
	ctx := context.Background()
	cache := realm.NewCache(store, realm.WithHTTPClient(kc.Client()))
	require.NoError(t, cache.Register(r))
	require.NoError(t, cache.RefreshDiscovery(ctx, r.Name))
	require.NoError(t, cache.RefreshCerts(ctx, r.Name))

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

	flow, err := NewFlow(m, cache, store)
	require.NoError(t, err)

	return &fixture{
		kc:      kc,
		store:   store,
		manager: m,
		client:  realm.Client{Realm: r.Name, ClientID: kc.ClientID(), ClientSecret: kc.ClientSecret()},
		flow:    flow,
	}
}

// authorize follows the authorization URL like a browser would and returns
// the callback query.
func (f *fixture) authorize(t *testing.T, authURL, username string) url.Values {
	t.Helper()

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	q.Set("login_hint", username)
	u.RawQuery = q.Encode()

	c := *f.kc.Client()
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := c.Get(u.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return location.Query()
}

func TestNewFlow_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewFlow(nil, nil, nil)
	assert.True(t, kcerrors.IsConfiguration(err))
}

func TestFlow_LoginRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, realm.Realm{})
	ctx := context.Background()

	authURL, err := f.flow.Begin(ctx, f.client, redirectURI, "/orders/42")
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, f.client.ClientID, q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, redirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.NotEmpty(t, q.Get("state"))
	assert.Equal(t, q.Get("state"), q.Get("nonce"))

	callback := f.authorize(t, authURL, "carol")
	binding, next, err := f.flow.Complete(ctx, f.client, callback.Get("state"), callback.Get("code"))
	require.NoError(t, err)
	assert.Equal(t, "/orders/42", next)
	assert.Equal(t, "sub-carol", binding.Subject)

	accessToken, err := f.manager.ActiveAccessToken(ctx, f.client, binding.Key())
	require.NoError(t, err)
	assert.NotEmpty(t, accessToken)

	// states are single use
	_, _, err = f.flow.Complete(ctx, f.client, callback.Get("state"), callback.Get("code"))
	assert.True(t, kcerrors.IsClaimsInvalid(err))

	require.NoError(t, f.flow.Logout(ctx, f.client, binding.Key()))
	_, err = f.manager.ActiveAccessToken(ctx, f.client, binding.Key())
	assert.True(t, kcerrors.IsTokensExpired(err))
}

func TestFlow_BeginRewritesInternalURLs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, realm.Realm{})
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	public := realm.Realm{Name: f.kc.Realm(), ServerURL: "https://sso.example.com", InternalServerURL: f.kc.URL()}
	cache := realm.NewCache(store, realm.WithHTTPClient(f.kc.Client()))
	require.NoError(t, cache.Register(public))
	flow, err := NewFlow(f.manager, cache, store)
	require.NoError(t, err)

	want := "https://sso.example.com/realms/" + f.kc.Realm() + "/protocol/openid-connect/auth?"
	client := realm.Client{Realm: public.Name, ClientID: f.kc.ClientID()}

	// without discovery the realm base URL is used
	authURL, err := flow.Begin(context.Background(), client, redirectURI, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(authURL, want), authURL)

	require.NoError(t, cache.RefreshDiscovery(context.Background(), public.Name))
	authURL, err = flow.Begin(context.Background(), client, redirectURI, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(authURL, want), authURL)
	assert.NotContains(t, authURL, f.kc.URL())
}

func TestFlow_CompleteRejects(t *testing.T) {
	t.Parallel()

	f := newFixture(t, realm.Realm{})
	ctx := context.Background()

	t.Run("unknown state", func(t *testing.T) {
		t.Parallel()
		_, _, err := f.flow.Complete(ctx, f.client, "nope", "code")
		assert.True(t, kcerrors.IsClaimsInvalid(err))
	})

	t.Run("missing code", func(t *testing.T) {
		t.Parallel()
		_, _, err := f.flow.Complete(ctx, f.client, "state", "")
		assert.True(t, kcerrors.IsClaimsInvalid(err))
	})

	t.Run("state of another client", func(t *testing.T) {
		t.Parallel()
		authURL, err := f.flow.Begin(ctx, f.client, redirectURI, "/")
		require.NoError(t, err)
		callback := f.authorize(t, authURL, "dave")
		other := f.client
		other.ClientID = "other"
		_, _, err = f.flow.Complete(ctx, other, callback.Get("state"), callback.Get("code"))
		assert.True(t, kcerrors.IsClaimsInvalid(err))
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		t.Parallel()
		authURL, err := f.flow.Begin(ctx, f.client, redirectURI, "/")
		require.NoError(t, err)
		u, err := url.Parse(authURL)
		require.NoError(t, err)
		code := f.kc.IssueCode("erin", "someone-elses-nonce", redirectURI)
		_, _, err = f.flow.Complete(ctx, f.client, u.Query().Get("state"), code)
		assert.True(t, kcerrors.IsClaimsInvalid(err))

		// a rejected login leaves no session behind
		_, err = f.store.GetBinding(ctx, f.client.Realm, "sub-erin")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = f.store.GetTokens(ctx, storage.BindingKey(f.client.Realm, "sub-erin"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("missing nonce", func(t *testing.T) {
		t.Parallel()
		authURL, err := f.flow.Begin(ctx, f.client, redirectURI, "/")
		require.NoError(t, err)
		u, err := url.Parse(authURL)
		require.NoError(t, err)
		code := f.kc.IssueCode("frank", "", redirectURI)
		_, _, err = f.flow.Complete(ctx, f.client, u.Query().Get("state"), code)
		assert.True(t, kcerrors.IsClaimsInvalid(err))

		_, err = f.store.GetBinding(ctx, f.client.Realm, "sub-frank")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestSafeNextPath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                     "/",
		"/orders":              "/orders",
		"//evil.example.com":   "/",
		"https://evil.example": "/",
		`/\evil.example.com`:   "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, safeNextPath(in), in)
	}
}
