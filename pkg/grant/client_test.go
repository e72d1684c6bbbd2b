// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/testkit"
)

func newKeycloak(t *testing.T, opts ...testkit.KeycloakOption) *testkit.Keycloak {
	t.Helper()
	kc, err := testkit.NewKeycloak(opts...)
	require.NoError(t, err)
	t.Cleanup(kc.Close)
	return kc
}

func newClient(t *testing.T, kc *testkit.Keycloak, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		TokenURL:     kc.Issuer() + "/protocol/openid-connect/token",
		ClientID:     kc.ClientID(),
		ClientSecret: kc.ClientSecret(),
	}, append([]Option{WithHTTPClient(kc.Client())}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientConfig{ClientID: "web"})
	assert.True(t, kcerrors.IsConfiguration(err))

	_, err = NewClient(ClientConfig{TokenURL: "https://sso.example.com/token"})
	assert.True(t, kcerrors.IsConfiguration(err))

	cfg := ClientConfig{TokenURL: "https://sso.example.com/token", ClientID: "web", ClientSecret: "s3cret"}
	assert.NotContains(t, cfg.String(), "s3cret")
}

func TestClient_Password(t *testing.T) {
	t.Parallel()

	kc := newKeycloak(t, testkit.WithTokenLifetimes(10*time.Minute, time.Hour))
	initiate := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := newClient(t, kc, WithClock(func() time.Time { return initiate }))

	resp, got, err := c.Password(context.Background(), "alice", "pw", "openid", "email")
	require.NoError(t, err)
	assert.Equal(t, initiate, got)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.EqualValues(t, 600, resp.ExpiresIn)
	assert.EqualValues(t, 3600, resp.RefreshExpiresIn)
	assert.Equal(t, "openid email", kc.LastForm(testkit.GrantPassword).Get("scope"))

	ts := resp.TokenSet(got)
	assert.Equal(t, initiate.Add(10*time.Minute), ts.ExpiresBefore)
	assert.Equal(t, initiate.Add(time.Hour), ts.RefreshExpiresBefore)
}

func TestClient_Grants(t *testing.T) {
	t.Parallel()

	kc := newKeycloak(t, testkit.WithClient("my:client", "s&cret"))
	c := newClient(t, kc)
	ctx := context.Background()

	code := kc.IssueCode("bob", "n-1", "https://app.example.com/cb")
	resp, _, err := c.AuthorizationCode(ctx, code, "https://app.example.com/cb")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.IDToken)

	sa, _, err := c.ClientCredentials(ctx, "uma_protection")
	require.NoError(t, err)
	assert.Equal(t, "uma_protection", kc.LastForm(testkit.GrantClientCredentials).Get("scope"))

	refreshed, _, err := c.Refresh(ctx, sa.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, sa.RefreshToken, refreshed.RefreshToken)

	exchanged, _, err := c.TokenExchange(ctx, ExchangeRequest{
		SubjectToken:       resp.AccessToken,
		Audience:           "billing",
		RequestedTokenType: TokenTypeRefreshToken,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, exchanged.RefreshToken)
	form := kc.LastForm(testkit.GrantTokenExchange)
	assert.Equal(t, TokenTypeAccessToken, form.Get("subject_token_type"))
	assert.Equal(t, TokenTypeRefreshToken, form.Get("requested_token_type"))
	assert.Equal(t, "billing", form.Get("audience"))

	_, _, err = c.TokenExchange(ctx, ExchangeRequest{})
	assert.True(t, kcerrors.IsConfiguration(err))
}

func TestClient_FormAuthStyle(t *testing.T) {
	t.Parallel()

	kc := newKeycloak(t)
	c, err := NewClient(ClientConfig{
		TokenURL:     kc.Issuer() + "/protocol/openid-connect/token",
		ClientID:     kc.ClientID(),
		ClientSecret: kc.ClientSecret(),
		AuthStyle:    oauth2.AuthStyleInParams,
	}, WithHTTPClient(kc.Client()))
	require.NoError(t, err)

	_, _, err = c.ClientCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kc.ClientID(), kc.LastForm(testkit.GrantClientCredentials).Get("client_id"))
}

func TestClient_Errors(t *testing.T) {
	t.Parallel()

	t.Run("invalid_grant", func(t *testing.T) {
		t.Parallel()
		kc := newKeycloak(t)
		c := newClient(t, kc)

		_, _, err := c.Refresh(context.Background(), "never-issued")
		require.Error(t, err)
		assert.True(t, kcerrors.IsGrantFailed(err))
		assert.True(t, kcerrors.IsInvalidGrant(err))
		assert.False(t, kcerrors.IsRetryable(err))

		var ge *kcerrors.GrantError
		require.ErrorAs(t, err, &ge)
		assert.Equal(t, "Token is not active", ge.Description)
		assert.Equal(t, http.StatusBadRequest, ge.StatusCode)
	})

	t.Run("invalid client", func(t *testing.T) {
		t.Parallel()
		kc := newKeycloak(t)
		c, err := NewClient(ClientConfig{
			TokenURL:     kc.Issuer() + "/protocol/openid-connect/token",
			ClientID:     kc.ClientID(),
			ClientSecret: "wrong",
		}, WithHTTPClient(kc.Client()))
		require.NoError(t, err)

		_, _, err = c.ClientCredentials(context.Background())
		var ge *kcerrors.GrantError
		require.ErrorAs(t, err, &ge)
		assert.Equal(t, "invalid_client", ge.Code)
		assert.False(t, ge.Retryable)
	})

	t.Run("server error is retryable", func(t *testing.T) {
		t.Parallel()
		kc := newKeycloak(t)
		kc.SetTokenHandler(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		})
		c := newClient(t, kc)

		_, _, err := c.ClientCredentials(context.Background())
		assert.True(t, kcerrors.IsGrantFailed(err))
		assert.True(t, kcerrors.IsRetryable(err))
	})

	t.Run("timeout is retryable", func(t *testing.T) {
		t.Parallel()
		kc := newKeycloak(t, testkit.WithTokenDelay(time.Second))
		c := newClient(t, kc, WithTimeout(20*time.Millisecond))

		_, _, err := c.ClientCredentials(context.Background())
		require.Error(t, err)
		assert.True(t, kcerrors.IsGrantFailed(err))
		assert.True(t, kcerrors.IsRetryable(err))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("empty access token", func(t *testing.T) {
		t.Parallel()
		kc := newKeycloak(t)
		kc.SetTokenHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
		})
		c := newClient(t, kc)

		_, _, err := c.ClientCredentials(context.Background())
		assert.True(t, kcerrors.IsGrantFailed(err))
		assert.False(t, kcerrors.IsRetryable(err))
	})

	t.Run("unreachable is retryable", func(t *testing.T) {
		t.Parallel()
		kc := newKeycloak(t)
		c := newClient(t, kc)
		kc.Close()

		_, _, err := c.ClientCredentials(context.Background())
		assert.True(t, kcerrors.IsRetryable(err))
	})
}

func TestClient_UMATicket(t *testing.T) {
	t.Parallel()

	kc := newKeycloak(t, testkit.WithPermissions(map[string]any{"rsname": "Doc", "scopes": []string{"Read"}}))
	c := newClient(t, kc)
	ctx := context.Background()

	user, _, err := c.Password(ctx, "alice", "pw")
	require.NoError(t, err)

	rpt, _, err := c.UMATicket(ctx, UMATicketRequest{AccessToken: user.AccessToken, Permissions: []string{"Doc#Read"}})
	require.NoError(t, err)
	assert.NotEmpty(t, rpt.AccessToken)
	assert.Equal(t, kc.ClientID(), kc.LastForm(testkit.GrantUMATicket).Get("audience"))

	_, _, err = c.UMATicket(ctx, UMATicketRequest{AccessToken: user.AccessToken, Permissions: []string{"Other"}})
	var ge *kcerrors.GrantError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, http.StatusForbidden, ge.StatusCode)
	assert.Equal(t, "access_denied", ge.Code)
}

func TestClient_Logout(t *testing.T) {
	t.Parallel()

	kc := newKeycloak(t)
	c := newClient(t, kc)
	ctx := context.Background()
	endSession := kc.Issuer() + "/protocol/openid-connect/logout"

	resp, _, err := c.Password(ctx, "alice", "pw")
	require.NoError(t, err)

	require.NoError(t, c.Logout(ctx, endSession, resp.RefreshToken))
	assert.Equal(t, []string{resp.RefreshToken}, kc.Logouts())

	_, _, err = c.Refresh(ctx, resp.RefreshToken)
	assert.True(t, kcerrors.IsInvalidGrant(err))

	err = c.Logout(ctx, endSession, "unknown")
	assert.True(t, kcerrors.IsGrantFailed(err))
}

func TestRedactingStrings(t *testing.T) {
	t.Parallel()

	resp := Response{AccessToken: "secret-a", RefreshToken: "secret-r", TokenType: "Bearer"}
	assert.NotContains(t, resp.String(), "secret")

	req := ExchangeRequest{SubjectToken: "secret-s", Audience: "billing"}
	assert.NotContains(t, req.String(), "secret")
	assert.Contains(t, req.String(), "billing")

	uma := UMATicketRequest{AccessToken: "secret-u"}
	assert.NotContains(t, uma.String(), "secret")
}
