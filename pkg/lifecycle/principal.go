// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
)

// RemotePrincipal resolves the principal of binding from the userinfo
// endpoint of its realm, using the binding's active access token.
func (m *Manager) RemotePrincipal(
	ctx context.Context, client realm.Client, binding *storage.IdentityBinding,
) (*storage.RemoteClaimsPrincipal, error) {
	if binding == nil {
		return nil, kcerrors.NewConfigurationError("identity binding is required", nil)
	}
	accessToken, err := m.ActiveAccessToken(ctx, client, binding.Key())
	if err != nil {
		return nil, err
	}

	disc, err := m.cache.Discovery(client.Realm)
	if err != nil {
		return nil, err
	}
	if disc.UserinfoEndpoint == "" {
		return nil, kcerrors.NewConfigurationError(
			fmt.Sprintf("realm %s has no userinfo endpoint", client.Realm), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.GrantTimeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, m.cache.HTTPClient())

	provider := (&oidc.ProviderConfig{
		IssuerURL:   disc.Issuer,
		AuthURL:     disc.AuthorizationEndpoint,
		TokenURL:    disc.TokenEndpoint,
		UserInfoURL: disc.UserinfoEndpoint,
		JWKSURL:     disc.JWKSURI,
		Algorithms:  disc.SigningAlgorithms(),
	}).NewProvider(ctx)

	info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return nil, kcerrors.NewGrantFailedError("fetching userinfo", &kcerrors.GrantError{Cause: err})
	}
	if info.Subject != binding.Subject {
		return nil, kcerrors.NewClaimsInvalidError(
			fmt.Sprintf("userinfo subject %q does not match binding subject %q", info.Subject, binding.Subject), nil)
	}

	claims := make(map[string]any)
	if err := info.Claims(&claims); err != nil {
		return nil, kcerrors.NewClaimsInvalidError("decoding userinfo claims", err)
	}
	return &storage.RemoteClaimsPrincipal{
		Realm:   binding.Realm,
		Subject: binding.Subject,
		Claims:  claims,
	}, nil
}
