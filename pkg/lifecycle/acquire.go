// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/grant"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/tokenset"
)

// ScopeUMAProtection is requested for service account tokens so they can
// call the protection API.
const ScopeUMAProtection = "uma_protection"

// CodeOption configures AcquireFromAuthorizationCode.
type CodeOption func(*codeOptions)

type codeOptions struct {
	nonce string
}

// WithNonce requires the ID token of the response to carry nonce. A
// response without an ID token or with another nonce is rejected before
// anything is stored.
func WithNonce(nonce string) CodeOption {
	return func(o *codeOptions) {
		o.nonce = nonce
	}
}

// AcquireFromAuthorizationCode redeems an authorization code, verifies the
// result and creates or updates the identity binding of its subject.
func (m *Manager) AcquireFromAuthorizationCode(
	ctx context.Context, client realm.Client, code, redirectURI string, opts ...CodeOption,
) (*storage.IdentityBinding, jwt.MapClaims, error) {
	var o codeOptions
	for _, opt := range opts {
		opt(&o)
	}

	acq, err := m.Acquirer(client)
	if err != nil {
		return nil, nil, err
	}
	resp, initiate, err := m.doGrant(ctx, client, grant.TypeAuthorizationCode,
		func(ctx context.Context) (*grant.Response, time.Time, error) {
			return acq.AuthorizationCode(ctx, code, redirectURI)
		})
	if err != nil {
		return nil, nil, err
	}

	claims, err := m.verifyGrant(ctx, client, resp)
	if err != nil {
		return nil, nil, err
	}
	if o.nonce != "" {
		if resp.IDToken == "" {
			return nil, nil, kcerrors.NewClaimsInvalidError("authorization code response has no id_token", nil)
		}
		if nonce, _ := claims["nonce"].(string); nonce != o.nonce {
			return nil, nil, kcerrors.NewClaimsInvalidError("id_token nonce does not match the login", nil)
		}
	}
	return m.bind(ctx, client, claims, resp.TokenSet(initiate), true)
}

// AcquireFromPassword runs the resource owner password grant, verifies the
// result and creates or updates the identity binding of its subject.
func (m *Manager) AcquireFromPassword(
	ctx context.Context, client realm.Client, username, password string,
) (*storage.IdentityBinding, jwt.MapClaims, error) {
	acq, err := m.Acquirer(client)
	if err != nil {
		return nil, nil, err
	}
	resp, initiate, err := m.doGrant(ctx, client, grant.TypePassword,
		func(ctx context.Context) (*grant.Response, time.Time, error) {
			return acq.Password(ctx, username, password)
		})
	if err != nil {
		return nil, nil, err
	}
	claims, err := m.verifyGrant(ctx, client, resp)
	if err != nil {
		return nil, nil, err
	}
	return m.bind(ctx, client, claims, resp.TokenSet(initiate), true)
}

// AcquireFromClientCredentials obtains tokens for the service account of
// client, verifies the access token and stores the result under the service
// account key.
func (m *Manager) AcquireFromClientCredentials(
	ctx context.Context, client realm.Client,
) (tokenset.TokenSet, jwt.MapClaims, error) {
	ts, claims, err := m.clientCredentials(ctx, client)
	if err != nil {
		return tokenset.TokenSet{}, nil, err
	}
	key := storage.ServiceAccountKey(client.Realm, client.ClientID)
	err = m.locked(ctx, key, func(ctx context.Context) error {
		return m.putTokens(ctx, key, ts)
	})
	if err != nil {
		return tokenset.TokenSet{}, nil, err
	}
	return ts, claims, nil
}

func (m *Manager) clientCredentials(
	ctx context.Context, client realm.Client, scopes ...string,
) (tokenset.TokenSet, jwt.MapClaims, error) {
	acq, err := m.Acquirer(client)
	if err != nil {
		return tokenset.TokenSet{}, nil, err
	}
	resp, initiate, err := m.doGrant(ctx, client, grant.TypeClientCredentials,
		func(ctx context.Context) (*grant.Response, time.Time, error) {
			return acq.ClientCredentials(ctx, scopes...)
		})
	if err != nil {
		return tokenset.TokenSet{}, nil, err
	}
	claims, err := m.verify(ctx, client, resp.AccessToken, client.ClientID, "")
	if err != nil {
		return tokenset.TokenSet{}, nil, err
	}
	return resp.TokenSet(initiate), claims, nil
}

// AcquireServiceAccount returns the service account tokens of client with the
// uma_protection scope. Stored tokens are used while fresh and refreshed once
// expired; when they are missing, dead or their refresh token is rejected a
// new client credentials grant replaces them.
func (m *Manager) AcquireServiceAccount(ctx context.Context, client realm.Client) (tokenset.TokenSet, error) {
	key := storage.ServiceAccountKey(client.Realm, client.ClientID)
	now := m.now()

	ts, err := m.storedTokens(ctx, key)
	if err != nil {
		return tokenset.TokenSet{}, err
	}
	if ts.State(now, m.cfg.ExpiryLeeway) == tokenset.Fresh {
		return ts, nil
	}

	return m.serialized(ctx, key, func(ctx context.Context) (tokenset.TokenSet, error) {
		ts, err := m.storedTokens(ctx, key)
		if err != nil {
			return tokenset.TokenSet{}, err
		}

		switch ts.State(now, m.cfg.ExpiryLeeway) {
		case tokenset.Fresh:
			return ts, nil
		case tokenset.Refreshable:
			refreshed, err := m.refreshTokens(ctx, client, key, ts, ScopeUMAProtection)
			if err == nil || !kcerrors.IsTokensExpired(err) {
				return refreshed, err
			}
			m.logger.Debug("service account refresh token rejected, acquiring new tokens",
				"realm", client.Realm, "client_id", client.ClientID)
		}

		fresh, _, err := m.clientCredentials(ctx, client, ScopeUMAProtection)
		if err != nil {
			return tokenset.TokenSet{}, err
		}
		if err := m.putTokens(ctx, key, fresh); err != nil {
			return tokenset.TokenSet{}, err
		}
		return fresh, nil
	})
}

// BindFromIDToken verifies an ID token issued to client and creates or
// updates the identity binding of its subject. Tokens already stored for the
// binding are kept; the ID token itself is not stored.
func (m *Manager) BindFromIDToken(
	ctx context.Context, client realm.Client, idToken string,
) (*storage.IdentityBinding, jwt.MapClaims, error) {
	claims, err := m.verify(ctx, client, idToken, client.ClientID, "")
	if err != nil {
		return nil, nil, err
	}
	return m.bind(ctx, client, claims, tokenset.TokenSet{}, false)
}

// bind upserts the binding of the subject of claims under the lock of its
// key. With replaceTokens unset the stored tokens are kept.
func (m *Manager) bind(
	ctx context.Context, client realm.Client, claims jwt.MapClaims, tokens tokenset.TokenSet, replaceTokens bool,
) (*storage.IdentityBinding, jwt.MapClaims, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, nil, kcerrors.NewClaimsInvalidError("token has no subject", err)
	}

	key := storage.BindingKey(client.Realm, sub)
	var binding *storage.IdentityBinding
	err = m.locked(ctx, key, func(ctx context.Context) error {
		if !replaceTokens {
			current, err := m.storedTokens(ctx, key)
			if err != nil {
				return err
			}
			tokens = current
		}
		stored, err := m.store.UpsertBinding(ctx, &storage.IdentityBinding{
			Realm:     client.Realm,
			Subject:   sub,
			Principal: m.principalFromClaims(client.Realm, sub, claims),
			Tokens:    tokens,
		})
		if err != nil {
			return fmt.Errorf("storing binding of %s/%s: %w", client.Realm, sub, err)
		}
		binding = stored
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	m.logger.Debug("identity bound", "realm", client.Realm, "subject", sub,
		"principal", binding.Principal.Kind())
	return binding, claims, nil
}

// principalFromClaims resolves the principal variant selected by the
// principal mode.
func (m *Manager) principalFromClaims(realmName, sub string, claims jwt.MapClaims) storage.Principal {
	if m.cfg.PrincipalMode == PrincipalModeRemote {
		return &storage.RemoteClaimsPrincipal{
			Realm:   realmName,
			Subject: sub,
			Claims:  maps.Clone(map[string]any(claims)),
		}
	}
	return &storage.LocalPrincipal{
		Username:  stringClaim(claims, "preferred_username"),
		Email:     stringClaim(claims, "email"),
		FirstName: stringClaim(claims, "given_name"),
		LastName:  stringClaim(claims, "family_name"),
	}
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}
