// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/grant"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/telemetry"
	"github.com/stacklok/keycloak-oidc/pkg/tokenset"
)

// ActiveAccessToken returns a usable access token of key, refreshing the
// stored tokens with client when the access token expired.
//
// Fresh tokens and dead tokens never cause a network call. When the refresh
// token is rejected the stored tokens are made dead and a tokens expired
// error is returned; transport failures leave them untouched and return a
// retryable grant failure.
func (m *Manager) ActiveAccessToken(ctx context.Context, client realm.Client, key storage.OwnerKey) (string, error) {
	ts, err := m.activeTokens(ctx, client, key)
	if err != nil {
		return "", err
	}
	return ts.AccessToken, nil
}

func (m *Manager) activeTokens(ctx context.Context, client realm.Client, key storage.OwnerKey) (tokenset.TokenSet, error) {
	now := m.now()

	ts, err := m.storedTokens(ctx, key)
	if err != nil {
		return tokenset.TokenSet{}, err
	}

	switch ts.State(now, m.cfg.ExpiryLeeway) {
	case tokenset.Fresh:
		m.metrics.RecordRefresh(ctx, client.Realm, telemetry.RefreshOutcomeFresh)
		return ts, nil
	case tokenset.Dead:
		m.metrics.RecordRefresh(ctx, client.Realm, telemetry.RefreshOutcomeDead)
		return tokenset.TokenSet{}, tokensExpired(key, nil)
	}

	return m.serialized(ctx, key, func(ctx context.Context) (tokenset.TokenSet, error) {
		// another flight or process may have refreshed while we waited
		current, err := m.storedTokens(ctx, key)
		if err != nil {
			return tokenset.TokenSet{}, err
		}
		switch current.State(now, m.cfg.ExpiryLeeway) {
		case tokenset.Fresh:
			m.metrics.RecordRefresh(ctx, client.Realm, telemetry.RefreshOutcomeCoalesced)
			return current, nil
		case tokenset.Dead:
			m.metrics.RecordRefresh(ctx, client.Realm, telemetry.RefreshOutcomeDead)
			return tokenset.TokenSet{}, tokensExpired(key, nil)
		}
		return m.refreshTokens(ctx, client, key, current)
	})
}

// refreshTokens refreshes ts and stores the result under key. The caller
// holds the lock of key.
func (m *Manager) refreshTokens(
	ctx context.Context, client realm.Client, key storage.OwnerKey, ts tokenset.TokenSet, scopes ...string,
) (tokenset.TokenSet, error) {
	ctx, span := m.metrics.StartSpan(ctx, "kcoidc.refresh",
		attribute.String("realm", client.Realm),
		attribute.String("client_id", client.ClientID),
	)
	refreshed, err := m.doRefresh(ctx, client, key, ts, scopes)
	telemetry.EndSpan(span, err)
	return refreshed, err
}

func (m *Manager) doRefresh(
	ctx context.Context, client realm.Client, key storage.OwnerKey, ts tokenset.TokenSet, scopes []string,
) (tokenset.TokenSet, error) {
	acq, err := m.Acquirer(client)
	if err != nil {
		return tokenset.TokenSet{}, err
	}

	resp, initiate, err := m.doGrant(ctx, client, grant.TypeRefreshToken,
		func(ctx context.Context) (*grant.Response, time.Time, error) {
			return acq.Refresh(ctx, ts.RefreshToken, scopes...)
		})
	if err != nil {
		if !kcerrors.IsInvalidGrant(err) {
			m.metrics.RecordRefresh(ctx, client.Realm, telemetry.RefreshOutcomeFailed)
			return tokenset.TokenSet{}, err
		}
		m.metrics.RecordRefresh(ctx, client.Realm, telemetry.RefreshOutcomeRejected)
		m.logger.Info("refresh token rejected, tokens are now expired",
			"realm", client.Realm, "client_id", client.ClientID, "key", key)
		if putErr := m.putTokens(ctx, key, ts.WithoutRefresh()); putErr != nil {
			return tokenset.TokenSet{}, errors.Join(tokensExpired(key, err), putErr)
		}
		return tokenset.TokenSet{}, tokensExpired(key, err)
	}

	refreshed := resp.TokenSet(initiate)
	if err := m.putTokens(ctx, key, refreshed); err != nil {
		return tokenset.TokenSet{}, err
	}
	m.metrics.RecordRefresh(ctx, client.Realm, telemetry.RefreshOutcomeRefreshed)
	m.logger.Debug("tokens refreshed", "realm", client.Realm, "key", key, "expires_before", refreshed.ExpiresBefore)
	return refreshed, nil
}

// DecodedAccessToken returns the verified claims of the active access token
// of key. The audience is not checked since exchanged tokens are issued for
// other clients.
func (m *Manager) DecodedAccessToken(ctx context.Context, client realm.Client, key storage.OwnerKey) (jwt.MapClaims, error) {
	accessToken, err := m.ActiveAccessToken(ctx, client, key)
	if err != nil {
		return nil, err
	}
	return m.verify(ctx, client, accessToken, "", "")
}

// Logout ends the provider session of key's refresh token and clears the
// stored tokens. The stored tokens are cleared even when the provider call
// fails; its error is returned unless the provider had already forgotten the
// session. Logout holds the lock of key, so a refresh in flight completes
// before the tokens are cleared and cannot restore them afterwards.
func (m *Manager) Logout(ctx context.Context, client realm.Client, key storage.OwnerKey) error {
	var providerErr error
	err := m.locked(ctx, key, func(ctx context.Context) error {
		ts, err := m.storedTokens(ctx, key)
		if err != nil {
			return err
		}

		if ts.RefreshToken != "" {
			providerErr = m.endSession(ctx, client, ts.RefreshToken)
			if kcerrors.IsInvalidGrant(providerErr) {
				providerErr = nil
			}
		}
		return m.putTokens(ctx, key, tokenset.TokenSet{})
	})
	if err != nil {
		return errors.Join(providerErr, err)
	}
	m.logger.Debug("logged out", "realm", client.Realm, "key", key)
	return providerErr
}

func (m *Manager) endSession(ctx context.Context, client realm.Client, refreshToken string) error {
	disc, err := m.cache.Discovery(client.Realm)
	if err != nil {
		return err
	}
	if disc.EndSessionEndpoint == "" {
		return kcerrors.NewConfigurationError(fmt.Sprintf("realm %s has no end session endpoint", client.Realm), nil)
	}
	acq, err := m.Acquirer(client)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.GrantTimeout)
	defer cancel()
	return acq.Logout(ctx, disc.EndSessionEndpoint, refreshToken)
}

// TokenSource returns an oauth2.TokenSource whose tokens are the active
// access tokens of key. Every call goes through ActiveAccessToken, so tokens
// refreshed elsewhere are picked up.
func (m *Manager) TokenSource(ctx context.Context, client realm.Client, key storage.OwnerKey) oauth2.TokenSource {
	return &managedTokenSource{ctx: ctx, manager: m, client: client, key: key}
}

type managedTokenSource struct {
	ctx     context.Context
	manager *Manager
	client  realm.Client
	key     storage.OwnerKey
}

// Token implements oauth2.TokenSource.
func (s *managedTokenSource) Token() (*oauth2.Token, error) {
	ts, err := s.manager.activeTokens(s.ctx, s.client, s.key)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: ts.AccessToken,
		TokenType:   "Bearer",
		Expiry:      ts.ExpiresBefore,
	}, nil
}
