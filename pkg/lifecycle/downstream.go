// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"
	"time"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/grant"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/tokenset"
)

// ExchangeForDownstream exchanges the active access token of binding for
// tokens issued to remoteClient and stores them under the exchange key of
// the pair. The exchanged tokens are not verified.
func (m *Manager) ExchangeForDownstream(
	ctx context.Context, client realm.Client, binding *storage.IdentityBinding, remoteClient string,
) (tokenset.TokenSet, error) {
	if err := checkDownstream(binding, remoteClient); err != nil {
		return tokenset.TokenSet{}, err
	}
	key := storage.ExchangeKey(binding.Realm, binding.Subject, remoteClient)
	return m.serialized(ctx, key, func(ctx context.Context) (tokenset.TokenSet, error) {
		return m.exchange(ctx, client, binding, remoteClient, key)
	})
}

// ActiveDownstreamToken returns an access token of binding for remoteClient.
// The stored exchange is reused while its access token is fresh; otherwise
// the binding's tokens are exchanged again.
func (m *Manager) ActiveDownstreamToken(
	ctx context.Context, client realm.Client, binding *storage.IdentityBinding, remoteClient string,
) (string, error) {
	if err := checkDownstream(binding, remoteClient); err != nil {
		return "", err
	}
	key := storage.ExchangeKey(binding.Realm, binding.Subject, remoteClient)
	now := m.now()

	ts, err := m.storedTokens(ctx, key)
	if err != nil {
		return "", err
	}
	if ts.State(now, m.cfg.ExpiryLeeway) == tokenset.Fresh {
		return ts.AccessToken, nil
	}

	ts, err = m.serialized(ctx, key, func(ctx context.Context) (tokenset.TokenSet, error) {
		current, err := m.storedTokens(ctx, key)
		if err != nil {
			return tokenset.TokenSet{}, err
		}
		if current.State(now, m.cfg.ExpiryLeeway) == tokenset.Fresh {
			return current, nil
		}
		return m.exchange(ctx, client, binding, remoteClient, key)
	})
	if err != nil {
		return "", err
	}
	return ts.AccessToken, nil
}

func (m *Manager) exchange(
	ctx context.Context, client realm.Client, binding *storage.IdentityBinding, remoteClient string, key storage.OwnerKey,
) (tokenset.TokenSet, error) {
	subjectToken, err := m.ActiveAccessToken(ctx, client, binding.Key())
	if err != nil {
		return tokenset.TokenSet{}, err
	}

	acq, err := m.Acquirer(client)
	if err != nil {
		return tokenset.TokenSet{}, err
	}
	resp, initiate, err := m.doGrant(ctx, client, grant.TypeTokenExchange,
		func(ctx context.Context) (*grant.Response, time.Time, error) {
			return acq.TokenExchange(ctx, grant.ExchangeRequest{
				SubjectToken:       subjectToken,
				Audience:           remoteClient,
				RequestedTokenType: grant.TokenTypeRefreshToken,
			})
		})
	if err != nil {
		return tokenset.TokenSet{}, err
	}

	ts := resp.TokenSet(initiate)
	if err := m.putTokens(ctx, key, ts); err != nil {
		return tokenset.TokenSet{}, err
	}
	m.logger.Debug("tokens exchanged", "realm", client.Realm, "subject", binding.Subject,
		"remote_client", remoteClient)
	return ts, nil
}

func checkDownstream(binding *storage.IdentityBinding, remoteClient string) error {
	if binding == nil {
		return kcerrors.NewConfigurationError("identity binding is required", nil)
	}
	if remoteClient == "" {
		return kcerrors.NewConfigurationError(
			fmt.Sprintf("remote client is required for exchanging tokens of %s/%s", binding.Realm, binding.Subject), nil)
	}
	return nil
}
