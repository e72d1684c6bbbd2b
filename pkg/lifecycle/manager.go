// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle acquires, stores, refreshes and exchanges the tokens of
// identity bindings, client service accounts and downstream clients.
//
// A stored TokenSet is FRESH, REFRESHABLE or DEAD at any instant. Fresh
// tokens are returned without touching the network, dead ones fail with a
// tokens expired error, and refreshable ones are refreshed exactly once no
// matter how many callers ask concurrently: callers in one process share a
// singleflight flight, and processes sharing a backend serialize on its
// storage.Locker.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/grant"
	"github.com/stacklok/keycloak-oidc/pkg/logger"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/telemetry"
	"github.com/stacklok/keycloak-oidc/pkg/token"
	"github.com/stacklok/keycloak-oidc/pkg/tokenset"
)

// Dependencies are the collaborators of a Manager. All are required.
type Dependencies struct {
	Cache     *realm.Cache
	Verifier  *token.Verifier
	Acquirers AcquirerFactory
	Storage   storage.Storage
	Locker    storage.Locker
	Metrics   *telemetry.Metrics
	Clock     func() time.Time
}

func (d Dependencies) validate() error {
	var missing []string
	if d.Cache == nil {
		missing = append(missing, "cache")
	}
	if d.Verifier == nil {
		missing = append(missing, "verifier")
	}
	if d.Acquirers == nil {
		missing = append(missing, "acquirer factory")
	}
	if d.Storage == nil {
		missing = append(missing, "storage")
	}
	if d.Locker == nil {
		missing = append(missing, "locker")
	}
	if d.Metrics == nil {
		missing = append(missing, "metrics")
	}
	if d.Clock == nil {
		missing = append(missing, "clock")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing dependencies: %v", missing)
	}
	return nil
}

// Manager runs the token lifecycle.
type Manager struct {
	cfg       Config
	cache     *realm.Cache
	verifier  *token.Verifier
	acquirers AcquirerFactory
	store     storage.Storage
	locker    storage.Locker
	metrics   *telemetry.Metrics
	now       func() time.Time
	logger    *slog.Logger

	flights singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to the process logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager. It returns a configuration error when cfg is
// invalid or a dependency is missing.
func NewManager(cfg Config, deps Dependencies, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, kcerrors.NewConfigurationError("invalid lifecycle configuration", err)
	}
	if err := deps.validate(); err != nil {
		return nil, kcerrors.NewConfigurationError("invalid lifecycle dependencies", err)
	}
	if cfg.PrincipalMode == "" {
		cfg.PrincipalMode = PrincipalModeLocal
	}

	m := &Manager{
		cfg:       cfg,
		cache:     deps.Cache,
		verifier:  deps.Verifier,
		acquirers: deps.Acquirers,
		store:     deps.Storage,
		locker:    deps.Locker,
		metrics:   deps.Metrics,
		now:       deps.Clock,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.Component("lifecycle")
	}
	return m, nil
}

// Config returns the configuration of the manager.
func (m *Manager) Config() Config {
	return m.cfg
}

// Acquirer returns the acquirer of client bound to the token endpoint of its
// realm.
func (m *Manager) Acquirer(client realm.Client) (grant.Acquirer, error) {
	disc, err := m.cache.Discovery(client.Realm)
	if err != nil {
		return nil, err
	}
	return m.AcquirerFor(client, disc.TokenEndpoint)
}

// AcquirerFor returns the acquirer of client bound to tokenURL.
func (m *Manager) AcquirerFor(client realm.Client, tokenURL string) (grant.Acquirer, error) {
	if tokenURL == "" {
		return nil, kcerrors.NewConfigurationError(
			fmt.Sprintf("realm %s has no token endpoint", client.Realm), nil)
	}
	acq, err := m.acquirers(client, tokenURL)
	if err != nil {
		return nil, fmt.Errorf("creating acquirer for %s: %w", client, err)
	}
	return acq, nil
}

// doGrant runs one grant exchange bounded by the grant timeout and records it.
func (m *Manager) doGrant(
	ctx context.Context,
	client realm.Client,
	grantType string,
	fn func(context.Context) (*grant.Response, time.Time, error),
) (*grant.Response, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.GrantTimeout)
	defer cancel()

	ctx, span := m.metrics.StartSpan(ctx, "kcoidc.grant",
		attribute.String("realm", client.Realm),
		attribute.String("client_id", client.ClientID),
		attribute.String("grant_type", grantType),
	)
	start := time.Now()
	resp, initiate, err := fn(ctx)
	m.metrics.RecordGrant(ctx, client.Realm, grantType, time.Since(start), err)
	telemetry.EndSpan(span, err)

	if err != nil {
		m.logger.Debug("grant failed",
			"realm", client.Realm, "client_id", client.ClientID, "grant_type", grantType, "error", err)
		return nil, time.Time{}, err
	}
	return resp, initiate, nil
}

// verify checks tokenString against the certificates and discovery of the
// realm of client. An empty audience disables the audience check.
func (m *Manager) verify(ctx context.Context, client realm.Client, tokenString, audience, accessToken string) (jwt.MapClaims, error) {
	claims, err := m.verifyToken(client.Realm, tokenString, audience, accessToken)
	m.metrics.RecordVerification(ctx, client.Realm, err)
	return claims, err
}

// VerifyToken verifies a token presented by a caller or issued to client
// against the realm of client. An empty audience disables the audience check.
func (m *Manager) VerifyToken(ctx context.Context, client realm.Client, tokenString, audience string) (jwt.MapClaims, error) {
	return m.verify(ctx, client, tokenString, audience, "")
}

func (m *Manager) verifyToken(realmName, tokenString, audience, accessToken string) (jwt.MapClaims, error) {
	keys, err := m.cache.Certs(realmName)
	if err != nil {
		return nil, err
	}
	disc, err := m.cache.Discovery(realmName)
	if err != nil {
		return nil, err
	}
	issuer, err := m.cache.Issuer(realmName)
	if err != nil {
		return nil, err
	}
	return m.verifier.Verify(tokenString, keys, token.VerifyOptions{
		AllowedAlgorithms: disc.SigningAlgorithms(),
		Issuer:            issuer,
		Audience:          audience,
		AccessToken:       accessToken,
		Leeway:            m.cfg.ClockSkew,
	})
}

// verifyGrant verifies the id_token of resp when present and the access token
// otherwise.
func (m *Manager) verifyGrant(ctx context.Context, client realm.Client, resp *grant.Response) (jwt.MapClaims, error) {
	if resp.IDToken != "" {
		return m.verify(ctx, client, resp.IDToken, client.ClientID, resp.AccessToken)
	}
	return m.verify(ctx, client, resp.AccessToken, client.ClientID, "")
}

// serialized runs fn for key at most once at a time: concurrent callers in
// this process join one flight, and the flight holds the backend lock of key.
// The flight runs detached from the cancellation of the caller that started
// it, bounded by the grant timeout, so one caller going away does not fail
// the others.
func (m *Manager) serialized(
	ctx context.Context,
	key storage.OwnerKey,
	fn func(context.Context) (tokenset.TokenSet, error),
) (tokenset.TokenSet, error) {
	ch := m.flights.DoChan(string(key), func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.GrantTimeout)
		defer cancel()

		unlock, err := m.locker.Lock(flightCtx, key)
		if err != nil {
			return tokenset.TokenSet{}, kcerrors.NewGrantFailedError("waiting for token lock",
				&kcerrors.GrantError{Cause: err, Retryable: true})
		}
		defer unlock()

		return fn(flightCtx)
	})

	select {
	case <-ctx.Done():
		return tokenset.TokenSet{}, waitAbandoned(ctx, key)
	case res := <-ch:
		ts, _ := res.Val.(tokenset.TokenSet)
		return ts, res.Err
	}
}

// waitAbandoned is the error of a caller that stopped waiting for the flight
// of key. A deadline is a retryable grant failure; cancellation is returned
// as is.
func waitAbandoned(ctx context.Context, key storage.OwnerKey) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return kcerrors.NewGrantFailedError(fmt.Sprintf("timed out waiting for tokens of %s", key),
			&kcerrors.GrantError{Cause: err, Retryable: true})
	}
	return err
}

// locked runs fn while holding the backend lock of key, so that writes of a
// TokenSet never interleave with a refresh or exchange flight of the same
// key. Unlike serialized it never joins a flight: fn always runs.
func (m *Manager) locked(ctx context.Context, key storage.OwnerKey, fn func(context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, m.cfg.GrantTimeout)
	defer cancel()

	unlock, err := m.locker.Lock(lockCtx, key)
	if err != nil {
		if ctx.Err() != nil {
			return waitAbandoned(ctx, key)
		}
		return kcerrors.NewGrantFailedError("waiting for token lock",
			&kcerrors.GrantError{Cause: err, Retryable: true})
	}
	defer unlock()

	return fn(ctx)
}

// storedTokens reads the TokenSet of key, mapping a missing one to an empty set.
func (m *Manager) storedTokens(ctx context.Context, key storage.OwnerKey) (tokenset.TokenSet, error) {
	ts, err := m.store.GetTokens(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return tokenset.TokenSet{}, nil
	}
	if err != nil {
		return tokenset.TokenSet{}, fmt.Errorf("reading tokens of %s: %w", key, err)
	}
	return ts, nil
}

func (m *Manager) putTokens(ctx context.Context, key storage.OwnerKey, ts tokenset.TokenSet) error {
	if err := m.store.PutTokens(ctx, key, ts); err != nil {
		return fmt.Errorf("storing tokens of %s: %w", key, err)
	}
	return nil
}

// tokensExpired builds the error returned for dead tokens. A grant error
// rejecting the refresh token is wrapped directly so that callers see the
// provider's reason but the result is not a grant failure.
func tokensExpired(key storage.OwnerKey, cause error) error {
	var grantErr *kcerrors.GrantError
	if errors.As(cause, &grantErr) {
		return kcerrors.NewTokensExpiredError(fmt.Sprintf("refresh token of %s was rejected", key), grantErr)
	}
	return kcerrors.NewTokensExpiredError(fmt.Sprintf("tokens of %s expired", key), cause)
}
