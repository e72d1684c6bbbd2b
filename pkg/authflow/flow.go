// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authflow runs the browser login of a client: Begin redirects the
// user to the realm's authorization endpoint with a fresh state, Complete
// redeems the code returned to the callback and binds the identity.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/lifecycle"
	"github.com/stacklok/keycloak-oidc/pkg/logger"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
)

// DefaultScopes are requested by Begin.
var DefaultScopes = []string{"openid", "profile", "email"}

// Sessions is the part of the token lifecycle the login flow drives.
type Sessions interface {
	AcquireFromAuthorizationCode(
		ctx context.Context, client realm.Client, code, redirectURI string, opts ...lifecycle.CodeOption,
	) (*storage.IdentityBinding, jwt.MapClaims, error)
	Logout(ctx context.Context, client realm.Client, key storage.OwnerKey) error
}

var _ Sessions = (*lifecycle.Manager)(nil)

// Option configures a Flow.
type Option func(*Flow)

// WithScopes replaces DefaultScopes.
func WithScopes(scopes ...string) Option {
	return func(f *Flow) {
		f.scopes = scopes
	}
}

// WithClock sets the clock used for nonce timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) {
		f.now = now
	}
}

// WithLogger sets the logger. Defaults to logger.Get().
func WithLogger(l *slog.Logger) Option {
	return func(f *Flow) {
		f.logger = l
	}
}

// Flow is the authorization code login of browser sessions.
type Flow struct {
	sessions Sessions
	cache    *realm.Cache
	nonces   storage.NonceStore
	scopes   []string
	now      func() time.Time
	logger   *slog.Logger
}

// NewFlow creates a Flow.
func NewFlow(sessions Sessions, cache *realm.Cache, nonces storage.NonceStore, opts ...Option) (*Flow, error) {
	if sessions == nil || cache == nil || nonces == nil {
		return nil, kcerrors.NewConfigurationError("login flow requires sessions, a realm cache and a nonce store", nil)
	}
	f := &Flow{
		sessions: sessions,
		cache:    cache,
		nonces:   nonces,
		scopes:   DefaultScopes,
		now:      time.Now,
		logger:   logger.Get(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Begin stores a nonce for a new login and returns the URL the browser is
// sent to. The URL always points at the public server URL of the realm.
func (f *Flow) Begin(ctx context.Context, client realm.Client, redirectURI, nextPath string) (string, error) {
	if redirectURI == "" {
		return "", kcerrors.NewConfigurationError("redirect URI is required", nil)
	}
	r, err := f.cache.Realm(client.Realm)
	if err != nil {
		return "", err
	}
	authURL := r.BaseURL() + "/protocol/openid-connect/auth"
	if doc, err := f.cache.Discovery(client.Realm); err == nil && doc.AuthorizationEndpoint != "" {
		authURL = doc.AuthorizationEndpoint
	}

	nonce := &storage.Nonce{
		State:       uuid.NewString(),
		Realm:       client.Realm,
		ClientID:    client.ClientID,
		RedirectURI: redirectURI,
		NextPath:    safeNextPath(nextPath),
		CreatedAt:   f.now(),
	}
	if err := f.nonces.StoreNonce(ctx, nonce); err != nil {
		return "", fmt.Errorf("failed to store login nonce: %w", err)
	}

	cfg := oauth2.Config{
		ClientID:    client.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: authURL},
		RedirectURL: redirectURI,
		Scopes:      f.scopes,
	}
	u := cfg.AuthCodeURL(nonce.State, oauth2.SetAuthURLParam("nonce", nonce.State))
	return r.ToPublic(u), nil
}

// Complete consumes the nonce of state, redeems code and returns the
// binding of the logged in user together with the path to continue at.
func (f *Flow) Complete(ctx context.Context, client realm.Client, state, code string) (*storage.IdentityBinding, string, error) {
	if state == "" || code == "" {
		return nil, "", kcerrors.NewClaimsInvalidError("state and code are required", nil)
	}
	nonce, err := f.nonces.ConsumeNonce(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, "", kcerrors.NewClaimsInvalidError("unknown or expired login state", err)
		}
		return nil, "", fmt.Errorf("failed to consume login nonce: %w", err)
	}
	if nonce.Realm != client.Realm || nonce.ClientID != client.ClientID {
		return nil, "", kcerrors.NewClaimsInvalidError(
			fmt.Sprintf("login state was issued for %s/%s", nonce.Realm, nonce.ClientID), nil)
	}

	// the ID token must echo the state sent as nonce, checked before the binding is stored
	binding, _, err := f.sessions.AcquireFromAuthorizationCode(ctx, client, code, nonce.RedirectURI,
		lifecycle.WithNonce(nonce.State))
	if err != nil {
		return nil, "", err
	}

	f.logger.Debug("login completed", "realm", client.Realm, "subject", binding.Subject)
	return binding, safeNextPath(nonce.NextPath), nil
}

// Logout ends the session of key at the provider and forgets its tokens.
func (f *Flow) Logout(ctx context.Context, client realm.Client, key storage.OwnerKey) error {
	if err := f.sessions.Logout(ctx, client, key); err != nil {
		f.logger.Warn("provider logout failed", "realm", client.Realm, "error", err)
		return err
	}
	return nil
}

// safeNextPath keeps next paths local to the application.
func safeNextPath(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, `\`) {
		return "/"
	}
	return p
}
