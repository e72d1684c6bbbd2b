// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package entitlement obtains requesting party tokens (RPTs) for a token
// owner and flattens them into permission strings.
package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/golang-jwt/jwt/v5"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/grant"
	"github.com/stacklok/keycloak-oidc/pkg/lifecycle"
	"github.com/stacklok/keycloak-oidc/pkg/logger"
	"github.com/stacklok/keycloak-oidc/pkg/networking"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
)

// TokenManager is the part of lifecycle.Manager the resolver needs.
type TokenManager interface {
	ActiveAccessToken(ctx context.Context, client realm.Client, key storage.OwnerKey) (string, error)
	AcquirerFor(client realm.Client, tokenURL string) (grant.Acquirer, error)
	VerifyToken(ctx context.Context, client realm.Client, tokenString, audience string) (jwt.MapClaims, error)
	Config() lifecycle.Config
}

var _ TokenManager = (*lifecycle.Manager)(nil)

// Resolver fetches and verifies RPTs.
type Resolver struct {
	manager TokenManager
	cache   *realm.Cache
	cfg     Config
	logger  *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a Resolver.
func NewResolver(manager TokenManager, cache *realm.Cache, cfg Config, opts ...Option) (*Resolver, error) {
	if manager == nil || cache == nil {
		return nil, kcerrors.NewConfigurationError("entitlement resolver needs a token manager and a realm cache", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, kcerrors.NewConfigurationError("invalid entitlement configuration", err)
	}
	r := &Resolver{
		manager: manager,
		cache:   cache,
		cfg:     cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Component("entitlement")
	}
	return r, nil
}

// Entitlement returns the verified claims of an RPT issued to client for the
// owner of key. The RPT must be signed by the realm, unexpired, issued by the
// realm and meant for client.
func (r *Resolver) Entitlement(ctx context.Context, client realm.Client, key storage.OwnerKey) (jwt.MapClaims, error) {
	accessToken, err := r.manager.ActiveAccessToken(ctx, client, key)
	if err != nil {
		return nil, err
	}

	var rpt string
	switch r.cfg.Method {
	case MethodLegacy:
		rpt, err = r.legacyRPT(ctx, client, accessToken)
	default:
		rpt, err = r.umaRPT(ctx, client, accessToken)
	}
	if err != nil {
		return nil, err
	}

	claims, err := r.manager.VerifyToken(ctx, client, rpt, client.ClientID)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("entitlement obtained", "realm", client.Realm, "client_id", client.ClientID, "key", key)
	return claims, nil
}

// Permissions returns the sorted permission set of key for client.
func (r *Resolver) Permissions(ctx context.Context, client realm.Client, key storage.OwnerKey) ([]string, error) {
	claims, err := r.Entitlement(ctx, client, key)
	if err != nil {
		return nil, err
	}
	return PermissionsFromClaims(claims, client.ClientID, r.cfg.PermissionMode)
}

// HasPermission reports whether key holds perm for client. Matching is case
// sensitive.
func (r *Resolver) HasPermission(ctx context.Context, client realm.Client, key storage.OwnerKey, perm string) (bool, error) {
	perms, err := r.Permissions(ctx, client, key)
	if err != nil {
		return false, err
	}
	_, found := slices.BinarySearch(perms, perm)
	return found, nil
}

// umaRPT runs the uma-ticket grant against the UMA token endpoint, falling
// back to the OIDC one when UMA discovery has not been loaded.
func (r *Resolver) umaRPT(ctx context.Context, client realm.Client, accessToken string) (string, error) {
	tokenURL := ""
	if uma, err := r.cache.UMA(client.Realm); err == nil {
		tokenURL = uma.TokenEndpoint
	}
	if tokenURL == "" {
		disc, err := r.cache.Discovery(client.Realm)
		if err != nil {
			return "", err
		}
		tokenURL = disc.TokenEndpoint
	}

	acq, err := r.manager.AcquirerFor(client, tokenURL)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.manager.Config().GrantTimeout)
	defer cancel()
	resp, _, err := acq.UMATicket(ctx, grant.UMATicketRequest{
		AccessToken: accessToken,
		Audience:    client.ClientID,
	})
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

type legacyEntitlement struct {
	RPT string `json:"rpt"`
}

func (r *Resolver) legacyRPT(ctx context.Context, client realm.Client, accessToken string) (string, error) {
	def, err := r.cache.Realm(client.Realm)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.manager.Config().GrantTimeout)
	defer cancel()
	result, err := networking.FetchJSON[legacyEntitlement](ctx, r.cache.HTTPClient(),
		def.LegacyEntitlementURL(client.ClientID),
		networking.WithBearerToken(accessToken),
	)
	if err != nil {
		return "", kcerrors.NewGrantFailedError("legacy entitlement request failed", legacyGrantError(err))
	}
	if result.Data.RPT == "" {
		return "", kcerrors.NewGrantFailedError("legacy entitlement response has no rpt", &kcerrors.GrantError{
			StatusCode: result.StatusCode,
		})
	}
	return result.Data.RPT, nil
}

func legacyGrantError(err error) *kcerrors.GrantError {
	var httpErr *networking.HTTPError
	if errors.As(err, &httpErr) {
		return &kcerrors.GrantError{
			StatusCode: httpErr.StatusCode,
			Retryable:  httpErr.StatusCode >= http.StatusInternalServerError,
			Cause:      httpErr,
		}
	}
	return &kcerrors.GrantError{Cause: err, Retryable: true}
}
