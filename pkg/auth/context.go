// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth protects HTTP handlers with Keycloak bearer tokens: it
// verifies the token against the realm of the request, answers with RFC 6750
// challenges, and guards handlers on client roles or resource permissions.
package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
)

// IdentityContextKey is the key used to store Identity in the request context.
type IdentityContextKey struct{}

// ClaimsContextKey is the key used to store the verified claims in the request context.
type ClaimsContextKey struct{}

type clientContextKey struct{}

type bindingContextKey struct{}

// WithIdentity stores an Identity in the context.
// If identity is nil, the original context is returned unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves an Identity from the context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok
}

// ClaimsFromContext retrieves the verified claims from the context.
func ClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey{}).(jwt.MapClaims)
	return claims, ok
}

// WithClient stores the client a request was authenticated for.
func WithClient(ctx context.Context, client realm.Client) context.Context {
	return context.WithValue(ctx, clientContextKey{}, client)
}

// ClientFromContext returns the client stored by WithClient.
func ClientFromContext(ctx context.Context) (realm.Client, bool) {
	client, ok := ctx.Value(clientContextKey{}).(realm.Client)
	return client, ok
}

// WithBinding stores the identity binding of the caller. A nil binding
// leaves ctx unchanged.
func WithBinding(ctx context.Context, binding *storage.IdentityBinding) context.Context {
	if binding == nil {
		return ctx
	}
	return context.WithValue(ctx, bindingContextKey{}, binding)
}

// BindingFromContext returns the binding stored by WithBinding.
func BindingFromContext(ctx context.Context) (*storage.IdentityBinding, bool) {
	binding, ok := ctx.Value(bindingContextKey{}).(*storage.IdentityBinding)
	return binding, ok
}

// claimsToIdentity requires the 'sub' claim per OIDC Core 1.0 § 5.1.
func claimsToIdentity(realmName string, claims jwt.MapClaims, token string) (*Identity, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, errors.New("missing or invalid 'sub' claim")
	}

	identity := &Identity{
		Realm:   realmName,
		Subject: sub,
		Claims:  claims,
		Token:   token,
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if username, ok := claims["preferred_username"].(string); ok {
		identity.PreferredUsername = username
	}
	return identity, nil
}
