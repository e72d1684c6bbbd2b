// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"net/http"
	"slices"

	"github.com/stacklok/keycloak-oidc/pkg/entitlement"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/tenant"
)

// RequirePermission lets a request through only when the verified token
// grants every permission in required. It runs after Authenticator.Middleware
// and answers 403 otherwise.
func RequirePermission(mode entitlement.PermissionMode, required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			client, clientOK := ClientFromContext(r.Context())
			if !ok || !clientOK {
				realmName, _ := tenant.RealmFromContext(r.Context())
				writeChallenge(w, realmName, DescriptionUnverifiable)
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			granted, err := entitlement.PermissionsFromClaims(claims, client.ClientID, mode)
			if err != nil {
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			for _, perm := range required {
				if _, found := slices.BinarySearch(granted, perm); !found {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PermissionChecker answers permission questions for a stored session.
type PermissionChecker interface {
	HasPermission(ctx context.Context, client realm.Client, key storage.OwnerKey, perm string) (bool, error)
}

var _ PermissionChecker = (*entitlement.Resolver)(nil)

// SessionLookup returns the client and owner key of the session behind a request.
type SessionLookup func(r *http.Request) (realm.Client, storage.OwnerKey, bool)

// RequireEntitlement guards a session-backed handler: the stored tokens of
// the session are entitled through checker. An expired session answers 401,
// a missing permission 403.
func RequireEntitlement(checker PermissionChecker, session SessionLookup, required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, key, ok := session(r)
			if !ok {
				writeChallenge(w, "", DescriptionUnverifiable)
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			for _, perm := range required {
				allowed, err := checker.HasPermission(r.Context(), client, key, perm)
				if err != nil {
					WriteError(w, client.Realm, err)
					return
				}
				if !allowed {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
