// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/logger"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/tenant"
)

// Challenge descriptions.
const (
	DescriptionExpired      = "token expired"
	DescriptionUnverifiable = "token malformed or unverifiable"
)

// Verifier verifies a token against the realm of client. An empty audience
// skips the audience check.
type Verifier interface {
	VerifyToken(ctx context.Context, client realm.Client, tokenString, audience string) (jwt.MapClaims, error)
}

// Binder verifies an ID token issued to client and creates or updates the
// identity binding of its subject.
type Binder interface {
	BindFromIDToken(ctx context.Context, client realm.Client, idToken string) (*storage.IdentityBinding, jwt.MapClaims, error)
}

// ClientLookup returns the client that protects the given realm.
type ClientLookup func(realmName string) (realm.Client, bool)

// Clients builds a ClientLookup over a fixed set of clients. The first
// client of each realm protects it.
func Clients(clients ...realm.Client) ClientLookup {
	byRealm := make(map[string]realm.Client, len(clients))
	for _, c := range clients {
		if _, ok := byRealm[c.Realm]; !ok {
			byRealm[c.Realm] = c
		}
	}
	return func(realmName string) (realm.Client, bool) {
		c, ok := byRealm[realmName]
		return c, ok
	}
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithAudienceCheck requires the token to name the client in aud or azp.
func WithAudienceCheck() Option {
	return func(a *Authenticator) {
		a.checkAudience = true
	}
}

// WithIDTokenBinding makes the Authenticator accept ID tokens issued to the
// realm client instead of access tokens. Every accepted token creates or
// updates the identity binding of its subject, which is stored in the
// request context.
func WithIDTokenBinding(binder Binder) Option {
	return func(a *Authenticator) {
		a.binder = binder
	}
}

// WithLogger sets the logger. Defaults to logger.Get().
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = l
	}
}

// Authenticator verifies bearer tokens of incoming requests.
type Authenticator struct {
	verifier      Verifier
	tenants       tenant.Resolver
	clients       ClientLookup
	checkAudience bool
	binder        Binder
	logger        *slog.Logger
}

// NewAuthenticator creates an Authenticator. The realm of a request is taken
// from the context when tenant.Middleware already ran, otherwise from tenants.
func NewAuthenticator(verifier Verifier, tenants tenant.Resolver, clients ClientLookup, opts ...Option) (*Authenticator, error) {
	if verifier == nil || tenants == nil || clients == nil {
		return nil, kcerrors.NewConfigurationError("authenticator requires a verifier, a tenant resolver and a client lookup", nil)
	}
	a := &Authenticator{
		verifier: verifier,
		tenants:  tenants,
		clients:  clients,
		logger:   logger.Get(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Middleware verifies the bearer token and stores the identity, the claims,
// the realm and the client in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		realmName, ok := tenant.RealmFromContext(r.Context())
		if !ok {
			var err error
			if realmName, err = a.tenants.Resolve(r); err != nil {
				http.Error(w, "Unknown realm", http.StatusNotFound)
				return
			}
		}
		client, ok := a.clients(realmName)
		if !ok {
			http.Error(w, "Unknown realm", http.StatusNotFound)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeChallenge(w, realmName, DescriptionUnverifiable)
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || strings.TrimSpace(tokenString) == "" {
			writeChallenge(w, realmName, DescriptionUnverifiable)
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		claims, binding, err := a.authenticate(r.Context(), client, tokenString)
		if err != nil {
			a.logger.Debug("bearer token rejected", "realm", realmName, "error", err)
			WriteError(w, realmName, err)
			return
		}
		identity, err := claimsToIdentity(realmName, claims, tokenString)
		if err != nil {
			writeChallenge(w, realmName, DescriptionUnverifiable)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := tenant.WithRealm(r.Context(), realmName)
		ctx = WithClient(ctx, client)
		ctx = context.WithValue(ctx, ClaimsContextKey{}, claims)
		ctx = WithIdentity(ctx, identity)
		ctx = WithBinding(ctx, binding)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(
	ctx context.Context, client realm.Client, tokenString string,
) (jwt.MapClaims, *storage.IdentityBinding, error) {
	if a.binder != nil {
		binding, claims, err := a.binder.BindFromIDToken(ctx, client, tokenString)
		return claims, binding, err
	}
	audience := ""
	if a.checkAudience {
		audience = client.ClientID
	}
	claims, err := a.verifier.VerifyToken(ctx, client, tokenString, audience)
	return claims, nil, err
}

// StatusCode maps an error of the token lifecycle to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case kcerrors.IsTokensExpired(err), kcerrors.IsVerification(err):
		return http.StatusUnauthorized
	case kcerrors.IsGrantFailed(err) && kcerrors.IsRetryable(err):
		return http.StatusServiceUnavailable
	case kcerrors.IsGrantFailed(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as an HTTP error. Expired sessions and rejected
// tokens become a 401 with a Bearer challenge for realmName.
func WriteError(w http.ResponseWriter, realmName string, err error) {
	status := StatusCode(err)
	if status != http.StatusUnauthorized {
		http.Error(w, http.StatusText(status), status)
		return
	}
	description := DescriptionUnverifiable
	if kcerrors.IsTokenExpired(err) || kcerrors.IsTokensExpired(err) {
		description = DescriptionExpired
	}
	writeChallenge(w, realmName, description)
	http.Error(w, fmt.Sprintf("Invalid token: %s", description), http.StatusUnauthorized)
}

func writeChallenge(w http.ResponseWriter, realmName, description string) {
	w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(realmName, description))
}

// buildWWWAuthenticate builds an RFC 6750 §3 challenge.
func buildWWWAuthenticate(realmName, description string) string {
	parts := []string{
		fmt.Sprintf(`realm="%s"`, EscapeQuotes(realmName)),
		`error="invalid_token"`,
	}
	if description != "" {
		parts = append(parts, fmt.Sprintf(`error_description="%s"`, EscapeQuotes(description)))
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// EscapeQuotes escapes backslashes and double quotes for a quoted-string.
func EscapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
