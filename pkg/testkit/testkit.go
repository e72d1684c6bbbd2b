// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package testkit provides a fake Keycloak server for tests.
//
// The server implements the realm endpoints the token lifecycle manager
// talks to: OIDC and UMA discovery, the JWKS, the token endpoint (code,
// password, client credentials, refresh, token exchange and UMA ticket
// grants), userinfo, logout and the legacy entitlement endpoint. Tokens are
// RS256 JWTs signed with a key generated per server.
//
// The file `pkg/testkit/testkit_test.go` shows typical use.
package testkit

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"
)

// Grant types understood by the fake token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantPassword          = "password"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
	GrantTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
	GrantUMATicket         = "urn:ietf:params:oauth:grant-type:uma-ticket"
)

// Keycloak is a fake Keycloak server hosting a single realm.
type Keycloak struct {
	server *httptest.Server

	realm        string
	clientID     string
	clientSecret string
	key          *rsa.PrivateKey
	keyID        string
	publicURL    string
	middlewares  []func(http.Handler) http.Handler
	algorithms   []string

	mu              sync.Mutex
	accessLifetime  time.Duration
	refreshLifetime time.Duration
	tokenDelay      time.Duration
	extraClaims     map[string]any
	roles           []string
	permissions     []map[string]any
	tokenCalls      map[string]int
	forms           map[string]url.Values
	refreshTokens   map[string]tokenRequest
	revoked         map[string]bool
	logouts         []string
	tokenOverride   http.HandlerFunc
	codes           map[string]authorization
	seq             int
}

// KeycloakOption configures a fake Keycloak.
type KeycloakOption func(*Keycloak) error

// WithRealm sets the realm name. Defaults to "acme".
func WithRealm(name string) KeycloakOption {
	return func(k *Keycloak) error {
		if name == "" {
			return fmt.Errorf("realm name cannot be empty")
		}
		k.realm = name
		return nil
	}
}

// WithClient sets the only client accepted by the token endpoint.
func WithClient(id, secret string) KeycloakOption {
	return func(k *Keycloak) error {
		k.clientID, k.clientSecret = id, secret
		return nil
	}
}

// WithTokenLifetimes sets expires_in and refresh_expires_in. A zero refresh
// lifetime makes the server send refresh_expires_in: 0.
func WithTokenLifetimes(access, refresh time.Duration) KeycloakOption {
	return func(k *Keycloak) error {
		k.accessLifetime, k.refreshLifetime = access, refresh
		return nil
	}
}

// WithTokenDelay delays every token endpoint response.
func WithTokenDelay(d time.Duration) KeycloakOption {
	return func(k *Keycloak) error {
		k.tokenDelay = d
		return nil
	}
}

// WithPublicURL makes discovery and token issuers use publicURL instead of
// the server address, as Keycloak behind a proxy does.
func WithPublicURL(publicURL string) KeycloakOption {
	return func(k *Keycloak) error {
		k.publicURL = strings.TrimSuffix(publicURL, "/")
		return nil
	}
}

// WithUserClaims adds claims to every user token.
func WithUserClaims(claims map[string]any) KeycloakOption {
	return func(k *Keycloak) error {
		k.extraClaims = maps.Clone(claims)
		return nil
	}
}

// WithClientRoles sets resource_access[client].roles of issued tokens.
func WithClientRoles(roles ...string) KeycloakOption {
	return func(k *Keycloak) error {
		k.roles = roles
		return nil
	}
}

// WithPermissions sets authorization.permissions of issued RPTs.
func WithPermissions(permissions ...map[string]any) KeycloakOption {
	return func(k *Keycloak) error {
		k.permissions = permissions
		return nil
	}
}

// WithSigningAlgorithms sets id_token_signing_alg_values_supported.
func WithSigningAlgorithms(algs ...string) KeycloakOption {
	return func(k *Keycloak) error {
		k.algorithms = algs
		return nil
	}
}

// WithMiddlewares wraps every route.
func WithMiddlewares(middlewares ...func(http.Handler) http.Handler) KeycloakOption {
	return func(k *Keycloak) error {
		k.middlewares = append(k.middlewares, middlewares...)
		return nil
	}
}

// NewKeycloak starts a fake Keycloak. Call Close when done.
func NewKeycloak(options ...KeycloakOption) (*Keycloak, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	k := &Keycloak{
		realm:           "acme",
		clientID:        "web",
		clientSecret:    "web-secret",
		key:             key,
		keyID:           "test-key-1",
		algorithms:      []string{"RS256"},
		accessLifetime:  5 * time.Minute,
		refreshLifetime: 30 * time.Minute,
		tokenCalls:      make(map[string]int),
		forms:           make(map[string]url.Values),
		refreshTokens:   make(map[string]tokenRequest),
		revoked:         make(map[string]bool),
	}
	for _, option := range options {
		if err := option(k); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range k.middlewares {
		r.Use(mw)
	}
	r.Route("/realms/{realm}", func(r chi.Router) {
		r.Use(k.realmOnly)
		r.Get("/.well-known/openid-configuration", k.discoveryHandler)
		r.Get("/.well-known/uma2-configuration", k.umaHandler)
		r.Get("/protocol/openid-connect/auth", k.authorizeHandler)
		r.Get("/protocol/openid-connect/certs", k.certsHandler)
		r.Post("/protocol/openid-connect/token", k.tokenHandler)
		r.Get("/protocol/openid-connect/userinfo", k.userinfoHandler)
		r.Post("/protocol/openid-connect/logout", k.logoutHandler)
		r.Get("/authz/entitlement/{client}", k.legacyEntitlementHandler)
	})

	k.server = httptest.NewServer(r)
	return k, nil
}

// Close shuts the server down.
func (k *Keycloak) Close() {
	k.server.Close()
}

// URL returns the address the server listens on.
func (k *Keycloak) URL() string {
	return k.server.URL
}

// Client returns an HTTP client for the server.
func (k *Keycloak) Client() *http.Client {
	return k.server.Client()
}

// Realm returns the realm name.
func (k *Keycloak) Realm() string {
	return k.realm
}

// ClientID returns the configured client id.
func (k *Keycloak) ClientID() string {
	return k.clientID
}

// ClientSecret returns the configured client secret.
func (k *Keycloak) ClientSecret() string {
	return k.clientSecret
}

// KeyID returns the kid of the signing key.
func (k *Keycloak) KeyID() string {
	return k.keyID
}

// PrivateKey returns the signing key.
func (k *Keycloak) PrivateKey() *rsa.PrivateKey {
	return k.key
}

// ServerURL returns the public base URL of the server.
func (k *Keycloak) ServerURL() string {
	if k.publicURL != "" {
		return k.publicURL
	}
	return k.server.URL
}

// Issuer returns the issuer of the realm.
func (k *Keycloak) Issuer() string {
	return k.ServerURL() + "/realms/" + k.realm
}

// TokenCalls returns how many token requests of grantType were received.
func (k *Keycloak) TokenCalls(grantType string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tokenCalls[grantType]
}

// LastForm returns the form of the last token request of grantType.
func (k *Keycloak) LastForm(grantType string) url.Values {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.forms[grantType]
}

// Logouts returns the refresh tokens sent to the logout endpoint.
func (k *Keycloak) Logouts() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.logouts...)
}

// RevokeRefreshToken makes later refreshes with rt fail with invalid_grant.
func (k *Keycloak) RevokeRefreshToken(rt string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.revoked[rt] = true
}

// SetTokenHandler replaces the token endpoint. Calls are still counted.
func (k *Keycloak) SetTokenHandler(h http.HandlerFunc) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tokenOverride = h
}

// SetPermissions replaces authorization.permissions of later RPTs.
func (k *Keycloak) SetPermissions(permissions ...map[string]any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.permissions = permissions
}

// JWKS returns the public key set served by the certs endpoint.
func (k *Keycloak) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &k.key.PublicKey,
		KeyID:     k.keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

// Sign returns an RS256 JWT with the given claims signed by the server key.
func (k *Keycloak) Sign(claims map[string]any) (string, error) {
	return SignRS256(k.key, k.keyID, claims)
}

// SignRS256 signs claims with key. An empty kid omits the header.
func SignRS256(key *rsa.PrivateKey, kid string, claims map[string]any) (string, error) {
	opts := &jose.SignerOptions{}
	opts.WithType("JWT")
	if kid != "" {
		opts.WithHeader("kid", kid)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return obj.CompactSerialize()
}

// AccessTokenHash computes the OIDC at_hash of an RS256-signed access token.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func (k *Keycloak) realmOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "realm") != k.realm {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Realm does not exist"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
