// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package testkit

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v4"
)

type authorization struct {
	username    string
	nonce       string
	redirectURI string
}

// IssueCode registers an authorization code for username as if the user had
// logged in through the browser. The ID token issued for it carries nonce.
func (k *Keycloak) IssueCode(username, nonce, redirectURI string) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.issueCodeLocked(username, nonce, redirectURI)
}

func (k *Keycloak) issueCodeLocked(username, nonce, redirectURI string) string {
	if k.codes == nil {
		k.codes = make(map[string]authorization)
	}
	code := k.nextIDLocked("code")
	k.codes[code] = authorization{username: username, nonce: nonce, redirectURI: redirectURI}
	return code
}

func (k *Keycloak) nextIDLocked(prefix string) string {
	k.seq++
	return fmt.Sprintf("%s-%d", prefix, k.seq)
}

func (k *Keycloak) realmURL() string {
	return k.Issuer()
}

func (k *Keycloak) discoveryHandler(w http.ResponseWriter, _ *http.Request) {
	base := k.realmURL()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/protocol/openid-connect/auth",
		"token_endpoint":                        base + "/protocol/openid-connect/token",
		"userinfo_endpoint":                     base + "/protocol/openid-connect/userinfo",
		"jwks_uri":                              base + "/protocol/openid-connect/certs",
		"end_session_endpoint":                  base + "/protocol/openid-connect/logout",
		"introspection_endpoint":                base + "/protocol/openid-connect/token/introspect",
		"id_token_signing_alg_values_supported": k.algorithms,
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"grant_types_supported": []string{
			GrantAuthorizationCode, GrantPassword, GrantClientCredentials,
			GrantRefreshToken, GrantTokenExchange, GrantUMATicket,
		},
		"scopes_supported": []string{"openid", "profile", "email", "uma_protection"},
	})
}

func (k *Keycloak) umaHandler(w http.ResponseWriter, _ *http.Request) {
	base := k.realmURL()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"token_endpoint":                        base + "/protocol/openid-connect/token",
		"resource_registration_endpoint":        base + "/authz/protection/resource_set",
		"permission_endpoint":                   base + "/authz/protection/permission",
		"policy_endpoint":                       base + "/authz/protection/uma-policy",
		"introspection_endpoint":                base + "/protocol/openid-connect/token/introspect",
		"jwks_uri":                              base + "/protocol/openid-connect/certs",
		"grant_types_supported":                 []string{GrantUMATicket},
		"response_modes_supported":              []string{"query"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	})
}

func (k *Keycloak) certsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, k.JWKS())
}

func (k *Keycloak) authorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != k.clientID || q.Get("response_type") != "code" {
		writeJSON(w, http.StatusBadRequest, oauthError("invalid_request", "unknown client or response type"))
		return
	}
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		writeJSON(w, http.StatusBadRequest, oauthError("invalid_request", "invalid redirect_uri"))
		return
	}
	username := q.Get("login_hint")
	if username == "" {
		username = "alice"
	}

	k.mu.Lock()
	code := k.issueCodeLocked(username, q.Get("nonce"), redirectURI)
	k.mu.Unlock()

	params := target.Query()
	params.Set("code", code)
	params.Set("state", q.Get("state"))
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (k *Keycloak) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthError("invalid_request", err.Error()))
		return
	}
	grantType := r.PostForm.Get("grant_type")

	k.mu.Lock()
	k.tokenCalls[grantType]++
	k.forms[grantType] = cloneValues(r.PostForm)
	override := k.tokenOverride
	delay := k.tokenDelay
	k.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if override != nil {
		override(w, r)
		return
	}

	// UMA ticket requests are authenticated by the user's bearer token
	if grantType == GrantUMATicket {
		k.umaTicketGrant(w, r)
		return
	}

	clientID, ok := k.authenticateClient(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, oauthError("invalid_client", "Invalid client or Invalid client credentials"))
		return
	}

	switch grantType {
	case GrantAuthorizationCode:
		k.authorizationCodeGrant(w, r)
	case GrantPassword:
		k.passwordGrant(w, r)
	case GrantClientCredentials:
		k.writeTokens(w, tokenRequest{
			subject:  "service-account-" + clientID,
			username: "service-account-" + clientID,
			azp:      clientID,
			scope:    r.PostForm.Get("scope"),
		})
	case GrantRefreshToken:
		k.refreshGrant(w, r)
	case GrantTokenExchange:
		k.exchangeGrant(w, r)
	default:
		writeJSON(w, http.StatusBadRequest, oauthError("unsupported_grant_type", "Unsupported grant_type"))
	}
}

func (k *Keycloak) authenticateClient(r *http.Request) (string, bool) {
	id, secret, ok := r.BasicAuth()
	if ok {
		var err error
		if id, err = url.QueryUnescape(id); err != nil {
			return "", false
		}
		if secret, err = url.QueryUnescape(secret); err != nil {
			return "", false
		}
	} else {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	return id, id == k.clientID && secret == k.clientSecret
}

func (k *Keycloak) authorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	k.mu.Lock()
	auth, ok := k.codes[code]
	delete(k.codes, code)
	k.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusBadRequest, oauthError("invalid_grant", "Code not valid"))
		return
	}
	if auth.redirectURI != "" && auth.redirectURI != r.PostForm.Get("redirect_uri") {
		writeJSON(w, http.StatusBadRequest, oauthError("invalid_grant", "Incorrect redirect_uri"))
		return
	}
	k.writeTokens(w, tokenRequest{
		subject:  subjectFor(auth.username),
		username: auth.username,
		azp:      k.clientID,
		nonce:    auth.nonce,
		scope:    "openid profile email",
		idToken:  true,
	})
}

func (k *Keycloak) passwordGrant(w http.ResponseWriter, r *http.Request) {
	username := r.PostForm.Get("username")
	if username == "" || r.PostForm.Get("password") == "wrong" {
		writeJSON(w, http.StatusUnauthorized, oauthError("invalid_grant", "Invalid user credentials"))
		return
	}
	scope := r.PostForm.Get("scope")
	k.writeTokens(w, tokenRequest{
		subject:  subjectFor(username),
		username: username,
		azp:      k.clientID,
		scope:    scope,
		idToken:  slices.Contains(strings.Fields(scope), "openid"),
	})
}

func (k *Keycloak) refreshGrant(w http.ResponseWriter, r *http.Request) {
	rt := r.PostForm.Get("refresh_token")
	k.mu.Lock()
	owner, ok := k.refreshTokens[rt]
	revoked := k.revoked[rt]
	k.mu.Unlock()

	if !ok || revoked {
		writeJSON(w, http.StatusBadRequest, oauthError("invalid_grant", "Token is not active"))
		return
	}
	k.writeTokens(w, owner)
}

func (k *Keycloak) exchangeGrant(w http.ResponseWriter, r *http.Request) {
	claims, err := k.verify(r.PostForm.Get("subject_token"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, oauthError("invalid_token", "Invalid token"))
		return
	}
	audience := r.PostForm.Get("audience")
	if audience == "" {
		audience = k.clientID
	}
	sub, _ := claims["sub"].(string)
	username, _ := claims["preferred_username"].(string)
	k.writeTokens(w, tokenRequest{
		subject:  sub,
		username: username,
		audience: audience,
		azp:      audience,
		scope:    r.PostForm.Get("scope"),
	})
}

func (k *Keycloak) umaTicketGrant(w http.ResponseWriter, r *http.Request) {
	claims, err := k.verify(bearer(r))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, oauthError("invalid_token", "Invalid bearer token"))
		return
	}

	k.mu.Lock()
	permissions := slices.Clone(k.permissions)
	k.mu.Unlock()

	if requested := r.PostForm["permission"]; len(requested) > 0 {
		permissions = filterPermissions(permissions, requested)
		if len(permissions) == 0 {
			writeJSON(w, http.StatusForbidden, oauthError("access_denied", "not_authorized"))
			return
		}
	}

	sub, _ := claims["sub"].(string)
	username, _ := claims["preferred_username"].(string)
	audience := r.PostForm.Get("audience")
	if audience == "" {
		audience = k.clientID
	}
	k.writeTokens(w, tokenRequest{
		subject:     sub,
		username:    username,
		audience:    audience,
		azp:         audience,
		permissions: permissions,
	})
}

func (k *Keycloak) userinfoHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := k.verify(bearer(r))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, oauthError("invalid_token", "Token verification failed"))
		return
	}
	info := map[string]any{}
	for _, name := range []string{"sub", "preferred_username", "email", "email_verified", "given_name", "family_name", "name"} {
		if v, ok := claims[name]; ok {
			info[name] = v
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (k *Keycloak) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthError("invalid_request", err.Error()))
		return
	}
	if _, ok := k.authenticateClient(r); !ok {
		writeJSON(w, http.StatusUnauthorized, oauthError("unauthorized_client", "Invalid client credentials"))
		return
	}
	rt := r.PostForm.Get("refresh_token")

	k.mu.Lock()
	k.logouts = append(k.logouts, rt)
	_, known := k.refreshTokens[rt]
	k.revoked[rt] = true
	k.mu.Unlock()

	if !known {
		writeJSON(w, http.StatusBadRequest, oauthError("invalid_grant", "Invalid refresh token"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (k *Keycloak) legacyEntitlementHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := k.verify(bearer(r))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, oauthError("invalid_token", "Invalid bearer token"))
		return
	}

	k.mu.Lock()
	permissions := slices.Clone(k.permissions)
	k.tokenCalls["entitlement"]++
	k.mu.Unlock()

	sub, _ := claims["sub"].(string)
	client := chi.URLParam(r, "client")
	rpt, err := k.sign(tokenRequest{subject: sub, audience: client, azp: client, permissions: permissions}, time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, oauthError("server_error", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"rpt": rpt})
}

type tokenRequest struct {
	subject     string
	username    string
	audience    string
	azp         string
	nonce       string
	scope       string
	idToken     bool
	permissions []map[string]any
}

func (k *Keycloak) writeTokens(w http.ResponseWriter, req tokenRequest) {
	now := time.Now()
	access, err := k.sign(req, now)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, oauthError("server_error", err.Error()))
		return
	}

	k.mu.Lock()
	refresh := k.nextIDLocked("refresh")
	k.refreshTokens[refresh] = req
	accessLifetime, refreshLifetime := k.accessLifetime, k.refreshLifetime
	k.mu.Unlock()

	resp := map[string]any{
		"access_token":       access,
		"token_type":         "Bearer",
		"expires_in":         int64(accessLifetime / time.Second),
		"refresh_token":      refresh,
		"refresh_expires_in": int64(refreshLifetime / time.Second),
		"scope":              req.scope,
		"session_state":      "session-" + req.subject,
	}
	if req.idToken {
		idClaims := k.claimsFor(req, now)
		idClaims["aud"] = k.clientID
		idClaims["typ"] = "ID"
		idClaims["at_hash"] = AccessTokenHash(access)
		if req.nonce != "" {
			idClaims["nonce"] = req.nonce
		}
		idToken, err := k.Sign(idClaims)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, oauthError("server_error", err.Error()))
			return
		}
		resp["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (k *Keycloak) sign(req tokenRequest, now time.Time) (string, error) {
	claims := k.claimsFor(req, now)
	claims["typ"] = "Bearer"
	claims["aud"] = "account"
	if req.audience != "" {
		claims["aud"] = req.audience
	}
	if req.scope != "" {
		claims["scope"] = req.scope
	}
	if len(req.permissions) > 0 {
		claims["authorization"] = map[string]any{"permissions": req.permissions}
	}
	return k.Sign(claims)
}

func (k *Keycloak) claimsFor(req tokenRequest, now time.Time) map[string]any {
	k.mu.Lock()
	lifetime := k.accessLifetime
	roles := slices.Clone(k.roles)
	extra := maps.Clone(k.extraClaims)
	jti := k.nextIDLocked("jti")
	k.mu.Unlock()

	claims := map[string]any{
		"iss": k.Issuer(),
		"sub": req.subject,
		"azp": req.azp,
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
		"jti": jti,
	}
	if req.username != "" {
		claims["preferred_username"] = req.username
		claims["email"] = req.username + "@example.com"
		claims["email_verified"] = true
		claims["given_name"] = titleCase(req.username)
		claims["family_name"] = "Tester"
		claims["name"] = titleCase(req.username) + " Tester"
	}
	if len(roles) > 0 {
		claims["resource_access"] = map[string]any{
			k.clientID: map[string]any{"roles": roles},
		}
	}
	maps.Copy(claims, extra)
	return claims
}

func (k *Keycloak) verify(token string) (map[string]any, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token")
	}
	parsed, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, err
	}
	payload, err := parsed.Verify(&k.key.PublicKey)
	if err != nil {
		return nil, err
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, err
	}
	if exp, ok := claims["exp"].(float64); ok && time.Now().Unix() > int64(exp) {
		return nil, fmt.Errorf("token expired")
	}
	return claims, nil
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func filterPermissions(permissions []map[string]any, requested []string) []map[string]any {
	var out []map[string]any
	for _, p := range permissions {
		name, _ := p["rsname"].(string)
		for _, req := range requested {
			resource, _, _ := strings.Cut(req, "#")
			if resource == name {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func subjectFor(username string) string {
	return "sub-" + username
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func oauthError(code, description string) map[string]string {
	return map[string]string{"error": code, "error_description": description}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for key, vals := range v {
		out[key] = slices.Clone(vals)
	}
	return out
}
