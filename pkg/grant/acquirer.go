// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grant performs OAuth2 grant exchanges against a Keycloak token
// endpoint: authorization code, password, client credentials, refresh,
// token exchange and UMA ticket, plus end-session logout.
package grant

//go:generate mockgen -destination=mocks/mock_acquirer.go -package=mocks -source=acquirer.go Acquirer

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/keycloak-oidc/pkg/tokenset"
)

// Grant types sent as grant_type.
const (
	TypeAuthorizationCode = "authorization_code"
	TypePassword          = "password"
	TypeClientCredentials = "client_credentials"
	TypeRefreshToken      = "refresh_token"
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	TypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	TypeUMATicket = "urn:ietf:params:oauth:grant-type:uma-ticket"
)

// Token types used with token exchange.
const (
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	TokenTypeRefreshToken = "urn:ietf:params:oauth:token-type:refresh_token"
)

const (
	redactedPlaceholder = "[REDACTED]"
	emptyPlaceholder    = "<empty>"
)

// Acquirer performs grant exchanges for one client. Every grant returns the
// clock reading taken immediately before the request was sent; token expiries
// are relative to it.
type Acquirer interface {
	AuthorizationCode(ctx context.Context, code, redirectURI string) (*Response, time.Time, error)
	Password(ctx context.Context, username, password string, scopes ...string) (*Response, time.Time, error)
	ClientCredentials(ctx context.Context, scopes ...string) (*Response, time.Time, error)
	Refresh(ctx context.Context, refreshToken string, scopes ...string) (*Response, time.Time, error)
	TokenExchange(ctx context.Context, req ExchangeRequest) (*Response, time.Time, error)
	UMATicket(ctx context.Context, req UMATicketRequest) (*Response, time.Time, error)
	Logout(ctx context.Context, endSessionURL, refreshToken string) error
}

// Response is a token endpoint response (RFC 6749 section 5.1) with the
// Keycloak refresh_expires_in extension.
type Response struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	Scope            string `json:"scope,omitempty"`
	IssuedTokenType  string `json:"issued_token_type,omitempty"`
}

// Lifetimes returns the parts of the response a TokenSet is built from.
func (r *Response) Lifetimes() tokenset.Lifetimes {
	return tokenset.Lifetimes{
		AccessToken:      r.AccessToken,
		ExpiresIn:        r.ExpiresIn,
		RefreshToken:     r.RefreshToken,
		RefreshExpiresIn: r.RefreshExpiresIn,
	}
}

// TokenSet builds the TokenSet of a response whose request started at initiateTime.
func (r *Response) TokenSet(initiateTime time.Time) tokenset.TokenSet {
	return tokenset.FromResponse(r.Lifetimes(), initiateTime)
}

// String implements fmt.Stringer, redacting tokens.
func (r Response) String() string {
	return fmt.Sprintf("Response{AccessToken: %s, TokenType: %s, ExpiresIn: %d, RefreshToken: %s, RefreshExpiresIn: %d, IDToken: %s}",
		redact(r.AccessToken), r.TokenType, r.ExpiresIn, redact(r.RefreshToken), r.RefreshExpiresIn, redact(r.IDToken))
}

// ExchangeRequest is an RFC 8693 token exchange request.
type ExchangeRequest struct {
	SubjectToken string
	// SubjectTokenType defaults to TokenTypeAccessToken.
	SubjectTokenType string
	Audience         string
	// RequestedTokenType defaults to TokenTypeAccessToken.
	RequestedTokenType string
	Scopes             []string
}

// String implements fmt.Stringer, redacting the subject token.
func (r ExchangeRequest) String() string {
	return fmt.Sprintf("ExchangeRequest{Audience: %s, RequestedTokenType: %s, Scopes: %v, SubjectToken: %s}",
		r.Audience, r.RequestedTokenType, r.Scopes, redact(r.SubjectToken))
}

// UMATicketRequest asks for a requesting party token (RPT) on behalf of the
// holder of AccessToken.
type UMATicketRequest struct {
	AccessToken string
	// Audience is the client id of the resource server.
	Audience string
	// Permissions are "resource#scope" strings restricting the RPT.
	Permissions []string
}

// String implements fmt.Stringer, redacting the access token.
func (r UMATicketRequest) String() string {
	return fmt.Sprintf("UMATicketRequest{Audience: %s, Permissions: %v, AccessToken: %s}",
		r.Audience, r.Permissions, redact(r.AccessToken))
}

func redact(s string) string {
	if s == "" {
		return emptyPlaceholder
	}
	return redactedPlaceholder
}
