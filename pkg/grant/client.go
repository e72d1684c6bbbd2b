// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/logger"
	"github.com/stacklok/keycloak-oidc/pkg/networking"
)

// ClientConfig identifies the client and the token endpoint it talks to.
type ClientConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	// AuthStyle selects how client credentials are sent. The zero value
	// (oauth2.AuthStyleAutoDetect) and oauth2.AuthStyleInHeader use HTTP
	// Basic; oauth2.AuthStyleInParams uses form parameters.
	AuthStyle oauth2.AuthStyle
}

// Validate checks the configuration.
func (c ClientConfig) Validate() error {
	if c.TokenURL == "" {
		return fmt.Errorf("token url is required")
	}
	if _, err := url.Parse(c.TokenURL); err != nil {
		return fmt.Errorf("token url is not a valid URL: %w", err)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	return nil
}

// String implements fmt.Stringer, redacting the client secret.
func (c ClientConfig) String() string {
	return fmt.Sprintf("ClientConfig{TokenURL: %s, ClientID: %s, ClientSecret: %s}",
		c.TokenURL, c.ClientID, redact(c.ClientSecret))
}

// Client is the HTTP Acquirer.
type Client struct {
	cfg     ClientConfig
	client  networking.HTTPClient
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

var _ Acquirer = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client networking.HTTPClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithClock replaces time.Now for initiate times.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithTimeout bounds every request. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates an Acquirer for cfg.
func NewClient(cfg ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, kcerrors.NewConfigurationError("invalid grant client", err)
	}
	c := &Client{
		cfg:     cfg,
		timeout: networking.HttpTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: c.timeout}
	}
	if c.logger == nil {
		c.logger = logger.Component("grant")
	}
	return c, nil
}

// AuthorizationCode exchanges an authorization code.
func (c *Client) AuthorizationCode(ctx context.Context, code, redirectURI string) (*Response, time.Time, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return c.token(ctx, TypeAuthorizationCode, form)
}

// Password performs a resource owner password credentials grant.
func (c *Client) Password(ctx context.Context, username, password string, scopes ...string) (*Response, time.Time, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	setScopes(form, scopes)
	return c.token(ctx, TypePassword, form)
}

// ClientCredentials performs a client credentials grant.
func (c *Client) ClientCredentials(ctx context.Context, scopes ...string) (*Response, time.Time, error) {
	form := url.Values{}
	setScopes(form, scopes)
	return c.token(ctx, TypeClientCredentials, form)
}

// Refresh performs a refresh token grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string, scopes ...string) (*Response, time.Time, error) {
	form := url.Values{}
	form.Set("refresh_token", refreshToken)
	setScopes(form, scopes)
	return c.token(ctx, TypeRefreshToken, form)
}

// TokenExchange performs an RFC 8693 token exchange.
func (c *Client) TokenExchange(ctx context.Context, req ExchangeRequest) (*Response, time.Time, error) {
	if req.SubjectToken == "" {
		return nil, time.Time{}, kcerrors.NewConfigurationError("subject token is required", nil)
	}
	form := url.Values{}
	form.Set("subject_token", req.SubjectToken)
	form.Set("subject_token_type", valueOr(req.SubjectTokenType, TokenTypeAccessToken))
	form.Set("requested_token_type", valueOr(req.RequestedTokenType, TokenTypeAccessToken))
	if req.Audience != "" {
		form.Set("audience", req.Audience)
	}
	setScopes(form, req.Scopes)
	return c.token(ctx, TypeTokenExchange, form)
}

// UMATicket requests an RPT. The request is authenticated by the access
// token, not the client credentials.
func (c *Client) UMATicket(ctx context.Context, req UMATicketRequest) (*Response, time.Time, error) {
	if req.AccessToken == "" {
		return nil, time.Time{}, kcerrors.NewConfigurationError("access token is required", nil)
	}
	form := url.Values{}
	form.Set("grant_type", TypeUMATicket)
	form.Set("audience", valueOr(req.Audience, c.cfg.ClientID))
	for _, p := range req.Permissions {
		form.Add("permission", p)
	}
	return c.post(ctx, TypeUMATicket, form, networking.WithBearerToken(req.AccessToken))
}

// Logout ends the Keycloak session of refreshToken at endSessionURL.
func (c *Client) Logout(ctx context.Context, endSessionURL, refreshToken string) error {
	form := url.Values{}
	form.Set("refresh_token", refreshToken)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts := append(c.clientAuth(form), networking.WithErrorHandler(oauthErrorHandler))
	if err := networking.PostForm(ctx, c.client, endSessionURL, form, opts...); err != nil {
		return kcerrors.NewGrantFailedError("logout failed", classify(err))
	}
	return nil
}

func (c *Client) token(ctx context.Context, grantType string, form url.Values) (*Response, time.Time, error) {
	form.Set("grant_type", grantType)
	return c.post(ctx, grantType, form, c.clientAuth(form)...)
}

func (c *Client) post(
	ctx context.Context, grantType string, form url.Values, opts ...networking.FetchOption,
) (*Response, time.Time, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts = append(opts,
		networking.WithErrorHandler(oauthErrorHandler),
		// some proxies rewrite the content type of token responses
		networking.WithoutContentTypeValidation(),
	)

	initiate := c.now()
	result, err := networking.FetchJSONWithForm[Response](ctx, c.client, c.cfg.TokenURL, form, opts...)
	if err != nil {
		ge := classify(err)
		c.logger.Debug("grant failed", "grant_type", grantType, "client_id", c.cfg.ClientID, "error", ge)
		return nil, initiate, kcerrors.NewGrantFailedError(fmt.Sprintf("%s grant failed", grantType), ge)
	}

	resp := result.Data
	if resp.AccessToken == "" {
		ge := &kcerrors.GrantError{StatusCode: result.StatusCode, Description: "empty access_token"}
		return nil, initiate, kcerrors.NewGrantFailedError(fmt.Sprintf("%s grant failed", grantType), ge)
	}
	return &resp, initiate, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// clientAuth returns the options authenticating the client, adding form
// parameters to form when the auth style asks for it.
func (c *Client) clientAuth(form url.Values) []networking.FetchOption {
	if c.cfg.AuthStyle == oauth2.AuthStyleInParams {
		form.Set("client_id", c.cfg.ClientID)
		if c.cfg.ClientSecret != "" {
			form.Set("client_secret", c.cfg.ClientSecret)
		}
		return nil
	}
	return []networking.FetchOption{networking.WithBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)}
}

// oAuthError is an RFC 6749 section 5.2 error response.
type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func oauthErrorHandler(resp *http.Response, body []byte) error {
	var oe oAuthError
	if err := json.Unmarshal(body, &oe); err != nil || oe.Error == "" {
		return nil
	}
	return &kcerrors.GrantError{
		Code:        oe.Error,
		Description: oe.ErrorDescription,
		StatusCode:  resp.StatusCode,
		Retryable:   resp.StatusCode >= http.StatusInternalServerError || oe.Error == "temporarily_unavailable",
	}
}

// classify turns a fetch error into a GrantError. Timeouts, network errors
// and 5xx/429 responses are retryable; provider rejections are not.
func classify(err error) *kcerrors.GrantError {
	var ge *kcerrors.GrantError
	if errors.As(err, &ge) {
		return ge
	}

	ge = &kcerrors.GrantError{Cause: err}
	var httpErr *networking.HTTPError
	var netErr net.Error
	var urlErr *url.Error
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &httpErr):
		ge.StatusCode = httpErr.StatusCode
		ge.Retryable = httpErr.StatusCode >= http.StatusInternalServerError ||
			httpErr.StatusCode == http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		ge.Retryable = true
	case errors.Is(err, context.Canceled):
		ge.Retryable = false
	case errors.As(err, &netErr), errors.As(err, &urlErr):
		ge.Retryable = true
	case errors.As(err, &syntaxErr):
		// a 200 with an unparsable body, typically an intercepting proxy
		ge.Retryable = true
	}
	return ge
}

func setScopes(form url.Values, scopes []string) {
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
