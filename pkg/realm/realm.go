// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package realm describes Keycloak realms and their clients and caches the
// provider metadata of each realm: OIDC discovery, UMA discovery and the
// signing certificates.
package realm

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/stacklok/keycloak-oidc/pkg/networking"
)

// Realm is a Keycloak realm as seen from this process.
type Realm struct {
	// Name is the realm name.
	Name string

	// ServerURL is the public base URL of the Keycloak server, e.g.
	// https://sso.example.com or https://sso.example.com/auth.
	ServerURL string

	// InternalServerURL is the address server-to-server calls use, if set.
	InternalServerURL string
}

// Client is a client registered in a realm.
type Client struct {
	Realm        string
	ClientID     string
	ClientSecret string
}

// String implements fmt.Stringer without the secret.
func (c Client) String() string {
	return fmt.Sprintf("%s/%s", c.Realm, c.ClientID)
}

// Validate checks that the realm can be used.
func (r Realm) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("realm name is required")
	}
	if err := validateBaseURL(r.ServerURL); err != nil {
		return fmt.Errorf("realm %s: server url: %w", r.Name, err)
	}
	if r.InternalServerURL != "" {
		if err := validateBaseURL(r.InternalServerURL); err != nil {
			return fmt.Errorf("realm %s: internal server url: %w", r.Name, err)
		}
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// BaseURL returns {ServerURL}/realms/{Name}.
func (r Realm) BaseURL() string {
	return strings.TrimSuffix(r.ServerURL, "/") + "/realms/" + url.PathEscape(r.Name)
}

// DefaultIssuer is the issuer Keycloak uses for this realm. Discovery wins
// once it has been loaded.
func (r Realm) DefaultIssuer() string {
	return r.BaseURL()
}

// DiscoveryURL returns the OIDC discovery URL.
func (r Realm) DiscoveryURL() string {
	return r.BaseURL() + "/.well-known/openid-configuration"
}

// UMADiscoveryURL returns the UMA 2.0 discovery URL.
func (r Realm) UMADiscoveryURL() string {
	return r.BaseURL() + "/.well-known/uma2-configuration"
}

// DefaultCertsURL returns the JWKS URL used before discovery is loaded.
func (r Realm) DefaultCertsURL() string {
	return r.BaseURL() + "/protocol/openid-connect/certs"
}

// LegacyEntitlementURL returns the pre-UMA 2.0 entitlement endpoint of clientID.
func (r Realm) LegacyEntitlementURL(clientID string) string {
	return r.BaseURL() + "/authz/entitlement/" + url.PathEscape(clientID)
}

// ToPublic rewrites a URL under InternalServerURL to the same URL under
// ServerURL. Other URLs are returned unchanged.
func (r Realm) ToPublic(s string) string {
	if r.InternalServerURL == "" {
		return s
	}
	return networking.RewritePrefix(s, r.InternalServerURL, r.ServerURL)
}

// ToInternal rewrites a URL under ServerURL to the same URL under
// InternalServerURL. Other URLs are returned unchanged.
func (r Realm) ToInternal(s string) string {
	if r.InternalServerURL == "" {
		return s
	}
	return networking.RewritePrefix(s, r.ServerURL, r.InternalServerURL)
}
