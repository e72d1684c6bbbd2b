// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package realm

import "slices"

// DefaultSigningAlgorithm is assumed when discovery lists no algorithms.
const DefaultSigningAlgorithm = "RS256"

// DiscoveryDocument is the subset of the OIDC discovery document used here.
type DiscoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                          string   `json:"jwks_uri"`
	EndSessionEndpoint               string   `json:"end_session_endpoint,omitempty"`
	IntrospectionEndpoint            string   `json:"introspection_endpoint,omitempty"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
	GrantTypesSupported              []string `json:"grant_types_supported,omitempty"`
	ScopesSupported                  []string `json:"scopes_supported,omitempty"`
}

// SigningAlgorithms returns the algorithms tokens of this realm may be signed with.
func (d *DiscoveryDocument) SigningAlgorithms() []string {
	if d == nil || len(d.IDTokenSigningAlgValuesSupported) == 0 {
		return []string{DefaultSigningAlgorithm}
	}
	return slices.Clone(d.IDTokenSigningAlgValuesSupported)
}

// SupportsGrant reports whether the realm advertises grantType. An empty
// list is taken as support for everything.
func (d *DiscoveryDocument) SupportsGrant(grantType string) bool {
	return len(d.GrantTypesSupported) == 0 || slices.Contains(d.GrantTypesSupported, grantType)
}

func (d *DiscoveryDocument) rewrite(fn func(string) string) {
	for _, field := range []*string{
		&d.Issuer,
		&d.AuthorizationEndpoint,
		&d.TokenEndpoint,
		&d.UserinfoEndpoint,
		&d.JWKSURI,
		&d.EndSessionEndpoint,
		&d.IntrospectionEndpoint,
	} {
		*field = fn(*field)
	}
}

// UMAConfiguration is the subset of the UMA 2.0 discovery document used here.
type UMAConfiguration struct {
	Issuer                       string `json:"issuer"`
	TokenEndpoint                string `json:"token_endpoint"`
	ResourceRegistrationEndpoint string `json:"resource_registration_endpoint,omitempty"`
	PermissionEndpoint           string `json:"permission_endpoint,omitempty"`
	PolicyEndpoint               string `json:"policy_endpoint,omitempty"`
	IntrospectionEndpoint        string `json:"introspection_endpoint,omitempty"`
	JWKSURI                      string `json:"jwks_uri,omitempty"`
}

func (u *UMAConfiguration) rewrite(fn func(string) string) {
	for _, field := range []*string{
		&u.Issuer,
		&u.TokenEndpoint,
		&u.ResourceRegistrationEndpoint,
		&u.PermissionEndpoint,
		&u.PolicyEndpoint,
		&u.IntrospectionEndpoint,
		&u.JWKSURI,
	} {
		*field = fn(*field)
	}
}
