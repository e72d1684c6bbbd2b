// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"github.com/stacklok/keycloak-oidc/pkg/grant"
	"github.com/stacklok/keycloak-oidc/pkg/networking"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
)

// AcquirerFactory returns the acquirer of client bound to tokenURL.
type AcquirerFactory func(client realm.Client, tokenURL string) (grant.Acquirer, error)

// HTTPAcquirers returns an AcquirerFactory of grant.Clients sending requests
// through httpClient. Pass realm.Cache.HTTPClient so that calls to realms
// with an internal server URL are routed there.
func HTTPAcquirers(httpClient networking.HTTPClient, opts ...grant.Option) AcquirerFactory {
	return func(client realm.Client, tokenURL string) (grant.Acquirer, error) {
		clientOpts := append([]grant.Option{grant.WithHTTPClient(httpClient)}, opts...)
		return grant.NewClient(grant.ClientConfig{
			TokenURL:     tokenURL,
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
		}, clientOpts...)
	}
}
