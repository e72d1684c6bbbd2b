// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tenant resolves the realm an incoming request belongs to.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrNoRealm is returned when a request cannot be mapped to a realm.
var ErrNoRealm = errors.New("no realm for request")

// DefaultHeader is the header read by the header strategy.
const DefaultHeader = "X-Keycloak-Realm"

// Resolver maps a request to a realm name.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) (string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(r *http.Request) (string, error) {
	return f(r)
}

// Static resolves every request to name.
func Static(name string) Resolver {
	return ResolverFunc(func(*http.Request) (string, error) {
		return name, nil
	})
}

// Header resolves the realm from a request header.
func Header(name string) Resolver {
	return ResolverFunc(func(r *http.Request) (string, error) {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("%w: header %s is empty", ErrNoRealm, name)
	})
}

// Host resolves the realm from the request host, ignoring the port. Host
// names are matched case insensitively.
func Host(hosts map[string]string) Resolver {
	normalized := make(map[string]string, len(hosts))
	for host, realmName := range hosts {
		normalized[strings.ToLower(host)] = realmName
	}
	return ResolverFunc(func(r *http.Request) (string, error) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if realmName, ok := normalized[strings.ToLower(host)]; ok {
			return realmName, nil
		}
		return "", fmt.Errorf("%w: host %s", ErrNoRealm, host)
	})
}

// PathPrefix resolves the realm from the first path segment after prefix,
// e.g. "/tenants/acme/orders" with prefix "/tenants" resolves to "acme".
func PathPrefix(prefix string) Resolver {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix != "/" {
		prefix += "/"
	}
	return ResolverFunc(func(r *http.Request) (string, error) {
		rest, ok := strings.CutPrefix(r.URL.Path, prefix)
		if !ok {
			return "", fmt.Errorf("%w: path %s is outside %s", ErrNoRealm, r.URL.Path, prefix)
		}
		realmName, _, _ := strings.Cut(rest, "/")
		if realmName == "" {
			return "", fmt.Errorf("%w: path %s names no realm", ErrNoRealm, r.URL.Path)
		}
		return realmName, nil
	})
}

type realmContextKey struct{}

// WithRealm stores the realm name in ctx.
func WithRealm(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, realmContextKey{}, name)
}

// RealmFromContext returns the realm stored by WithRealm or Middleware.
func RealmFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(realmContextKey{}).(string)
	return name, ok && name != ""
}

// Middleware resolves the realm of every request and stores it in the
// request context. Requests without a realm get a 404.
func Middleware(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, err := resolver.Resolve(r)
			if err != nil {
				http.Error(w, "Unknown realm", http.StatusNotFound)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRealm(r.Context(), name)))
		})
	}
}
