// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Route maps the public base URL of a server to the address used to reach it
// from inside the deployment.
type Route struct {
	Public   *url.URL
	Internal *url.URL
}

// InternalRoutingTransport sends requests for a public base URL to its
// internal address. The Host header keeps the public host and
// X-Forwarded-Proto carries the public scheme, so the server builds its
// public URLs exactly as it would for a browser.
//
// Requests sent directly to an internal address get the same headers.
type InternalRoutingTransport struct {
	Transport http.RoundTripper

	mu     sync.RWMutex
	routes []Route
}

// AddRoute registers a public to internal mapping.
func (t *InternalRoutingTransport) AddRoute(publicURL, internalURL string) error {
	pub, err := parseBaseURL(publicURL)
	if err != nil {
		return fmt.Errorf("invalid public URL: %w", err)
	}
	internal, err := parseBaseURL(internalURL)
	if err != nil {
		return fmt.Errorf("invalid internal URL: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, Route{Public: pub, Internal: internal})
	return nil
}

// Routes returns a copy of the registered routes.
func (t *InternalRoutingTransport) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Route(nil), t.routes...)
}

// RoundTrip rewrites the request if it matches a route and forwards it.
func (t *InternalRoutingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	route, internal, ok := t.match(req.URL)
	if !ok {
		return t.Transport.RoundTrip(req)
	}

	newReq := req.Clone(req.Context())
	if !internal {
		newReq.URL.Scheme = route.Internal.Scheme
		newReq.URL.Host = route.Internal.Host
		newReq.URL.Path = joinPath(route.Internal.Path, strings.TrimPrefix(req.URL.Path, route.Public.Path))
		newReq.URL.RawPath = ""
	}
	newReq.Host = route.Public.Host
	newReq.Header.Set("X-Forwarded-Proto", route.Public.Scheme)
	newReq.Header.Set("X-Forwarded-Host", route.Public.Host)

	return t.Transport.RoundTrip(newReq)
}

func (t *InternalRoutingTransport) match(u *url.URL) (Route, bool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes {
		if sameBase(u, r.Public) {
			return r, false, true
		}
		if sameBase(u, r.Internal) {
			return r, true, true
		}
	}
	return Route{}, false, false
}

func sameBase(u, base *url.URL) bool {
	if !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
		return false
	}
	if base.Path == "" {
		return true
	}
	return u.Path == base.Path || strings.HasPrefix(u.Path, base.Path+"/")
}

func joinPath(base, rest string) string {
	switch {
	case rest == "":
		return base
	case base == "":
		return rest
	default:
		return base + "/" + strings.TrimPrefix(rest, "/")
	}
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q must be an absolute URL", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// RewritePrefix replaces a leading from prefix of s with to. Strings without
// the prefix are returned unchanged.
func RewritePrefix(s, from, to string) string {
	from = strings.TrimSuffix(from, "/")
	to = strings.TrimSuffix(to, "/")
	if from == "" || !strings.HasPrefix(s, from) {
		return s
	}
	rest := s[len(from):]
	if rest != "" && !strings.HasPrefix(rest, "/") && !strings.HasPrefix(rest, "?") {
		return s
	}
	return to + rest
}
