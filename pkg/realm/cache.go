// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package realm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/logger"
	"github.com/stacklok/keycloak-oidc/pkg/networking"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
)

// Cache holds the provider metadata of every registered realm. Reads never
// touch the network; metadata only changes through the Refresh methods and
// Load. Each write swaps a whole snapshot, so readers see either the old or
// the new metadata of a realm, never a mix.
type Cache struct {
	store   storage.RealmStore
	client  *http.Client
	routing *networking.InternalRoutingTransport
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.RWMutex
	realms map[string]*entry
}

type entry struct {
	realm Realm

	// writeMu serializes refreshes of this realm.
	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
}

type snapshot struct {
	discovery    *DiscoveryDocument
	uma          *UMAConfiguration
	certs        jwk.Set
	rawDiscovery json.RawMessage
	rawUMA       json.RawMessage
	rawCerts     json.RawMessage
	updatedAt    time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithHTTPClient sets the client used for fetches. Its transport is wrapped
// so that requests to realms with an internal server URL are routed there.
func WithHTTPClient(client *http.Client) CacheOption {
	return func(c *Cache) {
		c.client = client
	}
}

// WithTimeout bounds every fetch.
func WithTimeout(timeout time.Duration) CacheOption {
	return func(c *Cache) {
		c.timeout = timeout
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger. Defaults to the process logger.
func WithLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = l
	}
}

// NewCache creates an empty Cache persisting metadata to store. A nil store
// disables persistence.
func NewCache(store storage.RealmStore, opts ...CacheOption) *Cache {
	c := &Cache{
		store:   store,
		timeout: networking.HttpTimeout,
		now:     time.Now,
		realms:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Component("realm")
	}

	base := http.DefaultTransport
	timeout := c.timeout
	if c.client != nil {
		if c.client.Transport != nil {
			base = c.client.Transport
		}
		if c.client.Timeout > 0 {
			timeout = c.client.Timeout
		}
	}
	c.routing = &networking.InternalRoutingTransport{Transport: base}
	c.client = &http.Client{Transport: c.routing, Timeout: timeout}
	return c
}

// HTTPClient returns the client the cache fetches with. Requests to the
// public URL of a realm with an internal server URL are sent to the internal
// one, so other server-to-server callers should use it too.
func (c *Cache) HTTPClient() *http.Client {
	return c.client
}

// Register adds a realm. Registering a realm twice replaces its definition
// and drops its cached metadata.
func (c *Cache) Register(r Realm) error {
	if err := r.Validate(); err != nil {
		return kcerrors.NewConfigurationError("invalid realm", err)
	}
	if r.InternalServerURL != "" {
		if err := c.routing.AddRoute(r.ServerURL, r.InternalServerURL); err != nil {
			return kcerrors.NewConfigurationError("invalid realm", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := &entry{realm: r}
	e.snap.Store(&snapshot{})
	c.realms[r.Name] = e
	return nil
}

// Realm returns the definition of a registered realm.
func (c *Cache) Realm(name string) (Realm, error) {
	e, err := c.entry(name)
	if err != nil {
		return Realm{}, err
	}
	return e.realm, nil
}

// Realms returns the names of all registered realms, sorted.
func (c *Cache) Realms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.realms))
	for name := range c.realms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Cache) entry(name string) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.realms[name]
	if !ok {
		return nil, kcerrors.NewConfigurationError(fmt.Sprintf("realm %q is not registered", name), nil)
	}
	return e, nil
}

// Certs returns the signing keys of a realm.
func (c *Cache) Certs(name string) (jwk.Set, error) {
	e, err := c.entry(name)
	if err != nil {
		return nil, err
	}
	snap := e.snap.Load()
	if snap.certs == nil {
		return nil, kcerrors.NewConfigurationError(fmt.Sprintf("certificates of realm %q are not loaded", name), nil)
	}
	return snap.certs, nil
}

// Discovery returns the OIDC discovery document of a realm.
func (c *Cache) Discovery(name string) (*DiscoveryDocument, error) {
	e, err := c.entry(name)
	if err != nil {
		return nil, err
	}
	snap := e.snap.Load()
	if snap.discovery == nil {
		return nil, kcerrors.NewConfigurationError(fmt.Sprintf("discovery of realm %q is not loaded", name), nil)
	}
	d := *snap.discovery
	return &d, nil
}

// UMA returns the UMA 2.0 configuration of a realm.
func (c *Cache) UMA(name string) (*UMAConfiguration, error) {
	e, err := c.entry(name)
	if err != nil {
		return nil, err
	}
	snap := e.snap.Load()
	if snap.uma == nil {
		return nil, kcerrors.NewConfigurationError(fmt.Sprintf("UMA configuration of realm %q is not loaded", name), nil)
	}
	u := *snap.uma
	return &u, nil
}

// Issuer returns the expected issuer of tokens of a realm: the discovery
// issuer when loaded, otherwise the default Keycloak issuer.
func (c *Cache) Issuer(name string) (string, error) {
	e, err := c.entry(name)
	if err != nil {
		return "", err
	}
	if d := e.snap.Load().discovery; d != nil && d.Issuer != "" {
		return d.Issuer, nil
	}
	return e.realm.DefaultIssuer(), nil
}

// UpdatedAt returns when the metadata of a realm last changed.
func (c *Cache) UpdatedAt(name string) (time.Time, error) {
	e, err := c.entry(name)
	if err != nil {
		return time.Time{}, err
	}
	return e.snap.Load().updatedAt, nil
}

// RefreshDiscovery fetches the OIDC discovery document of a realm.
func (c *Cache) RefreshDiscovery(ctx context.Context, name string) error {
	e, err := c.entry(name)
	if err != nil {
		return err
	}

	doc, err := fetch[DiscoveryDocument](ctx, c, e.realm.DiscoveryURL())
	if err != nil {
		return fetchError("discovery", name, err)
	}
	doc.rewrite(e.realm.ToPublic)
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode discovery: %w", err)
	}

	return c.update(ctx, e, func(s *snapshot) {
		s.discovery = &doc
		s.rawDiscovery = raw
	})
}

// RefreshUMA fetches the UMA 2.0 configuration of a realm.
func (c *Cache) RefreshUMA(ctx context.Context, name string) error {
	e, err := c.entry(name)
	if err != nil {
		return err
	}

	cfg, err := fetch[UMAConfiguration](ctx, c, e.realm.UMADiscoveryURL())
	if err != nil {
		return fetchError("UMA configuration", name, err)
	}
	cfg.rewrite(e.realm.ToPublic)
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode UMA configuration: %w", err)
	}

	return c.update(ctx, e, func(s *snapshot) {
		s.uma = &cfg
		s.rawUMA = raw
	})
}

// RefreshCerts fetches the signing keys of a realm from the discovery
// jwks_uri, or from the default certs endpoint before discovery is loaded.
func (c *Cache) RefreshCerts(ctx context.Context, name string) error {
	e, err := c.entry(name)
	if err != nil {
		return err
	}

	certsURL := e.realm.DefaultCertsURL()
	if d := e.snap.Load().discovery; d != nil && d.JWKSURI != "" {
		certsURL = d.JWKSURI
	}

	raw, err := fetch[json.RawMessage](ctx, c, certsURL)
	if err != nil {
		return fetchError("certificates", name, err)
	}
	set, err := jwk.Parse(raw)
	if err != nil {
		return fetchError("certificates", name, fmt.Errorf("invalid JWKS: %w", err))
	}

	return c.update(ctx, e, func(s *snapshot) {
		s.certs = set
		s.rawCerts = raw
	})
}

// Load replaces the cached metadata of a realm with what was last persisted,
// without contacting the provider.
func (c *Cache) Load(ctx context.Context, name string) error {
	e, err := c.entry(name)
	if err != nil {
		return err
	}
	if c.store == nil {
		return kcerrors.NewConfigurationError("realm metadata persistence is disabled", nil)
	}

	meta, err := c.store.GetRealmMetadata(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load metadata of realm %s: %w", name, err)
	}

	next := &snapshot{updatedAt: meta.UpdatedAt}
	if len(meta.Discovery) > 0 {
		var doc DiscoveryDocument
		if err := json.Unmarshal(meta.Discovery, &doc); err != nil {
			return fmt.Errorf("invalid persisted discovery of realm %s: %w", name, err)
		}
		next.discovery, next.rawDiscovery = &doc, meta.Discovery
	}
	if len(meta.UMA) > 0 {
		var cfg UMAConfiguration
		if err := json.Unmarshal(meta.UMA, &cfg); err != nil {
			return fmt.Errorf("invalid persisted UMA configuration of realm %s: %w", name, err)
		}
		next.uma, next.rawUMA = &cfg, meta.UMA
	}
	if len(meta.Certs) > 0 {
		set, err := jwk.Parse(meta.Certs)
		if err != nil {
			return fmt.Errorf("invalid persisted certificates of realm %s: %w", name, err)
		}
		next.certs, next.rawCerts = set, meta.Certs
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.snap.Store(next)
	c.logger.Debug("loaded persisted realm metadata", "realm", name)
	return nil
}

// update copies the current snapshot, applies fn, persists the result and
// publishes it.
func (c *Cache) update(ctx context.Context, e *entry, fn func(*snapshot)) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	next := *e.snap.Load()
	fn(&next)
	next.updatedAt = c.now()

	if c.store != nil {
		err := c.store.StoreRealmMetadata(ctx, &storage.RealmMetadata{
			Realm:     e.realm.Name,
			Discovery: next.rawDiscovery,
			UMA:       next.rawUMA,
			Certs:     next.rawCerts,
			UpdatedAt: next.updatedAt,
		})
		if err != nil {
			// the in-memory snapshot is still worth publishing
			c.logger.Warn("failed to persist realm metadata", "realm", e.realm.Name, "error", err)
		}
	}

	e.snap.Store(&next)
	return nil
}

func fetch[T any](ctx context.Context, c *Cache, url string) (T, error) {
	var zero T
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	// Keycloak serves JWKS as application/jwk-set+json on some versions
	result, err := networking.FetchJSON[T](ctx, c.client, url, networking.WithoutContentTypeValidation())
	if err != nil {
		return zero, err
	}
	return result.Data, nil
}

func fetchError(what, realmName string, err error) error {
	ge := &kcerrors.GrantError{Retryable: true, Cause: err}
	var httpErr *networking.HTTPError
	if errors.As(err, &httpErr) {
		ge.StatusCode = httpErr.StatusCode
	}
	return kcerrors.NewGrantFailedError(fmt.Sprintf("failed to fetch %s of realm %s", what, realmName), ge)
}
