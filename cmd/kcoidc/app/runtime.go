// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/keycloak-oidc/pkg/config"
	"github.com/stacklok/keycloak-oidc/pkg/lifecycle"
	"github.com/stacklok/keycloak-oidc/pkg/logger"
	"github.com/stacklok/keycloak-oidc/pkg/networking"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/storage/backend"
	"github.com/stacklok/keycloak-oidc/pkg/telemetry"
	"github.com/stacklok/keycloak-oidc/pkg/token"
)

// runtime holds the collaborators shared by the commands.
type runtime struct {
	cfg       *config.Config
	backend   *backend.Backend
	telemetry *telemetry.Provider
	metrics   *telemetry.Metrics
	cache     *realm.Cache
}

func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config flag")
	}
	return config.Load(configPath)
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	be, err := backend.Open(ctx, &cfg.Storage, backend.Options{})
	if err != nil {
		return nil, errors.Join(err, provider.Shutdown(ctx))
	}

	rt := &runtime{
		cfg:       cfg,
		backend:   be,
		telemetry: provider,
		metrics:   provider.Metrics(),
	}

	allowHTTP := plainHTTP(cfg)
	if allowHTTP {
		logger.Warnw("plain HTTP provider URLs are configured, provider traffic is not encrypted")
	}
	httpClient, err := networking.NewHttpClientBuilder().
		WithTimeout(cfg.Lifecycle.GrantTimeout).
		WithInsecureHTTP(allowHTTP).
		Build()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to build HTTP client: %w", err), rt.Close(ctx))
	}

	rt.cache = realm.NewCache(be.Storage, realm.WithHTTPClient(httpClient))
	for _, r := range cfg.RealmList() {
		if err := rt.cache.Register(r); err != nil {
			return nil, errors.Join(err, rt.Close(ctx))
		}
	}
	return rt, nil
}

func plainHTTP(cfg *config.Config) bool {
	for _, r := range cfg.Realms {
		if strings.HasPrefix(r.ServerURL, "http://") || strings.HasPrefix(r.InternalServerURL, "http://") {
			return true
		}
	}
	return false
}

func (rt *runtime) manager() (*lifecycle.Manager, error) {
	return lifecycle.NewManager(rt.cfg.Lifecycle, lifecycle.Dependencies{
		Cache:     rt.cache,
		Verifier:  token.NewVerifier(),
		Acquirers: lifecycle.HTTPAcquirers(rt.cache.HTTPClient()),
		Storage:   rt.backend.Storage,
		Locker:    rt.backend.Locker,
		Metrics:   rt.metrics,
		Clock:     time.Now,
	})
}

// loadRealms fills the cache from persisted metadata and falls back to the
// provider for realms that have none.
func (rt *runtime) loadRealms(ctx context.Context, retries uint) error {
	var errs []error
	for _, name := range rt.cache.Realms() {
		if err := rt.cache.Load(ctx, name); err == nil {
			continue
		}
		logger.Debugw("no persisted metadata, fetching from provider", "realm", name)
		if err := refreshRealm(ctx, rt.cache, rt.metrics, name, retries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rt *runtime) Close(ctx context.Context) error {
	return errors.Join(rt.backend.Close(), rt.telemetry.Shutdown(ctx))
}
