// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
	"github.com/stacklok/keycloak-oidc/pkg/logger"
	"github.com/stacklok/keycloak-oidc/pkg/realm"
	"github.com/stacklok/keycloak-oidc/pkg/telemetry"
)

type refreshOptions struct {
	realm    string
	interval time.Duration
	retries  uint
}

func newRefreshCmd() *cobra.Command {
	opts := refreshOptions{}
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh realm metadata from the provider",
		Long: `Fetch the OIDC discovery document, the signing certificates and the UMA
configuration of every configured realm and persist them in the storage
backend, so other processes can load them without contacting Keycloak.

With --interval the refresh repeats until the process is stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRefresh(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.realm, "realm", "", "Refresh only this realm")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Repeat the refresh at this interval")
	cmd.Flags().UintVar(&opts.retries, "retries", 3, "Retries per document before giving up")
	return cmd
}

func runRefresh(ctx context.Context, opts refreshOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			logger.Warnf("Failed to close: %v", err)
		}
	}()

	names := rt.cache.Realms()
	if opts.realm != "" {
		if !slices.Contains(names, opts.realm) {
			return kcerrors.NewConfigurationError(fmt.Sprintf("realm %s is not configured", opts.realm), nil)
		}
		names = []string{opts.realm}
	}

	refreshAll := func() error {
		var errs []error
		for _, name := range names {
			if err := refreshRealm(ctx, rt.cache, rt.metrics, name, opts.retries); err != nil {
				errs = append(errs, err)
				continue
			}
			logger.Infow("refreshed realm metadata", "realm", name)
		}
		return errors.Join(errs...)
	}

	if opts.interval <= 0 {
		return refreshAll()
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		if err := refreshAll(); err != nil {
			logger.Errorw("realm refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type realmDocument struct {
	name     string
	required bool
	refresh  func(context.Context, string) error
}

// refreshRealm refreshes discovery, then certificates, then the UMA
// configuration of a realm. UMA is optional: realms without authorization
// services only log a warning.
func refreshRealm(
	ctx context.Context, cache *realm.Cache, metrics *telemetry.Metrics, name string, retries uint,
	extra ...backoff.RetryOption,
) error {
	documents := []realmDocument{
		{name: "discovery", required: true, refresh: cache.RefreshDiscovery},
		{name: "certs", required: true, refresh: cache.RefreshCerts},
		{name: "uma", required: false, refresh: cache.RefreshUMA},
	}

	for _, doc := range documents {
		operation := func() (struct{}, error) {
			err := doc.refresh(ctx, name)
			if err != nil && kcerrors.IsConfiguration(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		opts := append([]backoff.RetryOption{
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(retries + 1),
			backoff.WithNotify(func(err error, wait time.Duration) {
				logger.Warnw("realm refresh failed, retrying", "realm", name, "document", doc.name, "wait", wait, "error", err)
			}),
		}, extra...)

		_, err := backoff.Retry(ctx, operation, opts...)
		metrics.RecordRealmRefresh(ctx, name, doc.name, err)
		if err == nil {
			continue
		}
		if !doc.required {
			logger.Warnw("optional realm document unavailable", "realm", name, "document", doc.name, "error", err)
			continue
		}
		return fmt.Errorf("failed to refresh %s of realm %s: %w", doc.name, name, err)
	}
	return nil
}
