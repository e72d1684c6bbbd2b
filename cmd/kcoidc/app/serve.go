// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/stacklok/keycloak-oidc/pkg/auth"
	"github.com/stacklok/keycloak-oidc/pkg/config"
	"github.com/stacklok/keycloak-oidc/pkg/entitlement"
	"github.com/stacklok/keycloak-oidc/pkg/logger"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/tenant"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var address string
	var audienceCheck, bindIDTokens bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the token verification API",
		Long: `Serve an HTTP API that verifies bearer tokens issued by the configured realms.

Endpoints:
  GET /healthz       storage backend health
  GET /metrics       Prometheus metrics, when telemetry.enable_prometheus_metrics_path is set
  GET /whoami        the identity behind the bearer token
  GET /permissions   the permissions granted by the bearer token

The realm of a request is resolved with the configured tenant strategy. With
the path_prefix strategy the API endpoints live under {prefix}/{realm}/.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), address, audienceCheck, bindIDTokens)
		},
	}
	cmd.Flags().StringVar(&address, "address", ":8080", "Address to listen on")
	cmd.Flags().BoolVar(&audienceCheck, "audience-check", false, "Require tokens to name the realm client in aud or azp")
	cmd.Flags().BoolVar(&bindIDTokens, "bind-id-tokens", false,
		"Accept ID tokens issued to the realm client and store the identity binding of their subject")
	return cmd
}

func runServe(ctx context.Context, address string, audienceCheck, bindIDTokens bool) error {
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

	if err := rt.loadRealms(ctx, 3); err != nil {
		return err
	}
	manager, err := rt.manager()
	if err != nil {
		return err
	}
	tenants, err := tenant.New(cfg.Tenant)
	if err != nil {
		return err
	}
	var authOpts []auth.Option
	if audienceCheck {
		authOpts = append(authOpts, auth.WithAudienceCheck())
	}
	if bindIDTokens {
		authOpts = append(authOpts, auth.WithIDTokenBinding(manager))
	}
	authenticator, err := auth.NewAuthenticator(manager, tenants, auth.Clients(cfg.Clients()...), authOpts...)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              address,
		Handler:           newRouter(cfg, rt.backend.Storage, rt.telemetry.PrometheusHandler(), tenants, authenticator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("serving", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func newRouter(
	cfg *config.Config,
	store storage.Storage,
	metricsHandler http.Handler,
	tenants tenant.Resolver,
	authenticator *auth.Authenticator,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := store.Health(req.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	api := func(r chi.Router) {
		r.Use(tenant.Middleware(tenants))
		r.Use(authenticator.Middleware)
		r.Get("/whoami", whoami)
		r.Get("/permissions", permissions(cfg.Entitlement))
	}
	if cfg.Tenant.Strategy == tenant.StrategyPathPrefix {
		r.Route("/"+strings.Trim(cfg.Tenant.PathPrefix, "/")+"/{realm}", api)
	} else {
		r.Group(api)
	}
	return r
}

func whoami(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	writeJSON(w, identity)
}

func permissions(cfg entitlement.Config) http.HandlerFunc {
	mode := cfg.PermissionMode
	if mode == "" {
		mode = entitlement.DefaultConfig().PermissionMode
	}
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		client, clientOK := auth.ClientFromContext(r.Context())
		if !ok || !clientOK {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		perms, err := entitlement.PermissionsFromClaims(claims, client.ClientID, mode)
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"realm": client.Realm, "client_id": client.ClientID, "permissions": perms})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}
