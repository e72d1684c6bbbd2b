// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package backend opens the storage backend selected by configuration
// together with the Locker that matches it.
package backend

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/keycloak-oidc/pkg/logger"
	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/storage/sqlite"
)

// RedisPasswordEnvVar is read when no Redis password is configured.
//
//nolint:gosec // G101: environment variable name, not a credential
const RedisPasswordEnvVar = "KCOIDC_REDIS_PASSWORD"

// Options carries settings that are not part of storage.Config.
type Options struct {
	// RedisPasswordFile is read when cfg.Redis.Password is empty.
	RedisPasswordFile string
}

// Backend is an opened storage backend.
type Backend struct {
	Storage storage.Storage
	Locker  storage.Locker
}

// Close closes the storage.
func (b *Backend) Close() error {
	return b.Storage.Close()
}

// Open opens the backend of cfg using the OS environment.
func Open(ctx context.Context, cfg *storage.Config, opts Options) (*Backend, error) {
	return OpenWithEnv(ctx, cfg, opts, &env.OSReader{})
}

// OpenWithEnv opens the backend of cfg. A nil cfg selects in-memory storage.
//
// Memory and SQLite backends are paired with an in-process keyed locker, so
// they serialize refreshes only within one process. Redis is paired with a
// Redis lock shared by every process using the same server and key prefix.
func OpenWithEnv(ctx context.Context, cfg *storage.Config, opts Options, envReader env.Reader) (*Backend, error) {
	if cfg == nil {
		cfg = storage.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	switch cfg.Type {
	case storage.TypeMemory, "":
		logger.Debugw("using in-memory storage")
		return &Backend{Storage: storage.NewMemoryStorage(), Locker: storage.NewKeyedLocker()}, nil

	case storage.TypeSQLite:
		logger.Debugw("using sqlite storage", "path", cfg.SQLitePath)
		store, err := sqlite.NewStoreFromPath(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Backend{Storage: store, Locker: storage.NewKeyedLocker()}, nil

	case storage.TypeRedis:
		redisCfg := cfg.Redis
		password, err := resolveRedisPassword(redisCfg.Password, opts.RedisPasswordFile, envReader)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve redis password: %w", err)
		}
		redisCfg.Password = password

		logger.Debugw("using redis storage", "addrs", redisCfg.Addrs, "key_prefix", redisCfg.KeyPrefix)
		client, err := storage.NewRedisClient(ctx, redisCfg)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Storage: storage.NewRedisStorageWithClient(client, redisCfg.KeyPrefix),
			Locker:  storage.NewRedisLocker(client, redisCfg.KeyPrefix),
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// resolveRedisPassword picks the direct value, then the file, then the
// environment variable.
func resolveRedisPassword(direct, file string, envReader env.Reader) (string, error) {
	if direct != "" {
		return direct, nil
	}
	if file != "" {
		data, err := os.ReadFile(file) // #nosec G304 - file path is provided by user via config
		if err != nil {
			return "", fmt.Errorf("failed to read redis password file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return envReader.Getenv(RedisPasswordEnvVar), nil
}
