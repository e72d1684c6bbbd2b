// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-core/env/mocks"

	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/storage/sqlite"
)

func TestOpen_Memory(t *testing.T) {
	t.Parallel()
	b, err := OpenWithEnv(t.Context(), nil, Options{}, nil)
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &storage.MemoryStorage{}, b.Storage)
	assert.IsType(t, &storage.KeyedLocker{}, b.Locker)
}

func TestOpen_SQLite(t *testing.T) {
	t.Parallel()
	cfg := &storage.Config{Type: storage.TypeSQLite, SQLitePath: filepath.Join(t.TempDir(), "kcoidc.db")}
	b, err := OpenWithEnv(t.Context(), cfg, Options{}, nil)
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &sqlite.Store{}, b.Storage)
	require.NoError(t, b.Storage.Health(t.Context()))
}

func TestOpen_Redis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	mr.RequireAuth("s3cret")

	ctrl := gomock.NewController(t)
	mockEnv := mocks.NewMockReader(ctrl)
	mockEnv.EXPECT().Getenv(RedisPasswordEnvVar).Return("s3cret")

	cfg := &storage.Config{
		Type:  storage.TypeRedis,
		Redis: storage.RedisConfig{Addrs: []string{mr.Addr()}, KeyPrefix: "kcoidc:test:"},
	}
	b, err := OpenWithEnv(t.Context(), cfg, Options{}, mockEnv)
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &storage.RedisStorage{}, b.Storage)
	assert.IsType(t, &storage.RedisLocker{}, b.Locker)

	unlock, err := b.Locker.Lock(t.Context(), storage.ServiceAccountKey("acme", "api"))
	require.NoError(t, err)
	unlock()
}

func TestOpen_Invalid(t *testing.T) {
	t.Parallel()
	for _, cfg := range []*storage.Config{
		{Type: "etcd"},
		{Type: storage.TypeSQLite},
		{Type: storage.TypeRedis},
	} {
		_, err := OpenWithEnv(t.Context(), cfg, Options{}, nil)
		assert.Error(t, err, "type %s", cfg.Type)
	}
}

func TestResolveRedisPassword(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(file, []byte("from-file\n"), 0o600))

	got, err := resolveRedisPassword("direct", file, nil)
	require.NoError(t, err)
	assert.Equal(t, "direct", got)

	got, err = resolveRedisPassword("", file, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	_, err = resolveRedisPassword("", filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)

	ctrl := gomock.NewController(t)
	mockEnv := mocks.NewMockReader(ctrl)
	mockEnv.EXPECT().Getenv(RedisPasswordEnvVar).Return("from-env")
	got, err = resolveRedisPassword("", "", mockEnv)
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)
}
