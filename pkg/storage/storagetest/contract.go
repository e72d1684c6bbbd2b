// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds the behaviour every storage.Storage backend must
// share, as a test suite the backends run against themselves.
package storagetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/tokenset"
)

// Tokens returns a TokenSet with second precision times so it survives
// every backend encoding unchanged.
func Tokens(access string) tokenset.TokenSet {
	now := time.Now().UTC().Truncate(time.Second)
	return tokenset.TokenSet{
		AccessToken:          access,
		ExpiresBefore:        now.Add(5 * time.Minute),
		RefreshToken:         "refresh-" + access,
		RefreshExpiresBefore: now.Add(time.Hour),
	}
}

func assertSameTokens(t *testing.T, want, got tokenset.TokenSet) {
	t.Helper()
	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.Equal(t, want.RefreshToken, got.RefreshToken)
	assert.True(t, want.ExpiresBefore.Equal(got.ExpiresBefore), "expires_before %s != %s", want.ExpiresBefore, got.ExpiresBefore)
	assert.True(t, want.RefreshExpiresBefore.Equal(got.RefreshExpiresBefore),
		"refresh_expires_before %s != %s", want.RefreshExpiresBefore, got.RefreshExpiresBefore)
}

// RunContract runs the suite against stores created by newStore, one per subtest.
//
//nolint:paralleltest // subtests share one store per run
func RunContract(t *testing.T, newStore func(t *testing.T) storage.Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("tokens read after write", func(t *testing.T) {
		s := newStore(t)
		key := storage.ServiceAccountKey("acme", "api")

		_, err := s.GetTokens(ctx, key)
		require.ErrorIs(t, err, storage.ErrNotFound)

		want := Tokens("A")
		require.NoError(t, s.PutTokens(ctx, key, want))
		got, err := s.GetTokens(ctx, key)
		require.NoError(t, err)
		assertSameTokens(t, want, got)

		// absent refresh expiry stays absent
		dead := want.WithoutRefresh()
		require.NoError(t, s.PutTokens(ctx, key, dead))
		got, err = s.GetTokens(ctx, key)
		require.NoError(t, err)
		assert.True(t, got.RefreshExpiresBefore.IsZero())
		assert.Empty(t, got.RefreshToken)

		require.NoError(t, s.DeleteTokens(ctx, key))
		_, err = s.GetTokens(ctx, key)
		require.ErrorIs(t, err, storage.ErrNotFound)
		require.NoError(t, s.DeleteTokens(ctx, key), "deleting a missing key is not an error")
	})

	t.Run("empty owner key is rejected", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.PutTokens(ctx, "", Tokens("A")), storage.ErrInvalidArgument)
	})

	t.Run("upsert never duplicates a subject", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetBinding(ctx, "acme", "sub-1")
		require.ErrorIs(t, err, storage.ErrNotFound)

		first, err := s.UpsertBinding(ctx, &storage.IdentityBinding{
			Realm:     "acme",
			Subject:   "sub-1",
			Principal: &storage.LocalPrincipal{Username: "alice", Email: "alice@example.com"},
			Tokens:    Tokens("A1"),
		})
		require.NoError(t, err)
		assert.False(t, first.CreatedAt.IsZero())

		second, err := s.UpsertBinding(ctx, &storage.IdentityBinding{
			Realm:     "acme",
			Subject:   "sub-1",
			Principal: &storage.LocalPrincipal{Username: "alice2"},
			Tokens:    Tokens("A2"),
		})
		require.NoError(t, err)
		assert.True(t, first.CreatedAt.Equal(second.CreatedAt), "created_at must be preserved")

		got, err := s.GetBinding(ctx, "acme", "sub-1")
		require.NoError(t, err)
		assert.Equal(t, &storage.LocalPrincipal{Username: "alice2"}, got.Principal)
		assert.Equal(t, "A2", got.Tokens.AccessToken)

		// tokens are reachable through the binding key too
		ts, err := s.GetTokens(ctx, storage.BindingKey("acme", "sub-1"))
		require.NoError(t, err)
		assert.Equal(t, "A2", ts.AccessToken)

		// refreshing through the token store is visible on the binding
		require.NoError(t, s.PutTokens(ctx, storage.BindingKey("acme", "sub-1"), Tokens("A3")))
		got, err = s.GetBinding(ctx, "acme", "sub-1")
		require.NoError(t, err)
		assert.Equal(t, "A3", got.Tokens.AccessToken)

		// same subject in another realm is a different binding
		_, err = s.GetBinding(ctx, "other", "sub-1")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("concurrent upserts of one subject", func(t *testing.T) {
		s := newStore(t)

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.UpsertBinding(ctx, &storage.IdentityBinding{
					Realm:     "acme",
					Subject:   "sub-c",
					Principal: &storage.LocalPrincipal{Username: "user"},
					Tokens:    Tokens(string(rune('a' + i))),
				})
			}()
		}
		wg.Wait()

		got, err := s.GetBinding(ctx, "acme", "sub-c")
		require.NoError(t, err)
		assert.Equal(t, "user", got.Principal.Identifier())
	})

	t.Run("remote principal round trip", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertBinding(ctx, &storage.IdentityBinding{
			Realm:     "acme",
			Subject:   "sub-r",
			Principal: &storage.RemoteClaimsPrincipal{Realm: "acme", Subject: "sub-r", Claims: map[string]any{"email": "r@example.com"}},
		})
		require.NoError(t, err)

		got, err := s.GetBinding(ctx, "acme", "sub-r")
		require.NoError(t, err)
		remote, ok := got.Principal.(*storage.RemoteClaimsPrincipal)
		require.True(t, ok, "got %T", got.Principal)
		assert.Equal(t, "acme,sub-r", remote.Identifier())
		assert.Equal(t, "r@example.com", remote.Claims["email"])
	})

	t.Run("delete binding removes its tokens", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertBinding(ctx, &storage.IdentityBinding{Realm: "acme", Subject: "sub-d", Tokens: Tokens("D")})
		require.NoError(t, err)
		require.NoError(t, s.DeleteBinding(ctx, "acme", "sub-d"))

		_, err = s.GetBinding(ctx, "acme", "sub-d")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetTokens(ctx, storage.BindingKey("acme", "sub-d"))
		require.ErrorIs(t, err, storage.ErrNotFound)
		require.ErrorIs(t, s.DeleteBinding(ctx, "acme", "sub-d"), storage.ErrNotFound)
	})

	t.Run("invalid bindings", func(t *testing.T) {
		s := newStore(t)
		for _, b := range []*storage.IdentityBinding{nil, {Subject: "s"}, {Realm: "r"}} {
			_, err := s.UpsertBinding(ctx, b)
			assert.ErrorIs(t, err, storage.ErrInvalidArgument)
		}
	})

	t.Run("nonce is consumed once", func(t *testing.T) {
		s := newStore(t)

		nonce := &storage.Nonce{
			State:       "3f0e6b5c-2d6d-4a63-9a84-54b1c1a0f2d1",
			Realm:       "acme",
			ClientID:    "web",
			RedirectURI: "https://app.example.com/callback",
			NextPath:    "/dashboard",
			CreatedAt:   time.Now().Truncate(time.Second),
		}
		require.NoError(t, s.StoreNonce(ctx, nonce))

		got, err := s.ConsumeNonce(ctx, nonce.State)
		require.NoError(t, err)
		assert.Equal(t, nonce.NextPath, got.NextPath)
		assert.Equal(t, nonce.RedirectURI, got.RedirectURI)
		assert.Equal(t, nonce.ClientID, got.ClientID)

		_, err = s.ConsumeNonce(ctx, nonce.State)
		require.ErrorIs(t, err, storage.ErrNotFound)

		assert.ErrorIs(t, s.StoreNonce(ctx, &storage.Nonce{}), storage.ErrInvalidArgument)
	})

	t.Run("realm metadata", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetRealmMetadata(ctx, "acme")
		require.ErrorIs(t, err, storage.ErrNotFound)

		meta := &storage.RealmMetadata{
			Realm:     "acme",
			Discovery: json.RawMessage(`{"issuer":"https://sso.example.com/realms/acme"}`),
			Certs:     json.RawMessage(`{"keys":[]}`),
			UpdatedAt: time.Now().Truncate(time.Second),
		}
		require.NoError(t, s.StoreRealmMetadata(ctx, meta))

		got, err := s.GetRealmMetadata(ctx, "acme")
		require.NoError(t, err)
		assert.JSONEq(t, string(meta.Discovery), string(got.Discovery))
		assert.JSONEq(t, string(meta.Certs), string(got.Certs))
		assert.Empty(t, got.UMA)
		assert.True(t, meta.UpdatedAt.Equal(got.UpdatedAt))
	})

	t.Run("health", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Health(ctx))
	})
}
