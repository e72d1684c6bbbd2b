// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyPrefix = "kcoidc:test:"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNewRedisStorage(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := NewRedisStorage(context.Background(), RedisConfig{Addrs: []string{mr.Addr()}, KeyPrefix: testKeyPrefix})
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Health(context.Background()))
}

func TestValidateRedisConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     RedisConfig
		wantErr string
	}{
		{"standalone", RedisConfig{Addrs: []string{"localhost:6379"}, KeyPrefix: "p:"}, ""},
		{"sentinel", RedisConfig{SentinelConfig: &SentinelConfig{MasterName: "m", SentinelAddrs: []string{"s:26379"}}, KeyPrefix: "p:"}, ""},
		{"no address", RedisConfig{KeyPrefix: "p:"}, "at least one redis address"},
		{"sentinel without master", RedisConfig{SentinelConfig: &SentinelConfig{SentinelAddrs: []string{"s"}}, KeyPrefix: "p:"}, "master name"},
		{"sentinel without addrs", RedisConfig{SentinelConfig: &SentinelConfig{MasterName: "m"}, KeyPrefix: "p:"}, "sentinel address"},
		{"no prefix", RedisConfig{Addrs: []string{"localhost:6379"}}, "key prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateRedisConfig(&tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRedisStorage_NonceTTL(t *testing.T) {
	t.Parallel()
	mr, client := newTestRedis(t)
	s := NewRedisStorageWithClient(client, testKeyPrefix)
	ctx := context.Background()

	require.NoError(t, s.StoreNonce(ctx, &Nonce{State: "abc"}))
	assert.Equal(t, DefaultNonceTTL, mr.TTL(testKeyPrefix+"nonce:abc"))

	mr.FastForward(DefaultNonceTTL + time.Second)
	_, err := s.ConsumeNonce(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisLocker(t *testing.T) {
	t.Parallel()

	t.Run("serializes holders", func(t *testing.T) {
		t.Parallel()
		_, client := newTestRedis(t)
		// two lockers model two processes
		lockers := []*RedisLocker{
			NewRedisLocker(client, testKeyPrefix, WithLockRetryDelay(time.Millisecond)),
			NewRedisLocker(client, testKeyPrefix, WithLockRetryDelay(time.Millisecond)),
		}

		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := lockers[i%2].Lock(context.Background(), ServiceAccountKey("acme", "api"))
				if !assert.NoError(t, err) {
					return
				}
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxInside.Load())
	})

	t.Run("wait timeout", func(t *testing.T) {
		t.Parallel()
		_, client := newTestRedis(t)
		l := NewRedisLocker(client, testKeyPrefix, WithLockWaitTimeout(30*time.Millisecond), WithLockRetryDelay(5*time.Millisecond))

		unlock, err := l.Lock(context.Background(), "k")
		require.NoError(t, err)
		defer unlock()

		_, err = l.Lock(context.Background(), "k")
		assert.ErrorIs(t, err, ErrLockTimeout)
	})

	t.Run("stale lock expires after its ttl", func(t *testing.T) {
		t.Parallel()
		mr, client := newTestRedis(t)
		l := NewRedisLocker(client, testKeyPrefix, WithLockTTL(time.Second), WithLockRetryDelay(time.Millisecond))

		_, err := l.Lock(context.Background(), "k")
		require.NoError(t, err)
		mr.FastForward(2 * time.Second)

		unlock, err := l.Lock(context.Background(), "k")
		require.NoError(t, err)
		unlock()
	})

	t.Run("release only deletes its own token", func(t *testing.T) {
		t.Parallel()
		mr, client := newTestRedis(t)
		l := NewRedisLocker(client, testKeyPrefix, WithLockTTL(time.Second))

		unlock, err := l.Lock(context.Background(), "k")
		require.NoError(t, err)

		// the lock expired and someone else took it
		mr.FastForward(2 * time.Second)
		require.NoError(t, mr.Set(testKeyPrefix+"lock:k", "other-holder"))

		unlock()
		got, err := mr.Get(testKeyPrefix + "lock:k")
		require.NoError(t, err)
		assert.Equal(t, "other-holder", got)
	})
}
