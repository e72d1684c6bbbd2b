// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/keycloak-oidc/pkg/tokenset"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key types used to build Redis keys.
const (
	KeyTypeTokens  = "tokens"
	KeyTypeBinding = "binding"
	KeyTypeNonce   = "nonce"
	KeyTypeRealm   = "realm"
	KeyTypeLock    = "lock"
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addrs lists the Redis server addresses. With SentinelConfig set they
	// are ignored and the sentinel addresses are used.
	Addrs []string `mapstructure:"addrs"`

	// SentinelConfig enables Sentinel failover.
	SentinelConfig *SentinelConfig `mapstructure:"sentinel"`

	// Username and Password authenticate with an ACL user.
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// DB selects the logical database.
	DB int `mapstructure:"db"`

	// KeyPrefix namespaces every key, e.g. "kcoidc:prod:".
	KeyPrefix string `mapstructure:"key_prefix"`

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string   `mapstructure:"master_name"`
	SentinelAddrs []string `mapstructure:"sentinel_addrs"`
}

// RedisStorage implements Storage on Redis. Several processes may share one
// RedisStorage backend; pair it with a RedisLocker to serialize refreshes.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
	nonceTTL  time.Duration
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage creates Redis-backed storage.
// Returns error if configuration validation fails or connection cannot be established.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisClient validates cfg and connects.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		DB:           cfg.DB,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.SentinelConfig != nil {
		opts.MasterName = cfg.SentinelConfig.MasterName
		opts.Addrs = cfg.SentinelConfig.SentinelAddrs
	}
	client := redis.NewUniversalClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
		nonceTTL:  DefaultNonceTTL,
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.SentinelConfig != nil {
		if cfg.SentinelConfig.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(cfg.SentinelConfig.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
	} else if len(cfg.Addrs) == 0 {
		return errors.New("at least one redis address is required")
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func redisKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}

func redisBindingID(realm, sub string) string {
	return string(BindingKey(realm, sub))
}

// -----------------------
// TokenStore
// -----------------------

// GetTokens returns the TokenSet of key.
func (s *RedisStorage) GetTokens(ctx context.Context, key OwnerKey) (tokenset.TokenSet, error) {
	data, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeTokens, string(key))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return tokenset.TokenSet{}, fmt.Errorf("%w: tokens of %s", ErrNotFound, key)
		}
		return tokenset.TokenSet{}, fmt.Errorf("failed to get tokens: %w", err)
	}
	return unmarshalTokens(data)
}

// PutTokens stores ts under key.
func (s *RedisStorage) PutTokens(ctx context.Context, key OwnerKey, ts tokenset.TokenSet) error {
	if key == "" {
		return fmt.Errorf("%w: owner key cannot be empty", ErrInvalidArgument)
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(s.keyPrefix, KeyTypeTokens, string(key)), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	return nil
}

// DeleteTokens removes the TokenSet of key.
func (s *RedisStorage) DeleteTokens(ctx context.Context, key OwnerKey) error {
	if err := s.client.Del(ctx, redisKey(s.keyPrefix, KeyTypeTokens, string(key))).Err(); err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}
	return nil
}

func unmarshalTokens(data []byte) (tokenset.TokenSet, error) {
	var ts tokenset.TokenSet
	if err := json.Unmarshal(data, &ts); err != nil {
		return tokenset.TokenSet{}, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}
	return ts, nil
}

// -----------------------
// BindingStore
// -----------------------

// storedBinding is the serializable form of IdentityBinding without tokens.
type storedBinding struct {
	Realm     string          `json:"realm"`
	Subject   string          `json:"subject"`
	Principal json.RawMessage `json:"principal"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// GetBinding returns the binding of (realm, sub) with its tokens.
func (s *RedisStorage) GetBinding(ctx context.Context, realm, sub string) (*IdentityBinding, error) {
	bindingKey := redisKey(s.keyPrefix, KeyTypeBinding, redisBindingID(realm, sub))
	tokensKey := redisKey(s.keyPrefix, KeyTypeTokens, string(BindingKey(realm, sub)))

	values, err := s.client.MGet(ctx, bindingKey, tokensKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	raw, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: binding %s/%s", ErrNotFound, realm, sub)
	}

	binding, err := unmarshalBinding([]byte(raw))
	if err != nil {
		return nil, err
	}
	if rawTokens, ok := values[1].(string); ok {
		if binding.Tokens, err = unmarshalTokens([]byte(rawTokens)); err != nil {
			return nil, err
		}
	}
	return binding, nil
}

// UpsertBinding creates or updates the binding of (binding.Realm, binding.Subject).
// The binding and its tokens are written in one MULTI/EXEC transaction.
func (s *RedisStorage) UpsertBinding(ctx context.Context, binding *IdentityBinding) (*IdentityBinding, error) {
	if err := ValidateBinding(binding); err != nil {
		return nil, err
	}

	bindingKey := redisKey(s.keyPrefix, KeyTypeBinding, redisBindingID(binding.Realm, binding.Subject))
	tokensKey := redisKey(s.keyPrefix, KeyTypeTokens, string(binding.Key()))

	now := time.Now()
	out := binding.Clone()
	out.UpdatedAt = now
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}

	principal, err := MarshalPrincipal(binding.Principal)
	if err != nil {
		return nil, err
	}
	tokens, err := json.Marshal(binding.Tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tokens: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		existing, err := tx.Get(ctx, bindingKey).Bytes()
		switch {
		case err == nil:
			prev, err := unmarshalBinding(existing)
			if err != nil {
				return err
			}
			out.CreatedAt = prev.CreatedAt
		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("failed to get binding: %w", err)
		}

		data, err := json.Marshal(storedBinding{
			Realm:     out.Realm,
			Subject:   out.Subject,
			Principal: principal,
			CreatedAt: out.CreatedAt.UnixNano(),
			UpdatedAt: out.UpdatedAt.UnixNano(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal binding: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, bindingKey, data, 0)
			pipe.Set(ctx, tokensKey, tokens, 0)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, bindingKey); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("%w: binding %s/%s changed concurrently", ErrAlreadyExists, binding.Realm, binding.Subject)
		}
		return nil, fmt.Errorf("failed to store binding: %w", err)
	}
	return out, nil
}

// DeleteBinding removes the binding of (realm, sub) and its tokens.
func (s *RedisStorage) DeleteBinding(ctx context.Context, realm, sub string) error {
	bindingKey := redisKey(s.keyPrefix, KeyTypeBinding, redisBindingID(realm, sub))
	tokensKey := redisKey(s.keyPrefix, KeyTypeTokens, string(BindingKey(realm, sub)))

	deleted, err := s.client.Del(ctx, bindingKey).Result()
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: binding %s/%s", ErrNotFound, realm, sub)
	}
	return s.client.Del(ctx, tokensKey).Err()
}

func unmarshalBinding(data []byte) (*IdentityBinding, error) {
	var stored storedBinding
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal binding: %w", err)
	}
	principal, err := UnmarshalPrincipal(stored.Principal)
	if err != nil {
		return nil, err
	}
	return &IdentityBinding{
		Realm:     stored.Realm,
		Subject:   stored.Subject,
		Principal: principal,
		CreatedAt: time.Unix(0, stored.CreatedAt),
		UpdatedAt: time.Unix(0, stored.UpdatedAt),
	}, nil
}

// -----------------------
// NonceStore
// -----------------------

type storedNonce struct {
	State       string `json:"state"`
	Realm       string `json:"realm"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	NextPath    string `json:"next_path"`
	CreatedAt   int64  `json:"created_at"`
}

// StoreNonce stores nonce with a TTL of DefaultNonceTTL.
func (s *RedisStorage) StoreNonce(ctx context.Context, nonce *Nonce) error {
	if nonce == nil || nonce.State == "" {
		return fmt.Errorf("%w: nonce state cannot be empty", ErrInvalidArgument)
	}

	data, err := json.Marshal(storedNonce{
		State:       nonce.State,
		Realm:       nonce.Realm,
		ClientID:    nonce.ClientID,
		RedirectURI: nonce.RedirectURI,
		NextPath:    nonce.NextPath,
		CreatedAt:   nonce.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal nonce: %w", err)
	}

	return s.client.Set(ctx, redisKey(s.keyPrefix, KeyTypeNonce, nonce.State), data, s.nonceTTL).Err()
}

// ConsumeNonce returns and deletes the nonce of state with GETDEL.
func (s *RedisStorage) ConsumeNonce(ctx context.Context, state string) (*Nonce, error) {
	data, err := s.client.GetDel(ctx, redisKey(s.keyPrefix, KeyTypeNonce, state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: nonce", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume nonce: %w", err)
	}

	var stored storedNonce
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nonce: %w", err)
	}
	return &Nonce{
		State:       stored.State,
		Realm:       stored.Realm,
		ClientID:    stored.ClientID,
		RedirectURI: stored.RedirectURI,
		NextPath:    stored.NextPath,
		CreatedAt:   time.Unix(stored.CreatedAt, 0),
	}, nil
}

// -----------------------
// RealmStore
// -----------------------

type storedRealmMetadata struct {
	Realm     string          `json:"realm"`
	Discovery json.RawMessage `json:"discovery,omitempty"`
	UMA       json.RawMessage `json:"uma,omitempty"`
	Certs     json.RawMessage `json:"certs,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

// StoreRealmMetadata stores meta.
func (s *RedisStorage) StoreRealmMetadata(ctx context.Context, meta *RealmMetadata) error {
	if meta == nil || meta.Realm == "" {
		return fmt.Errorf("%w: realm cannot be empty", ErrInvalidArgument)
	}

	data, err := json.Marshal(storedRealmMetadata{
		Realm:     meta.Realm,
		Discovery: meta.Discovery,
		UMA:       meta.UMA,
		Certs:     meta.Certs,
		UpdatedAt: meta.UpdatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal realm metadata: %w", err)
	}
	return s.client.Set(ctx, redisKey(s.keyPrefix, KeyTypeRealm, meta.Realm), data, 0).Err()
}

// GetRealmMetadata returns the metadata of realm.
func (s *RedisStorage) GetRealmMetadata(ctx context.Context, realm string) (*RealmMetadata, error) {
	data, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeRealm, realm)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: metadata of realm %s", ErrNotFound, realm)
		}
		return nil, fmt.Errorf("failed to get realm metadata: %w", err)
	}

	var stored storedRealmMetadata
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal realm metadata: %w", err)
	}
	return &RealmMetadata{
		Realm:     stored.Realm,
		Discovery: stored.Discovery,
		UMA:       stored.UMA,
		Certs:     stored.Certs,
		UpdatedAt: time.Unix(stored.UpdatedAt, 0),
	}, nil
}

// -----------------------
// Locker
// -----------------------

// Defaults of RedisLocker.
const (
	DefaultLockTTL         = 30 * time.Second
	DefaultLockWaitTimeout = 35 * time.Second
	DefaultLockRetryDelay  = 50 * time.Millisecond
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process using the same Redis.
// A lock is a key set with SET NX PX holding a random token; it expires
// after its TTL if the holder dies.
type RedisLocker struct {
	client      redis.UniversalClient
	keyPrefix   string
	ttl         time.Duration
	waitTimeout time.Duration
	retryDelay  time.Duration
}

// RedisLockerOption configures a RedisLocker.
type RedisLockerOption func(*RedisLocker)

// WithLockTTL sets how long a lock survives a dead holder.
func WithLockTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.ttl = ttl }
}

// WithLockWaitTimeout bounds how long Lock waits.
func WithLockWaitTimeout(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.waitTimeout = d }
}

// WithLockRetryDelay sets the polling interval while waiting.
func WithLockRetryDelay(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.retryDelay = d }
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client redis.UniversalClient, keyPrefix string, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		client:      client,
		keyPrefix:   keyPrefix,
		ttl:         DefaultLockTTL,
		waitTimeout: DefaultLockWaitTimeout,
		retryDelay:  DefaultLockRetryDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ Locker = (*RedisLocker)(nil)

// Lock polls SET NX PX until it succeeds, ctx is done or the wait timeout passes.
func (l *RedisLocker) Lock(ctx context.Context, key OwnerKey) (func(), error) {
	lockKey := redisKey(l.keyPrefix, KeyTypeLock, string(key))
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, l.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			return l.unlockFunc(lockKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) unlockFunc(lockKey, token string) func() {
	return func() {
		// the caller's context may already be done
		ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err()
	}
}
