// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/stacklok/keycloak-oidc/pkg/logger"
	"github.com/stacklok/keycloak-oidc/pkg/tokenset"
)

// DefaultCleanupInterval is how often the background cleanup runs.
const DefaultCleanupInterval = 5 * time.Minute

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

type bindingID struct {
	realm string
	sub   string
}

// MemoryStorage implements Storage with in-memory maps.
// It is safe for concurrent use and suitable for a single process.
type MemoryStorage struct {
	mu sync.RWMutex

	// tokens maps owner key -> TokenSet. Binding tokens live here too, under
	// the binding's key.
	tokens map[OwnerKey]tokenset.TokenSet

	// bindings maps (realm, sub) -> binding without its tokens.
	bindings map[bindingID]*IdentityBinding

	// nonces maps state -> nonce. Entries expire after DefaultNonceTTL.
	nonces map[string]*timedEntry[*Nonce]

	// realms maps realm name -> last stored metadata.
	realms map[string]*RealmMetadata

	nonceTTL        time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// WithNonceTTL overrides DefaultNonceTTL.
func WithNonceTTL(ttl time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.nonceTTL = ttl
	}
}

// NewMemoryStorage creates a new MemoryStorage and starts the background
// cleanup goroutine. Call Close to stop it.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		tokens:          make(map[OwnerKey]tokenset.TokenSet),
		bindings:        make(map[bindingID]*IdentityBinding),
		nonces:          make(map[string]*timedEntry[*Nonce]),
		realms:          make(map[string]*RealmMetadata),
		nonceTTL:        DefaultNonceTTL,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

var _ Storage = (*MemoryStorage)(nil)

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired nonces. Keys are collected under the read
// lock and deleted under the write lock.
func (s *MemoryStorage) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()
	var expired []string
	for k, v := range s.nonces {
		if now.After(v.expiresAt) {
			expired = append(expired, k)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expired {
		// re-check, the entry may have been replaced since
		if entry, ok := s.nonces[k]; ok && now.After(entry.expiresAt) {
			delete(s.nonces, k)
		}
	}
	logger.Debugw("removed expired nonces", "count", len(expired))
}

// -----------------------
// TokenStore
// -----------------------

// GetTokens returns the TokenSet of key.
func (s *MemoryStorage) GetTokens(_ context.Context, key OwnerKey) (tokenset.TokenSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.tokens[key]
	if !ok {
		return tokenset.TokenSet{}, fmt.Errorf("%w: tokens of %s", ErrNotFound, key)
	}
	return ts, nil
}

// PutTokens stores ts under key.
func (s *MemoryStorage) PutTokens(_ context.Context, key OwnerKey, ts tokenset.TokenSet) error {
	if key == "" {
		return fmt.Errorf("%w: owner key cannot be empty", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = ts
	return nil
}

// DeleteTokens removes the TokenSet of key.
func (s *MemoryStorage) DeleteTokens(_ context.Context, key OwnerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
	return nil
}

// -----------------------
// BindingStore
// -----------------------

// GetBinding returns a copy of the binding of (realm, sub) with its tokens.
func (s *MemoryStorage) GetBinding(_ context.Context, realm, sub string) (*IdentityBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[bindingID{realm: realm, sub: sub}]
	if !ok {
		return nil, fmt.Errorf("%w: binding %s/%s", ErrNotFound, realm, sub)
	}
	out := b.Clone()
	out.Tokens = s.tokens[b.Key()]
	return out, nil
}

// UpsertBinding creates or updates the binding of (binding.Realm, binding.Subject).
func (s *MemoryStorage) UpsertBinding(_ context.Context, binding *IdentityBinding) (*IdentityBinding, error) {
	if err := ValidateBinding(binding); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	id := bindingID{realm: binding.Realm, sub: binding.Subject}
	stored := binding.Clone()
	stored.UpdatedAt = now
	if existing, ok := s.bindings[id]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	s.tokens[stored.Key()] = stored.Tokens
	stored.Tokens = tokenset.TokenSet{}
	s.bindings[id] = stored

	out := stored.Clone()
	out.Tokens = s.tokens[stored.Key()]
	return out, nil
}

// DeleteBinding removes the binding of (realm, sub) and its tokens.
func (s *MemoryStorage) DeleteBinding(_ context.Context, realm, sub string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := bindingID{realm: realm, sub: sub}
	if _, ok := s.bindings[id]; !ok {
		return fmt.Errorf("%w: binding %s/%s", ErrNotFound, realm, sub)
	}
	delete(s.bindings, id)
	delete(s.tokens, BindingKey(realm, sub))
	return nil
}

// ValidateBinding rejects nil bindings and bindings without a realm or subject.
func ValidateBinding(binding *IdentityBinding) error {
	switch {
	case binding == nil:
		return fmt.Errorf("%w: binding cannot be nil", ErrInvalidArgument)
	case binding.Realm == "":
		return fmt.Errorf("%w: binding realm cannot be empty", ErrInvalidArgument)
	case binding.Subject == "":
		return fmt.Errorf("%w: binding subject cannot be empty", ErrInvalidArgument)
	}
	return nil
}

// -----------------------
// NonceStore
// -----------------------

// StoreNonce stores a copy of nonce.
func (s *MemoryStorage) StoreNonce(_ context.Context, nonce *Nonce) error {
	if nonce == nil || nonce.State == "" {
		return fmt.Errorf("%w: nonce state cannot be empty", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c := *nonce
	s.nonces[nonce.State] = &timedEntry[*Nonce]{
		value:     &c,
		createdAt: now,
		expiresAt: now.Add(s.nonceTTL),
	}
	return nil
}

// ConsumeNonce returns and deletes the nonce of state.
func (s *MemoryStorage) ConsumeNonce(_ context.Context, state string) (*Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.nonces[state]
	if !ok {
		logger.Debugw("nonce not found")
		return nil, fmt.Errorf("%w: nonce", ErrNotFound)
	}
	delete(s.nonces, state)

	if time.Now().After(entry.expiresAt) {
		logger.Debugw("nonce expired")
		return nil, ErrExpired
	}
	c := *entry.value
	return &c, nil
}

// -----------------------
// RealmStore
// -----------------------

// StoreRealmMetadata stores a copy of meta.
func (s *MemoryStorage) StoreRealmMetadata(_ context.Context, meta *RealmMetadata) error {
	if meta == nil || meta.Realm == "" {
		return fmt.Errorf("%w: realm cannot be empty", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.realms[meta.Realm] = cloneRealmMetadata(meta)
	return nil
}

// GetRealmMetadata returns a copy of the metadata of realm.
func (s *MemoryStorage) GetRealmMetadata(_ context.Context, realm string) (*RealmMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.realms[realm]
	if !ok {
		return nil, fmt.Errorf("%w: metadata of realm %s", ErrNotFound, realm)
	}
	return cloneRealmMetadata(meta), nil
}

func cloneRealmMetadata(meta *RealmMetadata) *RealmMetadata {
	c := *meta
	c.Discovery = slices.Clone(meta.Discovery)
	c.UMA = slices.Clone(meta.UMA)
	c.Certs = slices.Clone(meta.Certs)
	return &c
}

// Stats contains counts of stored items, for tests and debugging.
type Stats struct {
	Tokens   int
	Bindings int
	Nonces   int
	Realms   int
}

// Stats returns the current item counts.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Tokens:   len(s.tokens),
		Bindings: len(s.bindings),
		Nonces:   len(s.nonces),
		Realms:   len(s.realms),
	}
}
