// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contracts of the token lifecycle
// manager and provides in-memory and Redis implementations. A SQLite
// implementation lives in the sqlite subpackage.
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go Storage,Locker

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/keycloak-oidc/pkg/tokenset"
)

// DefaultNonceTTL is how long a login nonce stays valid.
const DefaultNonceTTL = 10 * time.Minute

// OwnerKey identifies the owner of a TokenSet.
type OwnerKey string

const (
	ownerBinding        = "binding"
	ownerServiceAccount = "service"
	ownerExchange       = "exchange"
)

// BindingKey is the owner key of the tokens held by an identity binding.
func BindingKey(realm, sub string) OwnerKey {
	return ownerKey(ownerBinding, realm, sub)
}

// ServiceAccountKey is the owner key of a client's service account tokens.
func ServiceAccountKey(realm, clientID string) OwnerKey {
	return ownerKey(ownerServiceAccount, realm, clientID)
}

// ExchangeKey is the owner key of the tokens obtained by exchanging the
// tokens of binding (realm, sub) for the downstream client remoteClient.
func ExchangeKey(realm, sub, remoteClient string) OwnerKey {
	return ownerKey(ownerExchange, realm, sub, remoteClient)
}

// ownerKey joins kind and the escaped parts with ':'. QueryEscape escapes
// ':' itself, so parts containing the separator cannot collide.
func ownerKey(kind string, parts ...string) OwnerKey {
	escaped := make([]string, 0, len(parts)+1)
	escaped = append(escaped, kind)
	for _, p := range parts {
		escaped = append(escaped, url.QueryEscape(p))
	}
	return OwnerKey(strings.Join(escaped, ":"))
}

// IdentityBinding links a provider subject in a realm to a principal and
// holds that subject's tokens. There is at most one binding per (Realm, Subject).
type IdentityBinding struct {
	Realm     string
	Subject   string
	Principal Principal
	Tokens    tokenset.TokenSet
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the owner key of the binding's tokens.
func (b *IdentityBinding) Key() OwnerKey {
	return BindingKey(b.Realm, b.Subject)
}

// Clone returns a deep copy of the binding.
func (b *IdentityBinding) Clone() *IdentityBinding {
	if b == nil {
		return nil
	}
	c := *b
	c.Principal = clonePrincipal(b.Principal)
	return &c
}

// Nonce tracks an authorization code login between redirect and callback.
type Nonce struct {
	State       string
	Realm       string
	ClientID    string
	RedirectURI string
	NextPath    string
	CreatedAt   time.Time
}

// RealmMetadata is the provider metadata of a realm as last fetched.
// The documents are kept in their wire form.
type RealmMetadata struct {
	Realm     string
	Discovery json.RawMessage
	UMA       json.RawMessage
	Certs     json.RawMessage
	UpdatedAt time.Time
}

// TokenStore persists TokenSets by owner key.
type TokenStore interface {
	// GetTokens returns the TokenSet of key or ErrNotFound.
	GetTokens(ctx context.Context, key OwnerKey) (tokenset.TokenSet, error)

	// PutTokens stores ts under key, replacing any previous value.
	PutTokens(ctx context.Context, key OwnerKey, ts tokenset.TokenSet) error

	// DeleteTokens removes the TokenSet of key. Missing keys are not an error.
	DeleteTokens(ctx context.Context, key OwnerKey) error
}

// BindingStore persists identity bindings.
type BindingStore interface {
	// GetBinding returns the binding of (realm, sub) with its tokens, or ErrNotFound.
	GetBinding(ctx context.Context, realm, sub string) (*IdentityBinding, error)

	// UpsertBinding creates the binding of (binding.Realm, binding.Subject) or
	// updates the existing one, and stores binding.Tokens under its key.
	// CreatedAt of an existing binding is preserved. The stored binding is returned.
	UpsertBinding(ctx context.Context, binding *IdentityBinding) (*IdentityBinding, error)

	// DeleteBinding removes a binding and its tokens.
	DeleteBinding(ctx context.Context, realm, sub string) error
}

// NonceStore persists login nonces.
type NonceStore interface {
	// StoreNonce stores a nonce for DefaultNonceTTL.
	StoreNonce(ctx context.Context, nonce *Nonce) error

	// ConsumeNonce atomically returns and deletes the nonce of state.
	// A second call returns ErrNotFound.
	ConsumeNonce(ctx context.Context, state string) (*Nonce, error)
}

// RealmStore persists realm metadata.
type RealmStore interface {
	StoreRealmMetadata(ctx context.Context, meta *RealmMetadata) error
	GetRealmMetadata(ctx context.Context, realm string) (*RealmMetadata, error)
}

// Storage is the full persistence contract.
type Storage interface {
	TokenStore
	BindingStore
	NonceStore
	RealmStore

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Locker serializes work on a key across every process sharing the backend.
type Locker interface {
	// Lock blocks until the lock of key is held or ctx is done. The returned
	// function releases it.
	Lock(ctx context.Context, key OwnerKey) (unlock func(), err error)
}
