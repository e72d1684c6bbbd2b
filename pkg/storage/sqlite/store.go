// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/keycloak-oidc/pkg/storage"
	"github.com/stacklok/keycloak-oidc/pkg/tokenset"
)

// Store implements storage.Storage using SQLite.
type Store struct {
	wrapper  *DB
	db       *sql.DB
	nonceTTL time.Duration
	now      func() time.Time
}

var _ storage.Storage = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNonceTTL overrides storage.DefaultNonceTTL.
func WithNonceTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.nonceTTL = ttl
	}
}

// WithClock sets the time source used for timestamps and nonce expiry.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store on db. The Store owns db from then on.
func NewStore(db *DB, opts ...StoreOption) *Store {
	s := &Store{
		wrapper:  db,
		db:       db.DB(),
		nonceTTL: storage.DefaultNonceTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStoreFromPath opens the database at path and returns a Store on it.
func NewStoreFromPath(ctx context.Context, path string, opts ...StoreOption) (*Store, error) {
	db, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewStore(db, opts...), nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.wrapper.Close()
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// -----------------------
// TokenStore
// -----------------------

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetTokens returns the TokenSet of key.
func (s *Store) GetTokens(ctx context.Context, key storage.OwnerKey) (tokenset.TokenSet, error) {
	return getTokens(ctx, s.db, key)
}

func getTokens(ctx context.Context, q queryer, key storage.OwnerKey) (tokenset.TokenSet, error) {
	var (
		ts                            tokenset.TokenSet
		expiresBefore, refreshExpires int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT access_token, expires_before, refresh_token, refresh_expires_before
		 FROM tokens WHERE owner_key = ?`, string(key),
	).Scan(&ts.AccessToken, &expiresBefore, &ts.RefreshToken, &refreshExpires)
	if errors.Is(err, sql.ErrNoRows) {
		return tokenset.TokenSet{}, fmt.Errorf("%w: tokens of %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return tokenset.TokenSet{}, fmt.Errorf("failed to get tokens: %w", err)
	}
	ts.ExpiresBefore = fromUnix(expiresBefore)
	ts.RefreshExpiresBefore = fromUnix(refreshExpires)
	return ts, nil
}

// PutTokens stores ts under key.
func (s *Store) PutTokens(ctx context.Context, key storage.OwnerKey, ts tokenset.TokenSet) error {
	if key == "" {
		return fmt.Errorf("%w: owner key cannot be empty", storage.ErrInvalidArgument)
	}
	return putTokens(ctx, s.db, key, ts, s.now())
}

func putTokens(ctx context.Context, q queryer, key storage.OwnerKey, ts tokenset.TokenSet, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO tokens (owner_key, access_token, expires_before, refresh_token, refresh_expires_before, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner_key) DO UPDATE SET
		   access_token = excluded.access_token,
		   expires_before = excluded.expires_before,
		   refresh_token = excluded.refresh_token,
		   refresh_expires_before = excluded.refresh_expires_before,
		   updated_at = excluded.updated_at`,
		string(key), ts.AccessToken, toUnix(ts.ExpiresBefore), ts.RefreshToken, toUnix(ts.RefreshExpiresBefore),
		now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	return nil
}

// DeleteTokens removes the TokenSet of key.
func (s *Store) DeleteTokens(ctx context.Context, key storage.OwnerKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE owner_key = ?`, string(key)); err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}
	return nil
}

// -----------------------
// BindingStore
// -----------------------

// GetBinding returns the binding of (realm, sub) with its tokens.
func (s *Store) GetBinding(ctx context.Context, realm, sub string) (*storage.IdentityBinding, error) {
	var (
		principal            []byte
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT principal, created_at, updated_at FROM bindings WHERE realm = ? AND subject = ?`,
		realm, sub,
	).Scan(&principal, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: binding %s/%s", storage.ErrNotFound, realm, sub)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}

	p, err := storage.UnmarshalPrincipal(principal)
	if err != nil {
		return nil, err
	}
	binding := &storage.IdentityBinding{
		Realm:     realm,
		Subject:   sub,
		Principal: p,
		CreatedAt: fromUnix(createdAt),
		UpdatedAt: fromUnix(updatedAt),
	}

	ts, err := getTokens(ctx, s.db, binding.Key())
	switch {
	case err == nil:
		binding.Tokens = ts
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	return binding, nil
}

// UpsertBinding creates or updates the binding of (binding.Realm, binding.Subject)
// and its tokens in one transaction.
func (s *Store) UpsertBinding(ctx context.Context, binding *storage.IdentityBinding) (*storage.IdentityBinding, error) {
	if err := storage.ValidateBinding(binding); err != nil {
		return nil, err
	}
	principal, err := storage.MarshalPrincipal(binding.Principal)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := binding.Clone()
	out.UpdatedAt = now
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO bindings (realm, subject, owner_key, principal, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(realm, subject) DO UPDATE SET
		   principal = excluded.principal,
		   updated_at = excluded.updated_at
		 RETURNING created_at`,
		out.Realm, out.Subject, string(out.Key()), string(principal), out.CreatedAt.UnixNano(), now.UnixNano(),
	).Scan(&createdAt)
	if err != nil {
		return nil, fmt.Errorf("upserting binding: %w", err)
	}
	out.CreatedAt = fromUnix(createdAt)

	if err := putTokens(ctx, tx, out.Key(), out.Tokens, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing binding: %w", err)
	}
	return out, nil
}

// DeleteBinding removes the binding of (realm, sub) and its tokens.
func (s *Store) DeleteBinding(ctx context.Context, realm, sub string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `DELETE FROM bindings WHERE realm = ? AND subject = ?`, realm, sub)
	if err != nil {
		return fmt.Errorf("deleting binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: binding %s/%s", storage.ErrNotFound, realm, sub)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE owner_key = ?`,
		string(storage.BindingKey(realm, sub))); err != nil {
		return fmt.Errorf("deleting binding tokens: %w", err)
	}
	return tx.Commit()
}

// -----------------------
// NonceStore
// -----------------------

// StoreNonce stores nonce until the nonce TTL passes.
func (s *Store) StoreNonce(ctx context.Context, nonce *storage.Nonce) error {
	if nonce == nil || nonce.State == "" {
		return fmt.Errorf("%w: nonce state cannot be empty", storage.ErrInvalidArgument)
	}
	now := s.now()
	createdAt := nonce.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nonces (state, realm, client_id, redirect_uri, next_path, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nonce.State, nonce.Realm, nonce.ClientID, nonce.RedirectURI, nonce.NextPath,
		createdAt.UnixNano(), now.Add(s.nonceTTL).UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: nonce", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to store nonce: %w", err)
	}
	return nil
}

// ConsumeNonce deletes the nonce of state and returns it.
func (s *Store) ConsumeNonce(ctx context.Context, state string) (*storage.Nonce, error) {
	var (
		nonce                = storage.Nonce{State: state}
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM nonces WHERE state = ?
		 RETURNING realm, client_id, redirect_uri, next_path, created_at, expires_at`,
		state,
	).Scan(&nonce.Realm, &nonce.ClientID, &nonce.RedirectURI, &nonce.NextPath, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: nonce", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume nonce: %w", err)
	}
	if s.now().After(fromUnix(expiresAt)) {
		return nil, storage.ErrExpired
	}
	nonce.CreatedAt = fromUnix(createdAt)
	return &nonce, nil
}

// PurgeExpiredNonces deletes nonces whose TTL has passed and returns how many
// were removed.
func (s *Store) PurgeExpiredNonces(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at < ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge nonces: %w", err)
	}
	return res.RowsAffected()
}

// -----------------------
// RealmStore
// -----------------------

// StoreRealmMetadata stores meta, replacing the previous metadata of its realm.
func (s *Store) StoreRealmMetadata(ctx context.Context, meta *storage.RealmMetadata) error {
	if meta == nil || meta.Realm == "" {
		return fmt.Errorf("%w: realm cannot be empty", storage.ErrInvalidArgument)
	}
	var uma sql.NullString
	if len(meta.UMA) > 0 {
		uma = sql.NullString{String: string(meta.UMA), Valid: true}
	}
	updatedAt := meta.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO realm_metadata (realm, discovery, uma, certs, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(realm) DO UPDATE SET
		   discovery = excluded.discovery,
		   uma = excluded.uma,
		   certs = excluded.certs,
		   updated_at = excluded.updated_at`,
		meta.Realm, string(meta.Discovery), uma, string(meta.Certs), updatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store realm metadata: %w", err)
	}
	return nil
}

// GetRealmMetadata returns the stored metadata of realm.
func (s *Store) GetRealmMetadata(ctx context.Context, realm string) (*storage.RealmMetadata, error) {
	var (
		discovery, certs string
		uma              sql.NullString
		updatedAt        int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT discovery, uma, certs, updated_at FROM realm_metadata WHERE realm = ?`, realm,
	).Scan(&discovery, &uma, &certs, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: metadata of realm %s", storage.ErrNotFound, realm)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get realm metadata: %w", err)
	}

	meta := &storage.RealmMetadata{
		Realm:     realm,
		Discovery: json.RawMessage(discovery),
		Certs:     json.RawMessage(certs),
		UpdatedAt: fromUnix(updatedAt),
	}
	if uma.Valid {
		meta.UMA = json.RawMessage(uma.String)
	}
	return meta, nil
}

// toUnix encodes t as Unix nanoseconds with 0 for the zero time.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
