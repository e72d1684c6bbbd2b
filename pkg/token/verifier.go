// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token verifies JWTs issued by a Keycloak realm against the realm's
// cached signing keys. Verification never performs I/O.
package token

import (
	"crypto"
	_ "crypto/sha256" // register SHA-256 for at_hash
	_ "crypto/sha512" // register SHA-384 and SHA-512 for at_hash
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
)

// Sentinel causes carried inside the typed verification errors.
var (
	ErrMalformedToken      = errors.New("token is malformed")
	ErrAlgorithmNotAllowed = errors.New("signing algorithm not allowed")
	ErrNoMatchingKey       = errors.New("no key matches the token")
	ErrIssuerMismatch      = errors.New("issuer mismatch")
	ErrAudienceMismatch    = errors.New("audience mismatch")
	ErrAccessTokenHash     = errors.New("at_hash does not match the access token")
)

// VerifyOptions are the per-call expectations of Verify.
type VerifyOptions struct {
	// AllowedAlgorithms is the algorithm allow-list, normally taken from the
	// realm discovery document. It must not be empty.
	AllowedAlgorithms []string

	// Issuer is the expected iss claim. Empty skips the check.
	Issuer string

	// Audience must appear in aud or equal azp. Empty skips the check.
	Audience string

	// AccessToken is checked against at_hash when both are present.
	AccessToken string

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// Verifier decodes and verifies JWTs.
type Verifier struct {
	now func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a Verifier.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify decodes tokenString and checks, in order, its structure, that its
// algorithm is allowed, its signature against keys, its expiry and its
// issuer, audience and at_hash claims. It returns the claims on success.
//
// Failures are typed: ClaimsInvalid for malformed tokens, disallowed
// algorithms and claim mismatches, SignatureInvalid for bad signatures and
// TokenExpired for expired tokens.
func (v *Verifier) Verify(tokenString string, keys jwk.Set, opts VerifyOptions) (jwt.MapClaims, error) {
	if len(opts.AllowedAlgorithms) == 0 {
		return nil, kcerrors.NewConfigurationError("no signing algorithms allowed", nil)
	}
	if keys == nil {
		return nil, kcerrors.NewConfigurationError("no signing keys", nil)
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, kcerrors.NewClaimsInvalidError("malformed token", fmt.Errorf("%w: %w", ErrMalformedToken, err))
	}
	alg, _ := unverified.Header["alg"].(string)
	if !slices.Contains(opts.AllowedAlgorithms, alg) {
		return nil, kcerrors.NewClaimsInvalidError(
			fmt.Sprintf("algorithm %q is not allowed", alg), ErrAlgorithmNotAllowed)
	}

	candidates, err := keysFor(unverified, keys)
	if err != nil {
		return nil, kcerrors.NewSignatureInvalidError("no verification key", err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(opts.AllowedAlgorithms),
		jwt.WithoutClaimsValidation(),
	)
	var parsed *jwt.Token
	for _, key := range candidates {
		parsed, err = parser.Parse(tokenString, func(*jwt.Token) (any, error) {
			return key, nil
		})
		if err == nil {
			break
		}
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, kcerrors.NewClaimsInvalidError("malformed token", fmt.Errorf("%w: %w", ErrMalformedToken, err))
		}
		return nil, kcerrors.NewSignatureInvalidError("signature verification failed", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, kcerrors.NewClaimsInvalidError("malformed token", ErrMalformedToken)
	}

	now := v.now()
	if err := checkTimes(claims, now, opts.Leeway); err != nil {
		return nil, err
	}
	if err := checkIssuer(claims, opts.Issuer); err != nil {
		return nil, err
	}
	if err := checkAudience(claims, opts.Audience); err != nil {
		return nil, err
	}
	if err := checkAccessTokenHash(claims, alg, opts.AccessToken); err != nil {
		return nil, err
	}
	return claims, nil
}

// keysFor returns the key matching the kid header, or every key of the set
// when the token has no kid.
func keysFor(t *jwt.Token, keys jwk.Set) ([]any, error) {
	if kid, ok := t.Header["kid"].(string); ok && kid != "" {
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("%w: kid %q", ErrNoMatchingKey, kid)
		}
		raw, err := exportKey(key)
		if err != nil {
			return nil, err
		}
		return []any{raw}, nil
	}

	var out []any
	for i := range keys.Len() {
		key, ok := keys.Key(i)
		if !ok {
			continue
		}
		if raw, err := exportKey(key); err == nil {
			out = append(out, raw)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoMatchingKey
	}
	return out, nil
}

func exportKey(key jwk.Key) (any, error) {
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export key: %w", err)
	}
	return raw, nil
}

func checkTimes(claims jwt.MapClaims, now time.Time, leeway time.Duration) error {
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return kcerrors.NewClaimsInvalidError("invalid exp claim", err)
	}
	if exp == nil {
		return kcerrors.NewClaimsInvalidError("missing exp claim", nil)
	}
	if now.After(exp.Add(leeway)) {
		return kcerrors.NewTokenExpiredError(fmt.Sprintf("token expired at %s", exp.UTC().Format(time.RFC3339)), nil)
	}

	nbf, err := claims.GetNotBefore()
	if err != nil {
		return kcerrors.NewClaimsInvalidError("invalid nbf claim", err)
	}
	if nbf != nil && now.Add(leeway).Before(nbf.Time) {
		return kcerrors.NewClaimsInvalidError("token is not valid yet", nil)
	}
	return nil
}

func checkIssuer(claims jwt.MapClaims, issuer string) error {
	if issuer == "" {
		return nil
	}
	iss, err := claims.GetIssuer()
	if err != nil || iss != issuer {
		return kcerrors.NewClaimsInvalidError(fmt.Sprintf("issuer %q, want %q", iss, issuer), ErrIssuerMismatch)
	}
	return nil
}

func checkAudience(claims jwt.MapClaims, audience string) error {
	if audience == "" {
		return nil
	}
	aud, err := claims.GetAudience()
	if err == nil && slices.Contains(aud, audience) {
		return nil
	}
	if azp, _ := claims["azp"].(string); azp == audience {
		return nil
	}
	return kcerrors.NewClaimsInvalidError(fmt.Sprintf("token is not meant for %q", audience), ErrAudienceMismatch)
}

func checkAccessTokenHash(claims jwt.MapClaims, alg, accessToken string) error {
	atHash, _ := claims["at_hash"].(string)
	if atHash == "" || accessToken == "" {
		return nil
	}
	want, err := AccessTokenHash(alg, accessToken)
	if err != nil {
		return kcerrors.NewClaimsInvalidError("cannot verify at_hash", err)
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(atHash)) != 1 {
		return kcerrors.NewClaimsInvalidError("invalid at_hash", ErrAccessTokenHash)
	}
	return nil
}

// AccessTokenHash computes the OIDC at_hash of accessToken for an ID token
// signed with alg: the left half of the hash, base64url encoded.
func AccessTokenHash(alg, accessToken string) (string, error) {
	var h crypto.Hash
	switch alg {
	case "RS256", "ES256", "PS256":
		h = crypto.SHA256
	case "RS384", "ES384", "PS384":
		h = crypto.SHA384
	case "RS512", "ES512", "PS512", "EdDSA":
		h = crypto.SHA512
	default:
		return "", fmt.Errorf("%w: %s", ErrAlgorithmNotAllowed, alg)
	}
	hasher := h.New()
	hasher.Write([]byte(accessToken))
	sum := hasher.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
