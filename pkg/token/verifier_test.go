// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
)

const (
	testKeyID  = "kid-1"
	testIssuer = "https://sso.example.com/realms/acme"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type keyPair struct {
	private *rsa.PrivateKey
	set     jwk.Set
}

func newKeyPair(t *testing.T, kid string) keyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.Import(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))
	return keyPair{private: priv, set: set}
}

func sign(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": testIssuer,
		"sub": "sub-alice",
		"aud": "account",
		"azp": "web",
		"iat": testNow.Add(-time.Minute).Unix(),
		"exp": testNow.Add(5 * time.Minute).Unix(),
	}
}

func with(claims jwt.MapClaims, key string, value any) jwt.MapClaims {
	out := jwt.MapClaims{}
	for k, v := range claims {
		out[k] = v
	}
	if value == nil {
		delete(out, key)
	} else {
		out[key] = value
	}
	return out
}

func TestVerifier_Verify(t *testing.T) {
	t.Parallel()

	kp := newKeyPair(t, testKeyID)
	other := newKeyPair(t, testKeyID)
	v := NewVerifier(WithClock(func() time.Time { return testNow }))
	defaults := VerifyOptions{AllowedAlgorithms: []string{"RS256"}, Issuer: testIssuer, Audience: "web"}

	accessToken := "opaque-access"
	atHash, err := AccessTokenHash("RS256", accessToken)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		opts    VerifyOptions
		check   func(error) bool
		wantErr error
	}{
		{
			name:  "valid token",
			token: sign(t, jwt.SigningMethodRS256, kp.private, testKeyID, baseClaims()),
			opts:  defaults,
		},
		{
			name:  "audience via aud",
			token: sign(t, jwt.SigningMethodRS256, kp.private, testKeyID, with(baseClaims(), "aud", []string{"billing", "web"})),
			opts:  VerifyOptions{AllowedAlgorithms: []string{"RS256"}, Audience: "billing"},
		},
		{
			name:  "token without kid matches any key",
			token: sign(t, jwt.SigningMethodRS256, kp.private, "", baseClaims()),
			opts:  defaults,
		},
		{
			name:  "leeway accepts recently expired token",
			token: sign(t, jwt.SigningMethodRS256, kp.private, testKeyID, with(baseClaims(), "exp", testNow.Add(-10*time.Second).Unix())),
			opts:  VerifyOptions{AllowedAlgorithms: []string{"RS256"}, Leeway: 30 * time.Second},
		},
		{
			name:  "matching at_hash",
			token: sign(t, jwt.SigningMethodRS256, kp.private, testKeyID, with(baseClaims(), "at_hash", atHash)),
			opts:  VerifyOptions{AllowedAlgorithms: []string{"RS256"}, AccessToken: accessToken},
		},
		{
			name:    "malformed token",
			token:   "not-a-jwt",
			opts:    defaults,
			check:   kcerrors.IsClaimsInvalid,
			wantErr: ErrMalformedToken,
		},
		{
			name:    "algorithm outside allow-list with valid signature",
			token:   sign(t, jwt.SigningMethodRS512, kp.private, testKeyID, baseClaims()),
			opts:    defaults,
			check:   kcerrors.IsClaimsInvalid,
			wantErr: ErrAlgorithmNotAllowed,
		},
		{
			name:    "hmac with public key material",
			token:   sign(t, jwt.SigningMethodHS256, []byte("public-key-bytes"), testKeyID, baseClaims()),
			opts:    defaults,
			check:   kcerrors.IsClaimsInvalid,
			wantErr: ErrAlgorithmNotAllowed,
		},
		{
			name:    "unknown kid",
			token:   sign(t, jwt.SigningMethodRS256, kp.private, "rotated", baseClaims()),
			opts:    defaults,
			check:   kcerrors.IsSignatureInvalid,
			wantErr: ErrNoMatchingKey,
		},
		{
			name:  "signed by another key",
			token: sign(t, jwt.SigningMethodRS256, other.private, testKeyID, baseClaims()),
			opts:  defaults,
			check: kcerrors.IsSignatureInvalid,
		},
		{
			name:  "expired",
			token: sign(t, jwt.SigningMethodRS256, kp.private, testKeyID, with(baseClaims(), "exp", testNow.Add(-time.Second).Unix())),
			opts:  defaults,
			check: kcerrors.IsTokenExpired,
		},
		{
			name:  "missing exp",
			token: sign(t, jwt.SigningMethodRS256, kp.private, testKeyID, with(baseClaims(), "exp", nil)),
			opts:  defaults,
			check: kcerrors.IsClaimsInvalid,
		},
		{
			name:  "not valid yet",
			token: sign(t, jwt.SigningMethodRS256, kp.private, testKeyID, with(baseClaims(), "nbf", testNow.Add(time.Hour).Unix())),
			opts:  defaults,
			check: kcerrors.IsClaimsInvalid,
		},
		{
			name:    "issuer mismatch",
			token:   sign(t, jwt.SigningMethodRS256, kp.private, testKeyID, with(baseClaims(), "iss", "https://evil.example.com/realms/acme")),
			opts:    defaults,
			check:   kcerrors.IsClaimsInvalid,
			wantErr: ErrIssuerMismatch,
		},
		{
			name:    "audience mismatch",
			token:   sign(t, jwt.SigningMethodRS256, kp.private, testKeyID, baseClaims()),
			opts:    VerifyOptions{AllowedAlgorithms: []string{"RS256"}, Audience: "billing"},
			check:   kcerrors.IsClaimsInvalid,
			wantErr: ErrAudienceMismatch,
		},
		{
			name:    "at_hash mismatch",
			token:   sign(t, jwt.SigningMethodRS256, kp.private, testKeyID, with(baseClaims(), "at_hash", atHash)),
			opts:    VerifyOptions{AllowedAlgorithms: []string{"RS256"}, AccessToken: "another-access"},
			check:   kcerrors.IsClaimsInvalid,
			wantErr: ErrAccessTokenHash,
		},
		{
			name:  "empty allow-list",
			token: sign(t, jwt.SigningMethodRS256, kp.private, testKeyID, baseClaims()),
			opts:  VerifyOptions{},
			check: kcerrors.IsConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			claims, err := v.Verify(tt.token, kp.set, tt.opts)
			if tt.check == nil {
				require.NoError(t, err)
				assert.Equal(t, "sub-alice", claims["sub"])
				return
			}
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error type: %v", err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Nil(t, claims)
		})
	}
}

func TestVerifier_NilKeySet(t *testing.T) {
	t.Parallel()

	_, err := NewVerifier().Verify("a.b.c", nil, VerifyOptions{AllowedAlgorithms: []string{"RS256"}})
	assert.True(t, kcerrors.IsConfiguration(err))
}

func TestVerifier_DefaultClock(t *testing.T) {
	t.Parallel()

	kp := newKeyPair(t, testKeyID)
	claims := with(baseClaims(), "exp", time.Now().Add(time.Minute).Unix())
	_, err := NewVerifier().Verify(sign(t, jwt.SigningMethodRS256, kp.private, testKeyID, claims), kp.set,
		VerifyOptions{AllowedAlgorithms: []string{"RS256"}})
	assert.NoError(t, err)
}

func TestAccessTokenHash(t *testing.T) {
	t.Parallel()

	// example from OpenID Connect Core 1.0, appendix A.3
	got, err := AccessTokenHash("RS256", "jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y")
	require.NoError(t, err)
	assert.Equal(t, "77QmUPtjPfzWtF2AnpK9RQ", got)

	_, err = AccessTokenHash("none", "x")
	assert.ErrorIs(t, err, ErrAlgorithmNotAllowed)

	long, err := AccessTokenHash("RS512", "x")
	require.NoError(t, err)
	assert.Len(t, long, 43)
}
