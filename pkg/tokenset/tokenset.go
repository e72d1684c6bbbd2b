// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokenset holds the access/refresh token bundle persisted for every
// token owner (an identity binding, a client service account or a delegated
// exchange) and the state function that decides whether it can be used as is,
// refreshed, or must be thrown away.
package tokenset

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a TokenSet at a given instant.
type State int

const (
	// Fresh means the access token has not expired.
	Fresh State = iota
	// Refreshable means the access token has expired but the refresh token has not.
	Refreshable
	// Dead means the refresh token has expired or is absent.
	Dead
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Refreshable:
		return "refreshable"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TokenSet is the access/refresh token pair of one owner. A zero time means
// the expiry is absent.
type TokenSet struct {
	AccessToken          string    `json:"access_token"`
	ExpiresBefore        time.Time `json:"expires_before"`
	RefreshToken         string    `json:"refresh_token,omitempty"`
	RefreshExpiresBefore time.Time `json:"refresh_expires_before"`
}

// Lifetimes is the subset of a token endpoint response needed to build a TokenSet.
type Lifetimes struct {
	AccessToken      string
	ExpiresIn        int64
	RefreshToken     string
	RefreshExpiresIn int64
}

// FromResponse builds a TokenSet from a token response whose request was
// started at initiateTime. Expiries are relative to initiateTime, never to the
// instant the response arrived.
func FromResponse(resp Lifetimes, initiateTime time.Time) TokenSet {
	ts := TokenSet{
		AccessToken:   resp.AccessToken,
		ExpiresBefore: initiateTime.Add(time.Duration(resp.ExpiresIn) * time.Second),
		RefreshToken:  resp.RefreshToken,
	}
	if resp.RefreshToken != "" && resp.RefreshExpiresIn > 0 {
		ts.RefreshExpiresBefore = initiateTime.Add(time.Duration(resp.RefreshExpiresIn) * time.Second)
	}
	return ts
}

// IsEmpty reports whether no access token is held.
func (t TokenSet) IsEmpty() bool {
	return t.AccessToken == ""
}

// AccessExpired reports whether the access token is expired at now. A leeway
// treats the token as expired that much earlier.
func (t TokenSet) AccessExpired(now time.Time, leeway time.Duration) bool {
	if t.ExpiresBefore.IsZero() {
		return true
	}
	return now.After(t.ExpiresBefore.Add(-leeway))
}

// RefreshExpired reports whether the refresh token is absent or expired at now.
func (t TokenSet) RefreshExpired(now time.Time) bool {
	if t.RefreshToken == "" || t.RefreshExpiresBefore.IsZero() {
		return true
	}
	return now.After(t.RefreshExpiresBefore)
}

// State classifies the TokenSet at now. An unexpired access token is usable
// even when its refresh token is gone.
func (t TokenSet) State(now time.Time, leeway time.Duration) State {
	switch {
	case !t.IsEmpty() && !t.AccessExpired(now, leeway):
		return Fresh
	case t.RefreshExpired(now):
		return Dead
	default:
		return Refreshable
	}
}

// WithoutRefresh drops the refresh token so the set becomes Dead once the
// access token expires.
func (t TokenSet) WithoutRefresh() TokenSet {
	t.RefreshToken = ""
	t.RefreshExpiresBefore = time.Time{}
	return t
}

// String implements fmt.Stringer with the tokens redacted.
func (t TokenSet) String() string {
	return fmt.Sprintf("TokenSet{access_token: %s, expires_before: %s, refresh_token: %s, refresh_expires_before: %s}",
		redact(t.AccessToken), formatTime(t.ExpiresBefore), redact(t.RefreshToken), formatTime(t.RefreshExpiresBefore))
}

func redact(s string) string {
	if s == "" {
		return "<empty>"
	}
	return "[REDACTED]"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "<none>"
	}
	return t.UTC().Format(time.RFC3339)
}
