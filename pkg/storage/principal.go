// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"
	"maps"
)

// PrincipalKind tags the variant of a Principal.
type PrincipalKind string

const (
	// PrincipalLocal is a principal built from token claims into local fields.
	PrincipalLocal PrincipalKind = "local"
	// PrincipalRemote is a principal backed by the raw claims of the provider.
	PrincipalRemote PrincipalKind = "remote"
)

// Principal is the user an identity binding resolves to. It is either a
// *LocalPrincipal or a *RemoteClaimsPrincipal.
type Principal interface {
	Kind() PrincipalKind
	Identifier() string

	sealed()
}

// LocalPrincipal is a user profile copied out of the token claims.
type LocalPrincipal struct {
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Kind implements Principal.
func (*LocalPrincipal) Kind() PrincipalKind { return PrincipalLocal }

// Identifier returns the username.
func (p *LocalPrincipal) Identifier() string { return p.Username }

func (*LocalPrincipal) sealed() {}

// RemoteClaimsPrincipal is a user known only by the claims of the provider.
type RemoteClaimsPrincipal struct {
	Realm   string         `json:"realm"`
	Subject string         `json:"subject"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// Kind implements Principal.
func (*RemoteClaimsPrincipal) Kind() PrincipalKind { return PrincipalRemote }

// Identifier returns "{realm},{sub}".
func (p *RemoteClaimsPrincipal) Identifier() string {
	return p.Realm + "," + p.Subject
}

func (*RemoteClaimsPrincipal) sealed() {}

func clonePrincipal(p Principal) Principal {
	switch v := p.(type) {
	case *LocalPrincipal:
		c := *v
		return &c
	case *RemoteClaimsPrincipal:
		c := *v
		c.Claims = maps.Clone(v.Claims)
		return &c
	default:
		return nil
	}
}

type storedPrincipal struct {
	Kind   PrincipalKind          `json:"kind"`
	Local  *LocalPrincipal        `json:"local,omitempty"`
	Remote *RemoteClaimsPrincipal `json:"remote,omitempty"`
}

// MarshalPrincipal encodes a principal with its kind tag. A nil principal
// encodes as JSON null.
func MarshalPrincipal(p Principal) ([]byte, error) {
	switch v := p.(type) {
	case nil:
		return []byte("null"), nil
	case *LocalPrincipal:
		return json.Marshal(storedPrincipal{Kind: PrincipalLocal, Local: v})
	case *RemoteClaimsPrincipal:
		return json.Marshal(storedPrincipal{Kind: PrincipalRemote, Remote: v})
	default:
		return nil, fmt.Errorf("unknown principal type %T", p)
	}
}

// UnmarshalPrincipal decodes the output of MarshalPrincipal.
func UnmarshalPrincipal(data []byte) (Principal, error) {
	var stored *storedPrincipal
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal principal: %w", err)
	}
	if stored == nil {
		return nil, nil
	}
	switch stored.Kind {
	case PrincipalLocal:
		if stored.Local == nil {
			return nil, fmt.Errorf("local principal without body")
		}
		return stored.Local, nil
	case PrincipalRemote:
		if stored.Remote == nil {
			return nil, fmt.Errorf("remote principal without body")
		}
		return stored.Remote, nil
	default:
		return nil, fmt.Errorf("unknown principal kind %q", stored.Kind)
	}
}
