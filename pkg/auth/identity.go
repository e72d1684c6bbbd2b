// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"
)

// Identity is the principal behind a verified bearer token.
type Identity struct {
	// Realm is the realm the token was verified against.
	Realm string

	// Subject is the 'sub' claim. Always set.
	Subject string

	Name              string
	Email             string
	PreferredUsername string

	// Claims holds every claim of the verified token.
	Claims map[string]any

	// Token is the raw bearer token. Redacted by String and MarshalJSON.
	Token string
}

// String returns the Identity with the token left out.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Realm:%q, Subject:%q}", i.Realm, i.Subject)
}

// MarshalJSON redacts the raw token.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}

	type safeIdentity struct {
		Realm             string         `json:"realm"`
		Subject           string         `json:"subject"`
		Name              string         `json:"name,omitempty"`
		Email             string         `json:"email,omitempty"`
		PreferredUsername string         `json:"preferredUsername,omitempty"`
		Claims            map[string]any `json:"claims,omitempty"`
		Token             string         `json:"token,omitempty"`
	}

	token := i.Token
	if token != "" {
		token = "REDACTED"
	}

	return json.Marshal(&safeIdentity{
		Realm:             i.Realm,
		Subject:           i.Subject,
		Name:              i.Name,
		Email:             i.Email,
		PreferredUsername: i.PreferredUsername,
		Claims:            i.Claims,
		Token:             token,
	})
}
