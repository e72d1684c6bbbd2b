// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, OwnerKey("binding:acme:sub-1"), BindingKey("acme", "sub-1"))
	assert.Equal(t, OwnerKey("service:acme:api"), ServiceAccountKey("acme", "api"))
	assert.Equal(t, OwnerKey("exchange:acme:sub-1:downstream"), ExchangeKey("acme", "sub-1", "downstream"))

	// separators inside parts cannot make two owners collide
	assert.NotEqual(t, BindingKey("a:b", "c"), BindingKey("a", "b:c"))
	assert.NotEqual(t, BindingKey("acme", "x"), ServiceAccountKey("acme", "x"))
	assert.NotEqual(t, ExchangeKey("a:b", "c", "d"), ExchangeKey("a", "b:c", "d"))
	assert.NotEqual(t, ExchangeKey("a", "b", "c:d"), ExchangeKey("a", "b:c", "d"))
	assert.Equal(t, OwnerKey("binding:a%3Ab:c"), BindingKey("a:b", "c"))
}

func TestPrincipalVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		principal  Principal
		kind       PrincipalKind
		identifier string
	}{
		{"local", &LocalPrincipal{Username: "alice"}, PrincipalLocal, "alice"},
		{"remote", &RemoteClaimsPrincipal{Realm: "acme", Subject: "1234"}, PrincipalRemote, "acme,1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.kind, tt.principal.Kind())
			assert.Equal(t, tt.identifier, tt.principal.Identifier())

			data, err := MarshalPrincipal(tt.principal)
			require.NoError(t, err)
			back, err := UnmarshalPrincipal(data)
			require.NoError(t, err)
			assert.Equal(t, tt.principal, back)
		})
	}
}

func TestUnmarshalPrincipal_Errors(t *testing.T) {
	t.Parallel()

	p, err := UnmarshalPrincipal([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, p)

	for _, raw := range []string{`{"kind":"ghost"}`, `{"kind":"local"}`, `{"kind":"remote"}`, `{`} {
		_, err := UnmarshalPrincipal([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestIdentityBinding_Clone(t *testing.T) {
	t.Parallel()

	var nilBinding *IdentityBinding
	assert.Nil(t, nilBinding.Clone())

	b := &IdentityBinding{Realm: "acme", Subject: "s", Principal: &LocalPrincipal{Username: "u"}}
	c := b.Clone()
	c.Principal.(*LocalPrincipal).Username = "changed"
	assert.Equal(t, "u", b.Principal.Identifier())
	assert.Equal(t, BindingKey("acme", "s"), b.Key())
}
