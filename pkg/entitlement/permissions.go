// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package entitlement

import (
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// PermissionMode selects how permissions are read from an RPT.
type PermissionMode string

const (
	// PermissionModeRole reads resource_access[client_id].roles.
	PermissionModeRole PermissionMode = "role"
	// PermissionModeResource flattens authorization.permissions into
	// "{scope}_{resource}" strings.
	PermissionModeResource PermissionMode = "resource"
)

// PermissionsFromClaims flattens the permissions of a decoded RPT. The
// result is sorted and free of duplicates.
//
// In resource mode each permission yields "{scope}_{resource}" per scope, or
// the bare resource name when it carries no scopes field at all. An empty
// scopes list yields nothing. A dotted resource name
// "app.model" yields "app.{scope}_{model}". The resource name is
// resource_set_name, falling back to rsname.
func PermissionsFromClaims(claims jwt.MapClaims, clientID string, mode PermissionMode) ([]string, error) {
	var perms []string
	switch mode {
	case PermissionModeRole:
		perms = rolePermissions(claims, clientID)
	case PermissionModeResource:
		perms = resourcePermissions(claims)
	default:
		return nil, fmt.Errorf("unsupported permission mode %q", mode)
	}
	if perms == nil {
		return []string{}, nil
	}
	slices.Sort(perms)
	return slices.Compact(perms), nil
}

func rolePermissions(claims jwt.MapClaims, clientID string) []string {
	access, _ := claims["resource_access"].(map[string]any)
	client, _ := access[clientID].(map[string]any)
	return stringSlice(client["roles"])
}

func resourcePermissions(claims jwt.MapClaims) []string {
	authz, _ := claims["authorization"].(map[string]any)
	entries, _ := authz["permissions"].([]any)

	var perms []string
	for _, entry := range entries {
		p, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		resource := resourceName(p)
		if resource == "" {
			continue
		}
		rawScopes, hasScopes := p["scopes"]
		if !hasScopes {
			perms = append(perms, resource)
			continue
		}
		scopes := stringSlice(rawScopes)
		app, model, dotted := strings.Cut(resource, ".")
		for _, scope := range scopes {
			if dotted {
				perms = append(perms, app+"."+scope+"_"+model)
			} else {
				perms = append(perms, scope+"_"+resource)
			}
		}
	}
	return perms
}

func resourceName(p map[string]any) string {
	if name, _ := p["resource_set_name"].(string); name != "" {
		return name
	}
	name, _ := p["rsname"].(string)
	return name
}

func stringSlice(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
