// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error taxonomy shared by the token lifecycle
// packages. Callers branch on the type to decide between asking the user to
// re-authenticate, retrying, or rejecting a presented token.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrTokensExpired is returned when a TokenSet can no longer be refreshed
	// and the owner must authenticate again.
	ErrTokensExpired = "tokens_expired"

	// ErrGrantFailed is returned when a grant exchange against the provider fails
	ErrGrantFailed = "grant_failed"

	// ErrSignatureInvalid is returned when a token signature does not verify
	ErrSignatureInvalid = "signature_invalid"

	// ErrClaimsInvalid is returned when a token is malformed, uses a disallowed
	// algorithm, or carries an unexpected issuer or audience
	ErrClaimsInvalid = "claims_invalid"

	// ErrTokenExpired is returned when a presented token's exp claim has passed
	ErrTokenExpired = "token_expired"

	// ErrConfiguration is returned for missing or invalid realm or client configuration
	ErrConfiguration = "configuration"
)

// OAuth2 error code returned by the token endpoint when a grant (code or
// refresh token) is invalid, expired or revoked.
const invalidGrantCode = "invalid_grant"

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// GrantError describes a failed exchange with the token endpoint.
type GrantError struct {
	// Code is the RFC 6749 error code, e.g. invalid_grant. Empty for transport failures.
	Code string

	// Description is the provider supplied error_description, if any.
	Description string

	// StatusCode is the HTTP status of the provider response, 0 when no response was received.
	StatusCode int

	// Retryable is true for timeouts, network failures and server side errors.
	Retryable bool

	// Cause is the underlying transport error, if any.
	Cause error
}

// Error returns the error message
func (e *GrantError) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	case e.Code != "":
		return e.Code
	case e.Cause != nil && e.StatusCode != 0:
		return fmt.Sprintf("status %d: %v", e.StatusCode, e.Cause)
	case e.Cause != nil:
		return e.Cause.Error()
	default:
		return fmt.Sprintf("status %d", e.StatusCode)
	}
}

// Unwrap returns the underlying error
func (e *GrantError) Unwrap() error {
	return e.Cause
}

// IsInvalidGrant reports whether the provider rejected the grant itself.
func (e *GrantError) IsInvalidGrant() bool {
	return e.Code == invalidGrantCode
}

// NewTokensExpiredError creates a new tokens expired error
func NewTokensExpiredError(message string, cause error) *Error {
	return NewError(ErrTokensExpired, message, cause)
}

// NewGrantFailedError creates a new grant failed error
func NewGrantFailedError(message string, cause *GrantError) *Error {
	if cause == nil {
		return NewError(ErrGrantFailed, message, nil)
	}
	return NewError(ErrGrantFailed, message, cause)
}

// NewSignatureInvalidError creates a new signature invalid error
func NewSignatureInvalidError(message string, cause error) *Error {
	return NewError(ErrSignatureInvalid, message, cause)
}

// NewClaimsInvalidError creates a new claims invalid error
func NewClaimsInvalidError(message string, cause error) *Error {
	return NewError(ErrClaimsInvalid, message, cause)
}

// NewTokenExpiredError creates a new token expired error
func NewTokenExpiredError(message string, cause error) *Error {
	return NewError(ErrTokenExpired, message, cause)
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrConfiguration, message, cause)
}

func isType(err error, errorType string) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errorType {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsTokensExpired checks if the error is a tokens expired error
func IsTokensExpired(err error) bool {
	return isType(err, ErrTokensExpired)
}

// IsGrantFailed checks if the error is a grant failed error
func IsGrantFailed(err error) bool {
	return isType(err, ErrGrantFailed)
}

// IsSignatureInvalid checks if the error is a signature invalid error
func IsSignatureInvalid(err error) bool {
	return isType(err, ErrSignatureInvalid)
}

// IsClaimsInvalid checks if the error is a claims invalid error
func IsClaimsInvalid(err error) bool {
	return isType(err, ErrClaimsInvalid)
}

// IsTokenExpired checks if the error is a token expired error
func IsTokenExpired(err error) bool {
	return isType(err, ErrTokenExpired)
}

// IsConfiguration checks if the error is a configuration error
func IsConfiguration(err error) bool {
	return isType(err, ErrConfiguration)
}

// IsVerification checks if the error was raised while verifying a presented token.
func IsVerification(err error) bool {
	return IsSignatureInvalid(err) || IsClaimsInvalid(err) || IsTokenExpired(err)
}

// IsRetryable reports whether err wraps a GrantError that may succeed on retry.
func IsRetryable(err error) bool {
	var ge *GrantError
	return errors.As(err, &ge) && ge.Retryable
}

// IsInvalidGrant reports whether err wraps a GrantError carrying invalid_grant.
func IsInvalidGrant(err error) bool {
	var ge *GrantError
	return errors.As(err, &ge) && ge.IsInvalidGrant()
}
