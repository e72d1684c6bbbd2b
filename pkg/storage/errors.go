// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = httperr.WithCode(
		errors.New("resource not found"),
		http.StatusNotFound,
	)

	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = httperr.WithCode(
		errors.New("resource already exists"),
		http.StatusConflict,
	)

	// ErrExpired is returned when a resource exists but its TTL has passed.
	ErrExpired = httperr.WithCode(
		errors.New("resource expired"),
		http.StatusGone,
	)

	// ErrLockTimeout is returned when a lock could not be acquired in time.
	ErrLockTimeout = httperr.WithCode(
		errors.New("timed out waiting for lock"),
		http.StatusServiceUnavailable,
	)

	// ErrInvalidArgument is returned for empty keys and nil values.
	ErrInvalidArgument = httperr.WithCode(
		errors.New("invalid argument"),
		http.StatusBadRequest,
	)
)
