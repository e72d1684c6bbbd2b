// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discoveryDoc struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

func jsonServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestFetchJSON_GET(t *testing.T) {
	t.Parallel()

	server := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, ContentTypeJSON, r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("X-Realm", "acme")
		_ = json.NewEncoder(w).Encode(discoveryDoc{Issuer: "https://sso/realms/acme", JWKSURI: "https://sso/certs"})
	})

	result, err := FetchJSON[discoveryDoc](context.Background(), server.Client(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://sso/realms/acme", result.Data.Issuer)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "acme", result.Headers.Get("X-Realm"))
}

func TestFetchJSON_RawMessage(t *testing.T) {
	t.Parallel()

	server := jsonServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	})

	result, err := FetchJSON[json.RawMessage](context.Background(), server.Client(), server.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"keys":[]}`, string(result.Data))
}

func TestFetchJSONWithForm(t *testing.T) {
	t.Parallel()

	server := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ContentTypeFormURLEncoded, r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "my%3Aclient", user)
		assert.Equal(t, "s%26cret", pass)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issuer":"ok"}`))
	})

	form := url.Values{"grant_type": {"refresh_token"}}
	result, err := FetchJSONWithForm[discoveryDoc](context.Background(), server.Client(), server.URL, form,
		WithBasicAuth("my:client", "s&cret"))
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Data.Issuer)
}

func TestFetchJSON_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		opts    []FetchOption
		check   func(t *testing.T, err error)
	}{
		{
			name: "non-200 becomes HTTPError with body preview",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(strings.Repeat("x", DefaultErrorPreviewSize*2)))
			},
			check: func(t *testing.T, err error) {
				t.Helper()
				assert.True(t, IsHTTPError(err, http.StatusServiceUnavailable))
				assert.False(t, IsHTTPError(err, http.StatusNotFound))
				var httpErr *HTTPError
				require.ErrorAs(t, err, &httpErr)
				assert.Len(t, httpErr.Body, DefaultErrorPreviewSize)
				assert.NotContains(t, err.Error(), "xxx")
			},
		},
		{
			name: "wrong content type",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte(`{}`))
			},
			check: func(t *testing.T, err error) {
				t.Helper()
				assert.ErrorContains(t, err, "unexpected content type")
			},
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{not json`))
			},
			check: func(t *testing.T, err error) {
				t.Helper()
				assert.ErrorContains(t, err, "failed to parse JSON response")
			},
		},
		{
			name: "custom error handler",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			},
			opts: []FetchOption{WithErrorHandler(func(resp *http.Response, body []byte) error {
				return fmt.Errorf("status %d: %s", resp.StatusCode, body)
			})},
			check: func(t *testing.T, err error) {
				t.Helper()
				assert.ErrorContains(t, err, "invalid_grant")
				assert.False(t, IsHTTPError(err, 0))
			},
		},
		{
			name: "custom error handler returning nil falls back",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			opts: []FetchOption{WithErrorHandler(func(*http.Response, []byte) error { return nil })},
			check: func(t *testing.T, err error) {
				t.Helper()
				assert.True(t, IsHTTPError(err, http.StatusInternalServerError))
			},
		},
		{
			name: "response size limit",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"issuer":"` + strings.Repeat("a", 100) + `"}`))
			},
			opts: []FetchOption{WithMaxResponseSize(16)},
			check: func(t *testing.T, err error) {
				t.Helper()
				assert.ErrorContains(t, err, "failed to parse JSON response")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := jsonServer(t, tt.handler)
			_, err := FetchJSON[discoveryDoc](context.Background(), server.Client(), server.URL, tt.opts...)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestFetchJSON_DeadlineIsVisible(t *testing.T) {
	t.Parallel()

	server := jsonServer(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := FetchJSON[discoveryDoc](ctx, server.Client(), server.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPostForm(t *testing.T) {
	t.Parallel()

	var got url.Values
	server := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		if r.PostForm.Get("refresh_token") == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	err := PostForm(context.Background(), server.Client(), server.URL, url.Values{"refresh_token": {"R"}})
	require.NoError(t, err)
	assert.Equal(t, "R", got.Get("refresh_token"))

	err = PostForm(context.Background(), server.Client(), server.URL, url.Values{"refresh_token": {"bad"}})
	assert.True(t, IsHTTPError(err, http.StatusBadRequest))
}
