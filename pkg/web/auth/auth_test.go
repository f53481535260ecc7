// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"arrec/pkg/log"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()
	hash, err := HashToken("secret", bcrypt.MinCost)
	require.NoError(t, err)

	a, err := NewAuthenticator(hash, log.NewMockLogger())
	require.NoError(t, err)
	return a
}

func TestValidateRequest(t *testing.T) {
	cases := []struct {
		name     string
		header   string
		target   string
		expected bool
	}{
		{"bearer", "Bearer secret", "/", true},
		{"bearerLowercase", "bearer secret", "/", true},
		{"query", "", "/?token=secret", true},
		{"wrongToken", "Bearer nope", "/", false},
		{"basic", "Basic c2VjcmV0", "/", false},
		{"missing", "", "/", false},
	}
	a := newTestAuth(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			require.Equal(t, tc.expected, a.ValidateRequest(r))
			// Cached.
			require.Equal(t, tc.expected, a.ValidateRequest(r))
		})
	}
}

func TestRequire(t *testing.T) {
	a := newTestAuth(t)
	handler := a.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	t.Run("ok", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer secret")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		require.Equal(t, http.StatusTeapot, w.Code)
	})
	t.Run("unauthorized", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/?token=nope", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Equal(t, `Bearer realm="arrec"`, w.Header().Get("WWW-Authenticate"))
	})
}

func TestNewAuthenticator(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		a, err := NewAuthenticator("", log.NewMockLogger())
		require.NoError(t, err)
		require.True(t, a.AuthDisabled())
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		require.True(t, a.ValidateRequest(r))
	})
	t.Run("invalidHash", func(t *testing.T) {
		_, err := NewAuthenticator("plaintext", log.NewMockLogger())
		require.ErrorIs(t, err, ErrInvalidHash)
	})
}
