// SPDX-License-Identifier: GPL-2.0-or-later

package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"arrec/pkg/log"
	"arrec/pkg/storage"

	"github.com/stretchr/testify/require"
)

const (
	testSessionID   = "11111111-1111-1111-1111-111111111111"
	activeSessionID = "22222222-2222-2222-2222-222222222222"
)

func newTestManager(t *testing.T) (*storage.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	for _, id := range []string{testSessionID, activeSessionID} {
		sessionDir := filepath.Join(dir, id)
		require.NoError(t, os.Mkdir(sessionDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "color.mov"), []byte("abc"), 0o600))
	}
	active := func() string { return activeSessionID }
	return storage.NewManager(dir, active, log.NewMockLogger()), dir
}

func TestSessions(t *testing.T) {
	m, _ := newTestManager(t)

	cases := map[string]struct {
		method string
		query  string
		code   int
		count  int
	}{
		"all":          {http.MethodGet, "", http.StatusOK, 2},
		"limit":        {http.MethodGet, "?limit=1", http.StatusOK, 1},
		"invalidLimit": {http.MethodGet, "?limit=x", http.StatusBadRequest, 0},
		"method":       {http.MethodPost, "", http.StatusMethodNotAllowed, 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(tc.method, "/api/sessions"+tc.query, nil)
			Sessions(m).ServeHTTP(w, r)
			require.Equal(t, tc.code, w.Code)
			if tc.code != http.StatusOK {
				return
			}
			var sessions []storage.SessionInfo
			require.NoError(t, json.NewDecoder(w.Body).Decode(&sessions))
			require.Len(t, sessions, tc.count)
			require.Equal(t, []string{"color.mov"}, sessions[0].Files)
		})
	}
}

func TestSessionDelete(t *testing.T) {
	m, dir := newTestManager(t)

	cases := []struct {
		name   string
		method string
		query  string
		code   int
	}{
		{"method", http.MethodGet, "?id=" + testSessionID, http.StatusMethodNotAllowed},
		{"missingID", http.MethodDelete, "", http.StatusBadRequest},
		{"invalidID", http.MethodDelete, "?id=..", http.StatusBadRequest},
		{"active", http.MethodDelete, "?id=" + activeSessionID, http.StatusConflict},
		{"ok", http.MethodDelete, "?id=" + testSessionID, http.StatusOK},
		{"notFound", http.MethodDelete, "?id=" + testSessionID, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(tc.method, "/api/session/delete"+tc.query, nil)
			SessionDelete(m).ServeHTTP(w, r)
			require.Equal(t, tc.code, w.Code)
		})
	}

	_, err := os.Stat(filepath.Join(dir, testSessionID))
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(dir, activeSessionID))
	require.NoError(t, err)
}

func TestSessionFile(t *testing.T) {
	m, _ := newTestManager(t)

	cases := map[string]struct {
		path string
		code int
	}{
		"ok":          {testSessionID + "/color.mov", http.StatusOK},
		"missingFile": {testSessionID + "/depth.mov", http.StatusNotFound},
		"noName":      {testSessionID, http.StatusBadRequest},
		"nested":      {testSessionID + "/a/b", http.StatusBadRequest},
		"dotDot":      {testSessionID + "/..", http.StatusBadRequest},
		"invalidID":   {"abc/color.mov", http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/session/file/"+tc.path, nil)
			SessionFile(m).ServeHTTP(w, r)
			require.Equal(t, tc.code, w.Code)
			if tc.code == http.StatusOK {
				require.Equal(t, "abc", w.Body.String())
			}
		})
	}
}

func TestContainsDotDot(t *testing.T) {
	require.True(t, containsDotDot(".."))
	require.True(t, containsDotDot(`a\..\b`))
	require.False(t, containsDotDot("a..b"))
	require.False(t, containsDotDot("color.mov"))
}
