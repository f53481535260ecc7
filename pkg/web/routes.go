// SPDX-License-Identifier: GPL-2.0-or-later

package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"arrec/pkg/log"
	"arrec/pkg/session"
	"arrec/pkg/storage"
	"arrec/pkg/system"
	"arrec/pkg/web/auth"

	"github.com/gorilla/websocket"
)

const jsonContentType = "application/json"

// StatusResponse status endpoint response.
type StatusResponse struct {
	Session session.Status `json:"session"`
	System  system.Status  `json:"system"`
}

// Status returns session and system status in json format.
func Status(sessionStatus func() session.Status, systemStatus func() system.Status) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		res := StatusResponse{
			Session: sessionStatus(),
			System:  systemStatus(),
		}
		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

func parseCSVParam(query url.Values, key string) []string {
	csv := query.Get(key)
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}

func parseLevels(query url.Values) ([]log.Level, error) {
	var levels []log.Level
	for _, levelStr := range parseCSVParam(query, "levels") {
		levelInt, err := strconv.Atoi(levelStr)
		if err != nil {
			return nil, fmt.Errorf("invalid levels list: %w", err)
		}
		levels = append(levels, log.Level(levelInt))
	}
	return levels, nil
}

// LogFeed opens a websocket with system logs.
func LogFeed(logger *log.Logger, a *auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		levels, err := parseLevels(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q := log.Query{
			Levels:   levels,
			Sources:  parseCSVParam(query, "sources"),
			Sessions: parseCSVParam(query, "sessions"),
		}

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		feed, cancel := logger.Subscribe()
		defer cancel()

		for {
			var entry log.Entry
			select {
			case entry = <-feed:
			case <-logger.Ctx.Done():
				return
			}

			if !log.LevelInLevels(entry.Level, q.Levels) ||
				!log.StringInStrings(entry.Src, q.Sources) ||
				!log.StringInStrings(entry.Session, q.Sessions) {
				continue
			}

			// Validate auth before each message.
			if !a.ValidateRequest(r) {
				return
			}

			if err := c.WriteJSON(entry); err != nil {
				return
			}
		}
	})
}

// LogQuery handles log queries.
func LogQuery(logDB *log.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		limit, err := strconv.Atoi(query.Get("limit"))
		if err != nil {
			http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err), http.StatusBadRequest)
			return
		}

		levels, err := parseLevels(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var time uint64
		if t := query.Get("time"); t != "" {
			time, err = strconv.ParseUint(t, 10, 64)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert time to int: %v", err), http.StatusBadRequest)
				return
			}
		}

		q := log.Query{
			Levels:   levels,
			Sources:  parseCSVParam(query, "sources"),
			Sessions: parseCSVParam(query, "sessions"),
			Time:     log.UnixMicro(time),
			Limit:    limit,
		}

		logs, err := logDB.Query(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(logs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// Sessions returns the stored sessions in json format, newest first.
func Sessions(m *storage.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		var limit int
		if l := r.URL.Query().Get("limit"); l != "" {
			var err error
			limit, err = strconv.Atoi(l)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err), http.StatusBadRequest)
				return
			}
		}

		sessions, err := m.List(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(sessions); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// SessionDelete handler to delete a stored session.
func SessionDelete(m *storage.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id missing", http.StatusBadRequest)
			return
		}

		err := m.Delete(id)
		switch {
		case errors.Is(err, storage.ErrInvalidID):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, storage.ErrActive):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, os.ErrNotExist):
			http.Error(w, "session not found", http.StatusNotFound)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// SessionFile serves a file of a stored session.
// "/api/session/file/<id>/<name>".
func SessionFile(m *storage.Manager) http.Handler {
	const prefix = "/api/session/file/"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		id, name, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, prefix), "/")
		if !ok || name == "" || strings.ContainsAny(name, `/\`) || containsDotDot(name) {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
		dir, err := m.SessionPath(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// ServeFile will sanitize ".."
		http.ServeFile(w, r, filepath.Join(dir, name))
	})
}

func containsDotDot(v string) bool {
	if !strings.Contains(v, "..") {
		return false
	}
	for _, ent := range strings.FieldsFunc(v, isSlashRune) {
		if ent == ".." {
			return true
		}
	}
	return false
}

func isSlashRune(r rune) bool { return r == '/' || r == '\\' }
