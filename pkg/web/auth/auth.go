// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"arrec/pkg/log"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptHashCost bcrypt hash cost.
const DefaultBcryptHashCost = 10

// ErrInvalidHash the configured token hash is not a bcrypt hash.
var ErrInvalidHash = errors.New("invalid token hash")

// Authenticator checks the bearer token of requests against a bcrypt
// hash. An empty hash disables authentication.
type Authenticator struct {
	hash []byte

	// Results keyed by token, bcrypt is too slow to run per message.
	cache map[string]bool
	mu    sync.Mutex

	logger *log.Logger
}

// NewAuthenticator returns an authenticator for hash.
func NewAuthenticator(hash string, logger *log.Logger) (*Authenticator, error) {
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
		}
	}
	return &Authenticator{
		hash:   []byte(hash),
		cache:  make(map[string]bool),
		logger: logger,
	}, nil
}

// HashToken returns the bcrypt hash of token for the env file.
func HashToken(token string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AuthDisabled if all requests are allowed.
func (a *Authenticator) AuthDisabled() bool {
	return len(a.hash) == 0
}

// ValidateRequest reports whether the request carries the token.
// Websocket clients that can not set headers may use the
// "token" query parameter.
func (a *Authenticator) ValidateRequest(r *http.Request) bool {
	if a.AuthDisabled() {
		return true
	}
	token := requestToken(r)
	if token == "" {
		return false
	}

	a.mu.Lock()
	valid, exist := a.cache[token]
	a.mu.Unlock()
	if exist {
		return valid
	}

	valid = bcrypt.CompareHashAndPassword(a.hash, []byte(token)) == nil

	a.mu.Lock()
	a.cache[token] = valid
	a.mu.Unlock()
	return valid
}

func requestToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

// Require blocks requests without a valid token.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.ValidateRequest(r) {
			if requestToken(r) != "" {
				LogFailedLogin(a.logger, r)
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="arrec"`)
			http.Error(w, "Unauthorized.", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LogFailedLogin finds and logs the ip.
func LogFailedLogin(logger *log.Logger, r *http.Request) {
	ip := ""
	realIP := r.Header.Get("X-Real-Ip")
	if realIP != "" {
		ip += "real:" + realIP + " "
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" && forwarded != realIP {
		ip += "forwarded:" + forwarded + " "
	}
	remoteAddr := r.RemoteAddr
	if remoteAddr != "" && remoteAddr != forwarded {
		ip += "addr:" + remoteAddr
	}

	logger.Info().Src("auth").Msgf("invalid token: %v", strings.TrimSpace(ip))
}
