// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package monolith

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/moltserver/molt/internal/config"
)

// statusCredentials is the immutable auth view swapped atomically on
// each applied snapshot.
type statusCredentials struct {
	anonymous    bool
	username     string
	passwordHash string
}

func credentialsFrom(cfg config.StatusConfig) *statusCredentials {
	return &statusCredentials{
		anonymous:    cfg.Anonymous,
		username:     cfg.Username,
		passwordHash: cfg.PasswordHash,
	}
}

// authorizeStatus enforces basic auth on the status endpoint. Writes
// the 401 challenge and returns false when credentials are missing or
// wrong. Both checks always run so a response time does not reveal
// which one failed.
func (s *Server) authorizeStatus(w http.ResponseWriter, r *http.Request) bool {
	creds := s.statusAuth.Load()
	if creds.anonymous {
		return true
	}

	user, pass, ok := r.BasicAuth()
	if ok {
		userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(creds.username)) == 1
		passErr := bcrypt.CompareHashAndPassword([]byte(creds.passwordHash), []byte(pass))
		if userMatch && passErr == nil {
			return true
		}
	}

	w.Header().Set("WWW-Authenticate", `Basic realm="molt"`)
	s.writeJSON(w, http.StatusUnauthorized, errorResponse{
		Error: "authentication required",
	})
	return false
}
