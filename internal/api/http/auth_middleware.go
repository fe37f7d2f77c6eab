package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireAdmin guards operator routes with a static bearer token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			respondError(w, http.StatusForbidden, "FORBIDDEN", "admin api disabled")
			return
		}
		token := extractToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			respondError(w, http.StatusForbidden, "FORBIDDEN", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireLeader rejects writes on a replication follower, whose audit trail
// cannot append.
func (s *Server) requireLeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.leadership == nil || r.Method == http.MethodGet || r.Method == http.MethodHead || s.leadership.IsLeader() {
			next.ServeHTTP(w, r)
			return
		}
		if leader := s.leadership.LeaderAddr(); leader != "" {
			w.Header().Set("X-Raft-Leader", leader)
		}
		respondError(w, http.StatusServiceUnavailable, "NOT_LEADER", "this instance is a replication follower")
	})
}

func extractToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}
