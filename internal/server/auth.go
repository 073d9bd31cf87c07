package server

import (
	"crypto/subtle"
	"net/http"
)

// AdminTokenHeader carries the shared admin secret on every request.
const AdminTokenHeader = "X-Admin-Token"

// requireToken rejects requests whose token does not match the configured
// secret. The comparison is constant-time; a missing token answers the same
// 401 as a wrong one.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(AdminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
