package api

import (
	"net/http"

	"github.com/mattjoyce/mender/internal/auth"
)

// authMiddleware resolves the bearer token to a principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Auth == nil {
			s.writeError(w, http.StatusUnauthorized, "no API credentials configured")
			return
		}
		principal, err := s.config.Auth.Authenticate(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requireScopes rejects principals holding none of scopes. "*" always passes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !principal.Allows(scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// mayRemediate writes 403 and returns false when the caller's token is
// restricted to workspaces that do not include ws.
func (s *Server) mayRemediate(w http.ResponseWriter, r *http.Request, ws string) bool {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if principal.MayRemediate(ws) {
		return true
	}
	s.logger.Warn("workspace outside token scope", "principal", principal.Name, "workspace", ws)
	s.writeError(w, http.StatusForbidden, "token may not remediate "+ws)
	return false
}
