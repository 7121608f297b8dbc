package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/FairForge/meridian/internal/auth"
)

type contextKey string

const claimsKey contextKey = "claims"

// claimsFrom returns the operator claims attached by requireOperator, or
// nil on unauthenticated routes.
func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return claims
}

// requireOperator guards mutating routes with a bearer token carrying the
// operator role. With no token manager configured the route is disabled
// outright rather than left open.
func (s *Server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.tokens == nil {
			s.respondError(w, http.StatusForbidden, "operator auth is not configured")
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		claims, err := s.tokens.ValidateOperator(token)
		if err != nil {
			s.respondError(w, http.StatusForbidden, "invalid operator token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

// requireAPIKey guards the external report ingestion route with the
// configured key hash. Like requireOperator, an unconfigured hash closes
// the route. The hash is read per request so a config reload rotates the
// key without a restart.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := s.controller.Config().Auth.APIKeyHash
		if hash == "" {
			s.respondError(w, http.StatusForbidden, "report ingestion is not configured")
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" || !auth.VerifyAPIKey(hash, key) {
			s.respondError(w, http.StatusUnauthorized, "valid X-API-Key required")
			return
		}
		next(w, r)
	}
}
