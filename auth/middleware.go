package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const claimsKey contextKey = "claims"

// openPaths can be reached without a token. Paths ending in "/" match as
// prefixes, everything else matches exactly.
var openPaths = []string{
	"/auth/login",
	"/health",
	"/stream",
}

func pathAllowed(path string) bool {
	for _, p := range openPaths {
		if path == p {
			return true
		}
		if strings.HasSuffix(p, "/") && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// RequireAuth wraps a handler and rejects requests without a valid token.
// The token is read from the Authorization header ("Bearer <token>") or,
// failing that, a "token" cookie.
func (s *Service) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pathAllowed(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenString = strings.TrimPrefix(h, "Bearer ")
		} else if c, err := r.Cookie("token"); err == nil {
			tokenString = c.Value
		}

		if tokenString == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		claims, err := s.VerifyToken(tokenString)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the verified claims for the request, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}
