package auth

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

type contextKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext returns the principal attached by Middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// GetActorIDFromRequest returns the authenticated actor, or "".
func GetActorIDFromRequest(r *http.Request) string {
	p, _ := PrincipalFromContext(r.Context())
	return p.ActorID
}

// Middleware authenticates every request that is not in publicPaths and
// attaches the Principal to the request context.
func (m *Manager) Middleware(publicPaths map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			p, err := m.Authenticate(r)
			if err != nil {
				if !errors.Is(err, ErrUnauthenticated) {
					m.logger.Debug("Rejected credentials", zap.String("path", r.URL.Path), zap.Error(err))
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="steerd"`)
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin rejects non-admin principals with 403.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !p.IsAdmin() {
			http.Error(w, "Admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
