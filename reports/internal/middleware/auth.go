package middleware

import (
	"context"
	"net/http"
	"strings"

	"report-evaluation-pipeline/shared/authx"
	"report-evaluation-pipeline/shared/httpx"
)

type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (authx.Principal, error)
}

// AuthMiddleware requires a verified bearer token on every route it wraps.
type AuthMiddleware struct {
	Verifier TokenVerifier
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "token verification not configured", nil)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="reports"`)
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		p, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="reports", error="invalid_token"`)
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(authx.WithPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireRole admits principals holding role; an empty role admits any
// authenticated caller.
func RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := authx.PrincipalFrom(r.Context())
		switch {
		case !ok:
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required", nil)
		case !p.HasRole(role):
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "missing role "+role, nil)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
