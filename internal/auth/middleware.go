package auth

import (
	"context"
	"net/http"
	"strings"

	lerrors "github.com/lorekeep/lorekeep/internal/errors"
)

type contextKey struct{}

var claimsKey contextKey

// Middleware returns an http middleware that requires a valid
// `Authorization: Bearer <token>` header and stores the verified claims
// in the request context.
func Middleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeUnauthorized(w, "missing authorization header")
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeUnauthorized(w, "authorization header must be a bearer token")
				return
			}

			claims, err := a.VerifyToken(token)
			if err != nil {
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// WithClaims returns a context carrying the claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// FromContext extracts the verified claims stored by Middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// UserID returns the authenticated user id, or "" when unauthenticated.
func UserID(ctx context.Context) string {
	if claims, ok := FromContext(ctx); ok {
		return claims.UserID
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	body, _ := lerrors.FormatJSON(lerrors.Unauthorized(message))
	_, _ = w.Write(body)
}
