package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	apierrors "wslicense/internal/errors"
	"wslicense/internal/security"
)

// BearerToken returns the credential of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// AdminAuth guards administrative routes with a static bearer token.
// An empty token disables the routes entirely rather than leaving them
// open.
func AdminAuth(token string, errs *apierrors.ErrorHandler, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if token == "" {
				logger.WarnContext(ctx, "admin route called without configured admin token",
					"path", r.URL.Path,
				)
				errs.HandleError(w, r, apierrors.ErrServiceUnavailable)
				return
			}

			got := BearerToken(r)
			if got == "" || !security.SecureCompare([]byte(got), []byte(token)) {
				logger.WarnContext(ctx, "admin authentication failed",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				errs.HandleError(w, r, apierrors.ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
