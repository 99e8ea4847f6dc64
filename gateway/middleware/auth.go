package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"leaderboard/gateway/auth"
	"leaderboard/observability/logging"
)

type contextKey string

const contextKeyPrincipal contextKey = "gateway.principal"

// PrincipalFromContext returns the authenticated caller stored by CallerAuth.
func PrincipalFromContext(ctx context.Context) (*auth.Principal, bool) {
	principal, ok := ctx.Value(contextKeyPrincipal).(*auth.Principal)
	return principal, ok && principal != nil
}

// WithPrincipal stores principal on ctx.
func WithPrincipal(ctx context.Context, principal *auth.Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, principal)
}

// CallerAuth requires a valid caller signature on every request. The body is
// buffered for hashing and handed on unchanged.
func CallerAuth(authenticator *auth.Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, int64(auth.MaxBodyForSignature)+1))
			if err != nil {
				http.Error(w, "unable to read body", http.StatusBadRequest)
				return
			}
			_ = r.Body.Close()
			principal, err := authenticator.Authenticate(r, body)
			if err != nil {
				status := authStatus(err)
				logger.Warn("caller authentication failed",
					slog.String("path", r.URL.Path),
					slog.Int("status", status),
					slog.String("error", err.Error()),
					slog.Any("requestNonce", logging.Secret(r.Header.Get(auth.HeaderNonce))),
				)
				http.Error(w, err.Error(), status)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, auth.ErrReplayedRequest):
		return http.StatusConflict
	default:
		return http.StatusUnauthorized
	}
}
