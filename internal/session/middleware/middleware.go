// Package middleware resolves the browser session from the SESSION cookie and
// makes it available to handlers as an explicit value.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"bffgate/internal/session/models"
	"bffgate/pkg/platform/sentinel"
	"bffgate/pkg/requestcontext"
)

// CookieName is the gateway session cookie.
const CookieName = "SESSION"

// SessionFinder looks sessions up by ID.
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*models.AuthenticatedSession, error)
}

type sessionKey struct{}

// WithSession stores the resolved session in ctx.
func WithSession(ctx context.Context, s *models.AuthenticatedSession) context.Context {
	if s == nil {
		return ctx
	}
	ctx = requestcontext.WithSessionID(ctx, s.ID)
	ctx = requestcontext.WithSubject(ctx, s.Principal.Subject)
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session, or nil for anonymous requests.
func FromContext(ctx context.Context) *models.AuthenticatedSession {
	s, _ := ctx.Value(sessionKey{}).(*models.AuthenticatedSession)
	return s
}

// PrincipalFromContext returns the session principal, or nil.
func PrincipalFromContext(ctx context.Context) *models.Principal {
	if s := FromContext(ctx); s != nil {
		return &s.Principal
	}
	return nil
}

// Resolve loads the session named by the SESSION cookie. Unknown, expired or
// unreadable sessions leave the request anonymous.
func Resolve(store SessionFinder, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(CookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			session, err := store.FindByID(ctx, cookie.Value)
			switch {
			case err == nil:
				r = r.WithContext(WithSession(ctx, session))
			case errors.Is(err, sentinel.ErrNotFound), errors.Is(err, sentinel.ErrExpired):
				logger.DebugContext(ctx, "session cookie does not resolve", "reason", err)
			default:
				logger.WarnContext(ctx, "session lookup failed, continuing anonymously",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}
