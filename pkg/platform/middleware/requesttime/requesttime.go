// Package requesttime pins a single "now" per request so that session expiry
// checks, audit timestamps and token validity use the same instant.
package requesttime

import (
	"net/http"
	"time"

	"bffgate/pkg/requestcontext"
)

// Middleware stores the request start time in the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
