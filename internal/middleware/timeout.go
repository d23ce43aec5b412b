package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout puts a deadline of d on the request context. The handler keeps
// sole ownership of the ResponseWriter, so a streaming response is cut off by
// its own context rather than by a competing 504 write. d <= 0 disables it.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
