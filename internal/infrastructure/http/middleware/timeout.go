package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds the request context and pushes the connection write
// deadline to match, so a long route such as the ERP import is not cut by
// the server WriteTimeout.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			// Recorders in tests do not support deadlines.
			_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(d))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
