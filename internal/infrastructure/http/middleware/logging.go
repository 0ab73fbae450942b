package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	ctxutil "fazendabrasil/gonfpe/internal/infrastructure/context"
)

// statusRecorder captures what the handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// requestInfo is filled by inner middleware so the access log can report
// it after the handler returns.
type requestInfo struct {
	subject string
}

type requestInfoKey struct{}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// RequestLogger logs one line per request at a level derived from the
// status (5xx error, 4xx warn, otherwise info). The chi request id becomes
// the correlation id seen by every downstream SEFAZ or ERP call.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()
			if id := chimw.GetReqID(ctx); id != "" {
				ctx = ctxutil.WithCorrelationID(ctx, id)
			} else {
				ctx = ctxutil.EnsureCorrelationID(ctx)
			}

			info := &requestInfo{}
			ctx = context.WithValue(ctx, requestInfoKey{}, info)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", float64(time.Since(start).Microseconds()) / 1000,
				"bytes", rec.bytes,
				"remote_addr", r.RemoteAddr,
			}
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if pattern := rc.RoutePattern(); pattern != "" {
					attrs = append(attrs, "route", pattern)
				}
			}
			if info.subject != "" {
				attrs = append(attrs, "subject", info.subject)
			}

			switch {
			case rec.status >= 500:
				log.ErrorContext(ctx, "http request", attrs...)
			case rec.status >= 400:
				log.WarnContext(ctx, "http request", attrs...)
			default:
				log.InfoContext(ctx, "http request", attrs...)
			}
		})
	}
}
