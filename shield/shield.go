// Package shield is the middleware stack in front of the ghstash HTTP API:
// security headers, body limits, request tracing and basic authentication.
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey holds the per-request logger set by TraceID.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the standard middleware stack for the JSON API.
func DefaultAPIStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(64 * 1024),
		TraceID(logger),
	}
}

// HeadToGet serves HEAD on routes registered for GET only. net/http drops
// the body of HEAD responses.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r2 := r.Clone(r.Context())
			r2.Method = http.MethodGet
			r = r2
		}
		next.ServeHTTP(w, r)
	})
}
