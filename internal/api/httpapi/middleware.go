package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

type ctxKey int

const userKey ctxKey = iota

// Identity reads the authenticated user from the X-User-ID header set by
// the fronting proxy. Requests without it are rejected.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.Header.Get("X-User-ID"), 10, 64)
		if err != nil || id == 0 {
			writeError(w, http.StatusUnauthorized, "missing or invalid X-User-ID")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, id)))
	})
}

func userFrom(ctx context.Context) uint64 {
	id, _ := ctx.Value(userKey).(uint64)
	return id
}

// BatchRoles may submit label/validation passes over an upload.
var BatchRoles = []string{"GCS", "Logistics", "Admin"}

// RequireRole gates a route on the X-User-Role header set by the
// fronting proxy alongside X-User-ID.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := r.Header.Get("X-User-Role")
			for _, a := range allowed {
				if role == a {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "role does not permit this operation")
		})
	}
}

// EdgeLimiter is the per-client fixed-window limiter backed by redis.
type EdgeLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// RateLimit rejects a client with 429 once it exceeds limit requests in
// the window. Limiter errors fail open.
func RateLimit(rl EdgeLimiter, limit int64, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			key := "httprate:" + r.Header.Get("X-User-ID")
			if key == "httprate:" {
				key = "httprate:" + r.RemoteAddr
			}
			ok, _, err := rl.Allow(r.Context(), key, limit, window)
			if err != nil {
				slog.Warn("edge rate limiter", "error", err.Error())
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(window/time.Second)))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
