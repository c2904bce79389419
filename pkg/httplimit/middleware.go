// Package httplimit enforces a gcra.KeyedLimiter on HTTP handlers.
package httplimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gatecell/gatecell/pkg/gcra"
)

// Standard rate limit response headers, set on every response passing
// through the middleware.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// KeyFunc derives the limiter key for a request, typically a client IP or
// an authenticated principal.
type KeyFunc func(*http.Request) string

// NewMiddleware wraps handlers so that each request first passes a
// single-cell admission test under the key keyFn derives. Denied requests
// receive 429 with Retry-After; every response carries X-RateLimit headers.
func NewMiddleware(lim *gcra.KeyedLimiter, keyFn KeyFunc) func(http.Handler) http.Handler {
	limit := strconv.FormatUint(uint64(lim.Quota().BurstSize()), 10)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := lim.Check(keyFn(r))

			h := w.Header()
			h.Set(HeaderLimit, limit)
			h.Set(HeaderRemaining, strconv.FormatUint(d.Snapshot.RemainingBurstCapacity(), 10))

			if !d.Allowed {
				wait := d.NotUntil.WaitTime()
				h.Set(HeaderRetryAfter, strconv.FormatInt(ceilSeconds(wait), 10))
				h.Set(HeaderReset, strconv.FormatInt(ceilSeconds(wait), 10))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			h.Set(HeaderReset, strconv.FormatInt(ceilSeconds(d.Snapshot.ResetAfter()), 10))
			next.ServeHTTP(w, r)
		})
	}
}

// IPKey derives the limiter key from the client IP: the first hop of
// X-Forwarded-For when present, then X-Real-IP, then the connection's
// remote address.
func IPKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ceilSeconds rounds up to whole seconds, never below one. Retry-After
// carries no sub-second granularity.
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
