package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// RateLimitPolicy is the per-client request budget. Writes draw from their
// own bucket when Write is positive, otherwise they share the read bucket.
type RateLimitPolicy struct {
	Read   int
	Write  int
	Window time.Duration
}

// RateLimit throttles each client IP under policy. A limiter error lets the
// request through so a Redis outage does not take the API down with it.
func RateLimit(limiter domain.RateLimiter, policy RateLimitPolicy, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || policy.Read <= 0 || policy.Window <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class, limit := "read", policy.Read
			if isWrite(r.Method) && policy.Write > 0 {
				class, limit = "write", policy.Write
			}

			d, err := limiter.Allow(r.Context(), "api:"+class+":"+clientIP(r), limit, policy.Window)
			if err != nil {
				logger.WarnContext(r.Context(), "middleware: rate limiter unavailable",
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(d.RetryAfter, policy.Window)))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func retrySeconds(retry, window time.Duration) int {
	if retry <= 0 {
		retry = window
	}
	return max(1, int(math.Ceil(retry.Seconds())))
}

// clientIP takes the address appended by the nearest proxy, which is the
// last X-Forwarded-For hop, then X-Real-IP, then the socket peer. Entries
// that do not parse as addresses are ignored.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			if ip, err := netip.ParseAddr(strings.TrimSpace(hops[i])); err == nil {
				return ip.Unmap().String()
			}
		}
	}
	if ip, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return ip.Unmap().String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
