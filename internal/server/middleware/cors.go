package middleware

import (
	"net/http"
	"strings"
)

// Headers a browser client may send and read back.
const (
	corsAllowHeaders  = "Content-Type, Authorization, X-API-Key, Idempotency-Key, X-Request-ID"
	corsExposeHeaders = "X-Request-ID, Idempotent-Replayed, Retry-After, X-Archive-Records"
)

// CORS sets CORS headers for allowed origins. An entry may be "*", an exact
// origin, or a subdomain wildcard such as "https://*.whiplash.fi". An empty
// list allows every origin. Preflights from other origins get 403.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := OriginMatcher(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			ok := allowed(origin)
			if ok {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if !ok {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				h := w.Header()
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OriginMatcher reports whether an Origin header matches one of origins,
// using the same rules as CORS.
func OriginMatcher(origins []string) func(string) bool {
	if len(origins) == 0 {
		return func(string) bool { return true }
	}
	exact := make(map[string]bool, len(origins))
	var suffixes [][2]string // scheme://, .domain
	for _, o := range origins {
		o = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(o), "/"))
		if o == "*" {
			return func(string) bool { return true }
		}
		if scheme, host, ok := strings.Cut(o, "://*."); ok {
			suffixes = append(suffixes, [2]string{scheme + "://", "." + host})
			continue
		}
		exact[o] = true
	}
	return func(origin string) bool {
		origin = strings.ToLower(origin)
		if exact[origin] {
			return true
		}
		for _, s := range suffixes {
			if strings.HasPrefix(origin, s[0]) && strings.HasSuffix(origin, s[1]) {
				return true
			}
		}
		return false
	}
}
