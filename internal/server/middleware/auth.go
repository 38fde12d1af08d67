package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth guards settlement writes. The key is taken from an
// "Authorization: Bearer" header or from X-API-Key. apiKeys may hold several
// comma-separated keys so one can be rotated out while the next is rolled
// in. An empty apiKeys leaves the routes open.
func Auth(apiKeys string) func(http.Handler) http.Handler {
	var keys [][]byte
	for _, k := range strings.Split(apiKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing api key")
				return
			}
			if !matchAny(keys, []byte(token)) {
				writeUnauthorized(w, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// matchAny compares token against every key so the time taken does not
// reveal which key, if any, matched.
func matchAny(keys [][]byte, token []byte) bool {
	match := 0
	for _, k := range keys {
		match |= subtle.ConstantTimeCompare(k, token)
	}
	return match == 1
}

func extractToken(r *http.Request) string {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="whiplash"`)
	writeJSONError(w, http.StatusUnauthorized, msg)
}
