package middleware

import "net/http"

// ReadOnly rejects every request with 403. It guards write routes when the
// chain, not this process, is the authority.
func ReadOnly(reason string) func(http.Handler) http.Handler {
	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSONError(w, http.StatusForbidden, reason)
		})
	}
}
