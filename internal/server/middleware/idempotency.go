package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/whiplashfi/whiplash/internal/idempotency"
)

// IdempotencyHeader carries the client's key for a write request.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotentBody = 1 << 20

// Idempotency replays the recorded response of a write request retried with
// the same Idempotency-Key and body. Requests without the header pass
// through untouched. Server errors release the key so the retry runs again.
func Idempotency(dedup *idempotency.Dedup, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" || dedup == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fp := idempotency.Fingerprint(r.Method, r.URL.Path, body)
			resp, replay, err := dedup.Begin(key, fp)
			switch {
			case errors.Is(err, idempotency.ErrKeyReused):
				writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
				return
			case errors.Is(err, idempotency.ErrInFlight):
				writeJSONError(w, http.StatusConflict, err.Error())
				return
			case replay:
				logger.DebugContext(r.Context(), "middleware: idempotent replay", slog.String("key", key))
				if resp.ContentType != "" {
					w.Header().Set("Content-Type", resp.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(resp.Status)
				w.Write(resp.Body)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				dedup.Abort(key)
				return
			}
			dedup.Complete(key, idempotency.Response{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
		})
	}
}

// recorder tees the response so it can be replayed later.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (rw *recorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
