// Package idempotency remembers the responses of write requests carrying an
// Idempotency-Key header so that retried requests replay the original result
// instead of settling twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrKeyReused is returned when a key is presented again with a different
// request body.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// ErrInFlight is returned while the first request for a key is still running.
var ErrInFlight = errors.New("idempotency key in flight")

// Response is the recorded outcome of a request.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

type entry struct {
	fingerprint string
	seen        time.Time
	done        bool
	resp        Response
}

// Dedup is an in-memory idempotency table with a TTL window. It is safe for
// concurrent use.
type Dedup struct {
	seen map[string]*entry
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that remembers keys for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]*entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Fingerprint hashes the parts of a request that must match on replay.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin claims key for a request with the given fingerprint. When the key was
// already completed within the TTL the recorded response is returned with
// replay set. A fresh claim returns replay false and the caller must follow up
// with Complete or Abort.
func (d *Dedup) Begin(key, fingerprint string) (resp Response, replay bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if e, ok := d.seen[key]; ok && now.Sub(e.seen) < d.ttl {
		switch {
		case e.fingerprint != fingerprint:
			return Response{}, false, ErrKeyReused
		case !e.done:
			return Response{}, false, ErrInFlight
		default:
			return e.resp, true, nil
		}
	}

	d.seen[key] = &entry{fingerprint: fingerprint, seen: now}
	return Response{}, false, nil
}

// Complete records the response for a claimed key.
func (d *Dedup) Complete(key string, resp Response) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.seen[key]; ok {
		e.done = true
		e.resp = resp
	}
}

// Abort releases a claimed key without recording a response, so a retry
// runs again. Used when the request failed before anything was settled.
func (d *Dedup) Abort(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.seen[key]; ok && !e.done {
		delete(d.seen, key)
	}
}

// Len reports the number of tracked keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Cleanup removes entries that have expired beyond the TTL.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, e := range d.seen {
		if now.Sub(e.seen) >= d.ttl {
			delete(d.seen, key)
		}
	}
}

// Run calls Cleanup every interval until ctx is cancelled.
func (d *Dedup) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Cleanup()
		}
	}
}
