package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// StreamReader reads the durable settlement stream.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

const (
	defaultFeedLimit = 100
	maxFeedLimit     = 1000
)

// streamIDPattern matches a Redis stream ID ("1700000000000-0") or "0".
var streamIDPattern = regexp.MustCompile(`^\d+(-\d+)?$`)

// FeedHandler pages through settlement events in commit order. Consumers
// keep the returned cursor and pass it back as ?after= to resume.
type FeedHandler struct {
	stream StreamReader
	logger *slog.Logger
}

// NewFeedHandler creates a FeedHandler.
func NewFeedHandler(stream StreamReader, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{stream: stream, logger: logger.With(slog.String("handler", "feed"))}
}

type feedEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

type feedResponse struct {
	Events []feedEvent `json:"events"`
	Next   string      `json:"next"`
}

// Settlements returns up to limit events after the cursor.
// GET /api/feed?after=&limit=
func (h *FeedHandler) Settlements(w http.ResponseWriter, r *http.Request) {
	q, ok := strictQuery(w, r)
	if !ok {
		return
	}

	after := q.Get("after")
	if after == "" {
		after = "0"
	}
	if !streamIDPattern.MatchString(after) {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}

	limit := defaultFeedLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxFeedLimit)
	}

	msgs, err := h.stream.StreamRead(r.Context(), domain.StreamSettlements, after, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "read feed", err)
		return
	}

	resp := feedResponse{Events: make([]feedEvent, 0, len(msgs)), Next: after}
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		resp.Events = append(resp.Events, feedEvent{ID: m.ID, Event: m.Payload})
		resp.Next = m.ID
	}
	writeJSON(w, http.StatusOK, resp)
}
