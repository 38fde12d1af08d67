package handler

import (
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/whiplashfi/whiplash/internal/domain"
)

var auditEventPattern = regexp.MustCompile(`^[a-z_]+(\.[a-z_]+)*(\.\*)?$`)

// AuditHandler exposes the audit log to operators.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger.With(slog.String("handler", "audit"))}
}

type auditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Subject   string         `json:"subject,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type listAuditResponse struct {
	Entries []auditEntry `json:"entries"`
}

// List returns audit entries, newest first.
// GET /api/audit?event=settlement.*&subject=&since=&limit=&offset=
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q, ok := strictQuery(w, r)
	if !ok {
		return
	}

	f := domain.AuditFilter{Event: q.Get("event")}
	if f.Event != "" && !auditEventPattern.MatchString(f.Event) {
		writeError(w, http.StatusBadRequest, "invalid event")
		return
	}
	if s := q.Get("subject"); s != "" {
		key, err := parseKey("subject", s)
		if err != nil {
			writeServiceError(w, r, h.logger, "list audit", err)
			return
		}
		f.Subject = key.String()
	}

	opts := parseListOpts(r)
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		opts.Since = &since
	}

	entries, err := h.audit.List(r.Context(), f, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	out := make([]auditEntry, len(entries))
	for i, e := range entries {
		out[i] = auditEntry{ID: e.ID, Event: e.Event, Subject: e.Subject, Detail: e.Detail, CreatedAt: e.CreatedAt}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{Entries: out})
}
