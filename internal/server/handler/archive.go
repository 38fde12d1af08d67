package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// archivePrefix is where settlement history lands in the bucket.
const archivePrefix = "archive/settlements/"

// ArchiveHandler lists and serves archived settlement history.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, logger: logger.With(slog.String("handler", "archive"))}
}

type archiveObject struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// cleanArchivePath trims p and roots it under archivePrefix. ok is false for
// paths that try to escape the prefix.
func cleanArchivePath(p string) (string, bool) {
	p = strings.TrimPrefix(strings.TrimSpace(p), "/")
	if strings.Contains(p, "..") {
		return "", false
	}
	if !strings.HasPrefix(p, archivePrefix) {
		p = archivePrefix + p
	}
	return p, true
}

type listArchiveResponse struct {
	Objects []archiveObject `json:"objects"`
}

// List returns archived objects, optionally narrowed to a month such as
// "2024-05".
// GET /api/archive?prefix=
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix, ok := cleanArchivePath(r.URL.Query().Get("prefix"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid prefix")
		return
	}

	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		writeServiceError(w, r, h.logger, "list archive", err)
		return
	}
	out := make([]archiveObject, len(infos))
	for i, info := range infos {
		out[i] = archiveObject{Path: info.Path, Size: info.Size, LastModified: info.LastModified}
	}
	writeJSON(w, http.StatusOK, listArchiveResponse{Objects: out})
}

// Download streams one archived JSONL batch.
// GET /api/archive/{path...}
func (h *ArchiveHandler) Download(w http.ResponseWriter, r *http.Request) {
	path, ok := cleanArchivePath(r.PathValue("path"))
	if !ok || path == archivePrefix {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}

	body, info, err := h.blobs.Open(r.Context(), path)
	if err != nil {
		writeServiceError(w, r, h.logger, "open archive", err)
		return
	}
	defer body.Close()

	ct := info.ContentType
	if ct == "" {
		ct = domain.BlobContentJSONL
	}
	w.Header().Set("Content-Type", ct)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if n := info.Metadata[domain.BlobMetaRecords]; n != "" {
		w.Header().Set("X-Archive-Records", n)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: archive download interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
