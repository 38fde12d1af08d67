package domain

import (
	"context"
	"io"
	"time"
)

// Object metadata keys attached to archive batches.
const (
	BlobMetaRecords  = "records"
	BlobMetaFirstID  = "first-id"
	BlobMetaLastID   = "last-id"
	BlobContentJSONL = "application/x-ndjson"
)

// BlobInfo describes a stored archive object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// BlobWriter uploads archive objects. Large payloads are split into parts by
// the implementation.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string, meta map[string]string) error
}

// BlobReader lists and retrieves archive objects.
type BlobReader interface {
	Open(ctx context.Context, path string) (io.ReadCloser, BlobInfo, error)
	Stat(ctx context.Context, path string) (BlobInfo, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver moves old settlement history from the database to cold storage.
type Archiver interface {
	ArchiveSettlements(ctx context.Context, before time.Time) (int64, error)
}
