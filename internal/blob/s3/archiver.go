package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// SettlementArchiveStore is the slice of the settlement store the archiver
// needs.
type SettlementArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Settlement, error)
	Delete(ctx context.Context, ids []string) (int64, error)
}

// defaultBatchSize bounds how many settlements go into one archive object.
const defaultBatchSize = 5000

// ArchiveImpl implements domain.Archiver by moving old settlements into
// JSONL objects. Each batch is uploaded before it is deleted from the store,
// so a failed upload leaves the rows in place for the next run.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	store     SettlementArchiveStore
	audit     domain.AuditStore
	batchSize int
	logger    *slog.Logger
}

// NewArchiver creates an ArchiveImpl. reader may be nil, in which case every
// batch is uploaded unconditionally.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	store SettlementArchiveStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		store:     store,
		audit:     audit,
		batchSize: defaultBatchSize,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// archiveRecord is the JSONL line written for each settlement. Amounts are
// plain integers and addresses base58.
type archiveRecord struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	TokenYMint  string `json:"token_y_mint"`
	Position    string `json:"position,omitempty"`
	Actor       string `json:"actor"`
	Side        string `json:"side,omitempty"`
	AmountIn    uint64 `json:"amount_in"`
	AmountOut   uint64 `json:"amount_out"`
	Borrowed    uint64 `json:"borrowed"`
	Payout      uint64 `json:"payout"`
	PoolVersion uint64 `json:"pool_version"`
	CreatedAt   string `json:"created_at"`
}

func toRecord(s domain.Settlement) archiveRecord {
	r := archiveRecord{
		ID:          s.ID,
		Kind:        string(s.Kind),
		TokenYMint:  s.TokenYMint.String(),
		Actor:       s.Actor.String(),
		Side:        s.Side,
		AmountIn:    s.AmountIn,
		AmountOut:   s.AmountOut,
		Borrowed:    s.Borrowed,
		Payout:      s.Payout,
		PoolVersion: s.PoolVersion,
		CreatedAt:   s.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !s.Position.IsZero() {
		r.Position = s.Position.String()
	}
	return r
}

// ArchiveSettlements uploads and then deletes every settlement created before
// the cutoff. It returns the number of rows moved, which is also reported when
// a later batch fails.
func (a *ArchiveImpl) ArchiveSettlements(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	var paths []string

	for {
		batch, err := a.store.ListBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive settlements query: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		records := make([]archiveRecord, len(batch))
		ids := make([]string, len(batch))
		for i, s := range batch {
			records[i] = toRecord(s)
			ids[i] = s.ID
		}

		buf, err := marshalJSONL(records)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive settlements marshal: %w", err)
		}

		path := archivePath("settlements", batch[0].CreatedAt, batch[len(batch)-1].ID)
		if err := a.put(ctx, path, buf, batch); err != nil {
			return total, fmt.Errorf("s3blob: archive settlements upload: %w", err)
		}

		n, err := a.store.Delete(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive settlements delete: %w", err)
		}
		total += n
		paths = append(paths, path)

		a.logger.InfoContext(ctx, "archiver: batch uploaded",
			slog.String("path", path),
			slog.Int("count", len(batch)),
		)

		if len(batch) < a.batchSize {
			break
		}
	}

	if total == 0 {
		return 0, nil
	}

	if err := a.audit.Log(ctx, "archive.settlements", map[string]any{
		"paths":  paths,
		"count":  total,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return total, fmt.Errorf("s3blob: archive settlements audit log: %w", err)
	}

	return total, nil
}

// put uploads a batch. An object already at path with the same record count
// is left alone: an earlier run uploaded it and then failed to delete the
// rows. A mismatched count means the batch changed, so it is rewritten.
func (a *ArchiveImpl) put(ctx context.Context, path string, buf []byte, batch []domain.Settlement) error {
	records := strconv.Itoa(len(batch))
	if a.reader != nil {
		info, err := a.reader.Stat(ctx, path)
		switch {
		case err == nil && info.Metadata[domain.BlobMetaRecords] == records:
			a.logger.WarnContext(ctx, "archiver: batch already uploaded", slog.String("path", path))
			return nil
		case err == nil:
			a.logger.WarnContext(ctx, "archiver: rewriting partial batch",
				slog.String("path", path),
				slog.String("stored_records", info.Metadata[domain.BlobMetaRecords]),
				slog.String("records", records),
			)
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
	}
	return a.writer.Put(ctx, path, buf, domain.BlobContentJSONL, map[string]string{
		domain.BlobMetaRecords: records,
		domain.BlobMetaFirstID: batch[0].ID,
		domain.BlobMetaLastID:  batch[len(batch)-1].ID,
	})
}

// archivePath builds the S3 key for an archive batch, partitioned by the
// year-month of its oldest record.
//
//	archive/settlements/2025-01/<last-id>.jsonl
func archivePath(kind string, oldest time.Time, lastID string) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, oldest.UTC().Format("2006-01"), lastID)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
