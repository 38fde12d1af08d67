package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiplashfi/whiplash/internal/domain"
)

type memObject struct {
	body []byte
	meta map[string]string
}

type memBlobs struct {
	objects map[string]memObject
	putErr  error
	puts    int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string]memObject)} }

func (m *memBlobs) Put(_ context.Context, path string, data []byte, contentType string, meta map[string]string) error {
	if m.putErr != nil {
		return m.putErr
	}
	if contentType != domain.BlobContentJSONL {
		return fmt.Errorf("unexpected content type %q", contentType)
	}
	m.puts++
	m.objects[path] = memObject{body: append([]byte(nil), data...), meta: meta}
	return nil
}

func (m *memBlobs) Open(ctx context.Context, path string) (io.ReadCloser, domain.BlobInfo, error) {
	info, err := m.Stat(ctx, path)
	if err != nil {
		return nil, domain.BlobInfo{}, err
	}
	return io.NopCloser(bytes.NewReader(m.objects[path].body)), info, nil
}

func (m *memBlobs) Stat(_ context.Context, path string) (domain.BlobInfo, error) {
	obj, ok := m.objects[path]
	if !ok {
		return domain.BlobInfo{}, fmt.Errorf("stat %s: %w", path, domain.ErrNotFound)
	}
	return domain.BlobInfo{Path: path, Size: int64(len(obj.body)), Metadata: obj.meta}, nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, obj := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(obj.body))})
		}
	}
	return out, nil
}

type memSettlements struct {
	rows      []domain.Settlement
	deleteErr error
}

func (m *memSettlements) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.Settlement, error) {
	var out []domain.Settlement
	for _, s := range m.rows {
		if s.CreatedAt.Before(before) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSettlements) Delete(_ context.Context, ids []string) (int64, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.rows[:0]
	var n int64
	for _, s := range m.rows {
		if drop[s.ID] {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.rows = kept
	return n, nil
}

type memAudit struct{ events []string }

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.AuditFilter, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func seedSettlements(n int, start time.Time) []domain.Settlement {
	mint := solana.NewWallet().PublicKey()
	actor := solana.NewWallet().PublicKey()
	out := make([]domain.Settlement, n)
	for i := range out {
		out[i] = domain.Settlement{
			ID:         fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
			Kind:       domain.SettlementSwap,
			TokenYMint: mint,
			Actor:      actor,
			Side:       "buy",
			AmountIn:   uint64(1_000 + i),
			AmountOut:  uint64(i),
			CreatedAt:  start.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func newTestArchiver(blobs *memBlobs, store *memSettlements, audit *memAudit) *ArchiveImpl {
	a := NewArchiver(blobs, blobs, store, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.batchSize = 2
	return a
}

func TestArchiveSettlementsBatches(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	blobs, audit := newMemBlobs(), &memAudit{}
	store := &memSettlements{rows: seedSettlements(5, start)}

	cutoff := start.Add(4 * time.Hour) // rows 0..3 are older
	n, err := newTestArchiver(blobs, store, audit).ArchiveSettlements(context.Background(), cutoff)
	require.NoError(t, err)

	assert.EqualValues(t, 4, n)
	require.Len(t, store.rows, 1)
	assert.Equal(t, uint64(1_004), store.rows[0].AmountIn)
	assert.Len(t, blobs.objects, 2)
	assert.Equal(t, []string{"archive.settlements"}, audit.events)

	var lines int
	for path, obj := range blobs.objects {
		assert.True(t, strings.HasPrefix(path, "archive/settlements/2025-01/"), path)
		assert.Equal(t, "2", obj.meta[domain.BlobMetaRecords])
		sc := bufio.NewScanner(bytes.NewReader(obj.body))
		for sc.Scan() {
			var rec archiveRecord
			require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
			assert.Equal(t, "swap", rec.Kind)
			assert.Empty(t, rec.Position)
			lines++
		}
	}
	assert.Equal(t, 4, lines)
}

func TestArchiveNothingToDo(t *testing.T) {
	blobs, audit := newMemBlobs(), &memAudit{}
	n, err := newTestArchiver(blobs, &memSettlements{}, audit).ArchiveSettlements(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, audit.events)
}

func TestArchiveUploadFailureKeepsRows(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	blobs := newMemBlobs()
	blobs.putErr = errors.New("s3 down")
	store := &memSettlements{rows: seedSettlements(3, start)}

	n, err := newTestArchiver(blobs, store, &memAudit{}).ArchiveSettlements(context.Background(), start.Add(time.Hour*10))
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Len(t, store.rows, 3)
}

func TestArchiveSkipsAlreadyUploadedBatch(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	blobs := newMemBlobs()
	store := &memSettlements{rows: seedSettlements(2, start), deleteErr: errors.New("db down")}
	a := newTestArchiver(blobs, store, &memAudit{})

	_, err := a.ArchiveSettlements(context.Background(), start.Add(time.Hour*10))
	require.Error(t, err)
	require.Len(t, blobs.objects, 1)

	store.deleteErr = nil
	blobs.putErr = errors.New("must not upload twice")
	n, err := a.ArchiveSettlements(context.Background(), start.Add(time.Hour*10))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestArchiveRewritesBatchWithDifferentCount(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := seedSettlements(2, start)
	blobs := newMemBlobs()
	path := archivePath("settlements", rows[0].CreatedAt, rows[1].ID)
	blobs.objects[path] = memObject{body: []byte("{}\n"), meta: map[string]string{domain.BlobMetaRecords: "1"}}

	n, err := newTestArchiver(blobs, &memSettlements{rows: rows}, &memAudit{}).
		ArchiveSettlements(context.Background(), start.Add(10*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, 1, blobs.puts)
	assert.Equal(t, "2", blobs.objects[path].meta[domain.BlobMetaRecords])
	assert.Equal(t, rows[0].ID, blobs.objects[path].meta[domain.BlobMetaFirstID])
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(fmt.Errorf("wrap: %w", &types.NoSuchKey{})))
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.False(t, isNotFound(errors.New("other")))

	assert.ErrorIs(t, wrapErr("stat", "k", &types.NotFound{}), domain.ErrNotFound)
	assert.ErrorIs(t, wrapErr("list", "k", errors.New("timeout")), domain.ErrUpstreamUnavailable)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio.local", normaliseEndpoint("minio.local", true))
	assert.Equal(t, "http://minio.local", normaliseEndpoint("minio.local", false))
	assert.Equal(t, "http://host", normaliseEndpoint("http://host/", true))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
}
