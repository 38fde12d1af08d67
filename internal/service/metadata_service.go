package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/singleflight"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/layout"
)

// MetadataFetcher downloads the JSON document behind a metadata URI.
type MetadataFetcher interface {
	Fetch(ctx context.Context, uri string) (domain.TokenMetadata, error)
}

// OnChainMetadataReader reads a mint's metadata account.
type OnChainMetadataReader interface {
	TokenMetadata(ctx context.Context, mint solana.PublicKey) (layout.OnChainMetadata, error)
}

// MetadataService resolves {name, symbol, image} for a pool's token. The
// URI comes from the pool itself or, for pools mirrored from chain, from the
// mint's metadata account. Resolved documents are cached for ttl.
type MetadataService struct {
	fetcher MetadataFetcher
	chain   OnChainMetadataReader
	cache   domain.MetadataCache
	ttl     time.Duration
	group   singleflight.Group
	logger  *slog.Logger
}

// NewMetadataService creates a MetadataService. chain and cache may be nil.
func NewMetadataService(fetcher MetadataFetcher, chain OnChainMetadataReader, cache domain.MetadataCache, ttl time.Duration, logger *slog.Logger) *MetadataService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MetadataService{
		fetcher: fetcher,
		chain:   chain,
		cache:   cache,
		ttl:     ttl,
		logger:  logger.With(slog.String("component", "metadata")),
	}
}

// Resolve returns the metadata for pool. When the document cannot be
// fetched but the pool carries a name and symbol, those are returned without
// an image and without an error.
func (m *MetadataService) Resolve(ctx context.Context, pool domain.Pool) (domain.TokenMetadata, error) {
	key := pool.TokenYMint.String()
	if m.cache != nil {
		md, err := m.cache.Get(ctx, key)
		if err == nil {
			return md, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.WarnContext(ctx, "metadata: cache read failed", slog.String("error", err.Error()))
		}
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.load(ctx, pool)
	})
	if err != nil {
		return domain.TokenMetadata{}, err
	}
	return v.(domain.TokenMetadata), nil
}

func (m *MetadataService) load(ctx context.Context, pool domain.Pool) (domain.TokenMetadata, error) {
	base := domain.TokenMetadata{Name: pool.Name, Symbol: pool.Symbol}
	uri := pool.URI

	if uri == "" && m.chain != nil {
		onChain, err := m.chain.TokenMetadata(ctx, pool.TokenYMint)
		switch {
		case err == nil:
			base = fillMetadata(base, onChain.ToDomain())
			uri = onChain.URI
		case errors.Is(err, domain.ErrNotFound):
		default:
			m.logger.WarnContext(ctx, "metadata: on-chain read failed",
				slog.String("mint", pool.TokenYMint.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if uri == "" {
		if base.Name == "" {
			return domain.TokenMetadata{}, fmt.Errorf("metadata: %s: %w", pool.TokenYMint, domain.ErrNotFound)
		}
		return base, nil
	}

	doc, err := m.fetcher.Fetch(ctx, uri)
	if err != nil {
		if base.Name != "" {
			m.logger.WarnContext(ctx, "metadata: fetch failed, using pool fields",
				slog.String("mint", pool.TokenYMint.String()),
				slog.String("error", err.Error()),
			)
			return base, nil
		}
		return domain.TokenMetadata{}, err
	}

	md := fillMetadata(doc, base)
	if m.cache != nil {
		if err := m.cache.Set(ctx, pool.TokenYMint.String(), md, m.ttl); err != nil {
			m.logger.WarnContext(ctx, "metadata: cache write failed", slog.String("error", err.Error()))
		}
	}
	return md, nil
}

// fillMetadata fills empty fields of md from fallback.
func fillMetadata(md, fallback domain.TokenMetadata) domain.TokenMetadata {
	if md.Name == "" {
		md.Name = fallback.Name
	}
	if md.Symbol == "" {
		md.Symbol = fallback.Symbol
	}
	if md.Image == "" {
		md.Image = fallback.Image
	}
	return md
}
