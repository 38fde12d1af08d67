package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/metrics"
)

// solUSDKey is the price cache key for SOL/USD.
const solUSDKey = "sol-usd"

// SolPriceSource fetches the live SOL/USD price.
type SolPriceSource interface {
	SolUSD(ctx context.Context) (decimal.Decimal, error)
}

// SolPrice is a quoted SOL/USD price. Stale is set when the upstream failed
// and an older cached value was served instead.
type SolPrice struct {
	Price     decimal.Decimal
	UpdatedAt time.Time
	Stale     bool
}

// OracleService serves SOL/USD from a TTL cache in front of the price
// source. Concurrent refreshes collapse into one upstream call, and an
// upstream failure falls back to the last known price however old it is.
type OracleService struct {
	source  SolPriceSource
	cache   domain.PriceCache
	ttl     time.Duration
	metrics *metrics.Metrics
	group   singleflight.Group
	now     func() time.Time
	logger  *slog.Logger

	mu   sync.RWMutex
	last SolPrice
}

// NewOracleService creates an OracleService. cache and m may be nil, in
// which case only the in-process last value is kept.
func NewOracleService(source SolPriceSource, cache domain.PriceCache, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *OracleService {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &OracleService{
		source:  source,
		cache:   cache,
		ttl:     ttl,
		metrics: m,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "oracle")),
	}
}

// cached returns the freshest known price from Redis or memory.
func (o *OracleService) cached(ctx context.Context) (SolPrice, bool) {
	o.mu.RLock()
	best := o.last
	o.mu.RUnlock()

	if o.cache != nil {
		price, ts, err := o.cache.GetPrice(ctx, solUSDKey)
		switch {
		case err == nil && ts.After(best.UpdatedAt):
			best = SolPrice{Price: price, UpdatedAt: ts}
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			o.logger.WarnContext(ctx, "oracle: cache read failed", slog.String("error", err.Error()))
		}
	}
	return best, !best.UpdatedAt.IsZero()
}

// SolUSD returns the SOL/USD price.
func (o *OracleService) SolUSD(ctx context.Context) (SolPrice, error) {
	hit, ok := o.cached(ctx)
	if ok && o.now().Sub(hit.UpdatedAt) < o.ttl {
		return hit, nil
	}

	v, err, _ := o.group.Do(solUSDKey, func() (any, error) {
		return o.refresh(ctx)
	})
	if err == nil {
		return v.(SolPrice), nil
	}

	if ok {
		o.metrics.IncStale("coingecko")
		o.logger.WarnContext(ctx, "oracle: serving stale price",
			slog.Time("updated_at", hit.UpdatedAt),
			slog.String("error", err.Error()),
		)
		hit.Stale = true
		return hit, nil
	}
	return SolPrice{}, fmt.Errorf("oracle: sol price: %w", err)
}

func (o *OracleService) refresh(ctx context.Context) (SolPrice, error) {
	price, err := o.source.SolUSD(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
		}
		return SolPrice{}, err
	}

	p := SolPrice{Price: price, UpdatedAt: o.now().UTC()}
	o.mu.Lock()
	o.last = p
	o.mu.Unlock()

	if o.cache != nil {
		if err := o.cache.SetPrice(ctx, solUSDKey, price, p.UpdatedAt); err != nil {
			o.logger.WarnContext(ctx, "oracle: cache write failed", slog.String("error", err.Error()))
		}
	}
	return p, nil
}
