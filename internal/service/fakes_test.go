package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/whiplashfi/whiplash/internal/amm"
	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/notify"
	"github.com/whiplashfi/whiplash/internal/settlement"
)

var testProgramID = solana.MustPublicKeyFromBase58("GHjAHPHGZocJKtxUhe3Eom5B73AF4XGXYukV4QMMDNhZ")

func newKey() solana.PublicKey { return solana.NewWallet().PublicKey() }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() func() time.Time {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var n int64
	return func() time.Time {
		return t0.Add(time.Duration(atomic.AddInt64(&n, 1)) * time.Second)
	}
}

func newEngine() *settlement.Engine {
	return settlement.New(testProgramID, settlement.WithClock(fixedClock()), settlement.WithLogger(discardLogger()))
}

func launch(t *testing.T, e *settlement.Engine) solana.PublicKey {
	t.Helper()
	mint := newKey()
	_, err := e.Launch(context.Background(), settlement.LaunchRequest{
		Authority:         newKey(),
		Mint:              mint,
		VirtualSolReserve: 100_000_000_000,
		Name:              "Whiplash Test",
		Symbol:            "WHIP",
		URI:               "https://example.invalid/whip.json",
	})
	require.NoError(t, err)
	return mint
}

// sinkPrice opens a 5x long and then dumps most of the whale's tokens so the
// long can no longer repay its borrow.
func sinkPrice(t *testing.T, e *settlement.Engine, mint solana.PublicKey) (whale solana.PublicKey, pos domain.Position) {
	t.Helper()
	ctx := context.Background()

	whale = newKey()
	buy, err := e.Swap(ctx, settlement.SwapRequest{Mint: mint, Trader: whale, AmountIn: 50_000_000_000, Direction: amm.Buy})
	require.NoError(t, err)

	open, err := e.OpenLeverage(ctx, settlement.OpenRequest{Mint: mint, Owner: newKey(), Collateral: 1_000_000_000, Leverage: 50, Direction: amm.Buy, Nonce: 1})
	require.NoError(t, err)

	_, err = e.Swap(ctx, settlement.SwapRequest{Mint: mint, Trader: whale, AmountIn: buy.AmountOut / 10 * 9, Direction: amm.Sell})
	require.NoError(t, err)
	return whale, open.Position
}

type published struct {
	channel string
	payload []byte
}

type memBus struct {
	mu       sync.Mutex
	messages []published
	stream   map[string][][]byte
}

func newMemBus() *memBus { return &memBus{stream: make(map[string][][]byte)} }

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, published{channel, payload})
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream[stream] = append(b.stream[stream], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) on(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, m := range b.messages {
		if m.channel == channel {
			out = append(out, m.payload)
		}
	}
	return out
}

type memLocks struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.keys = append(l.keys, key)
	return func() {}, nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
	detail []map[string]any
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.detail = append(a.detail, detail)
	return nil
}

func (a *memAudit) List(context.Context, domain.AuditFilter, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func newNotifier() (*notify.Notifier, *recordingSender) {
	s := &recordingSender{}
	return notify.NewNotifier([]notify.Sender{s}, nil, discardLogger()), s
}

// memPositionStore records limbo flags and mirror writes.
type memPositionStore struct {
	mu      sync.Mutex
	rows    map[solana.PublicKey]domain.Position
	limbo   map[solana.PublicKey]*time.Time
	upserts int
	deletes int
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{
		rows:  make(map[solana.PublicKey]domain.Position),
		limbo: make(map[solana.PublicKey]*time.Time),
	}
}

func (s *memPositionStore) Upsert(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[pos.Address] = pos
	s.upserts++
	return nil
}

func (s *memPositionStore) Delete(_ context.Context, address solana.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[address]; !ok {
		return domain.ErrPositionNotFound
	}
	delete(s.rows, address)
	s.deletes++
	return nil
}

func (s *memPositionStore) GetByAddress(_ context.Context, address solana.PublicKey) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[address]
	if !ok {
		return domain.Position{}, domain.ErrPositionNotFound
	}
	return p, nil
}

func (s *memPositionStore) ListByOwner(context.Context, solana.PublicKey, *solana.PublicKey) ([]domain.Position, error) {
	return nil, nil
}

func (s *memPositionStore) ListOpen(context.Context) ([]domain.Position, error) {
	return nil, nil
}

func (s *memPositionStore) SetLimbo(_ context.Context, address solana.PublicKey, since *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limbo[address] = since
	return nil
}

type memPoolStore struct {
	mu      sync.Mutex
	rows    map[solana.PublicKey]domain.Pool
	upserts int
}

func newMemPoolStore() *memPoolStore {
	return &memPoolStore{rows: make(map[solana.PublicKey]domain.Pool)}
}

func (s *memPoolStore) Upsert(_ context.Context, p domain.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.TokenYMint] = p
	s.upserts++
	return nil
}

func (s *memPoolStore) GetByMint(_ context.Context, mint solana.PublicKey) (domain.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[mint]
	if !ok {
		return domain.Pool{}, domain.ErrPoolNotFound
	}
	return p, nil
}

func (s *memPoolStore) List(context.Context, domain.ListOpts) ([]domain.Pool, error) {
	return nil, nil
}

type stubPrice struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
	calls int
}

func (s *stubPrice) SolUSD(context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.price, s.err
}

func (s *stubPrice) set(price decimal.Decimal, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price, s.err = price, err
}

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	times  map[string]time.Time
}

func newMemPriceCache() *memPriceCache {
	return &memPriceCache{prices: make(map[string]decimal.Decimal), times: make(map[string]time.Time)}
}

func (c *memPriceCache) SetPrice(_ context.Context, id string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.times[id]; ok && !ts.After(cur) {
		return nil
	}
	c.prices[id], c.times[id] = price, ts
	return nil
}

func (c *memPriceCache) GetPrice(_ context.Context, id string) (decimal.Decimal, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[id]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p, c.times[id], nil
}
