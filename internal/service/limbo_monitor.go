package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/metrics"
	"github.com/whiplashfi/whiplash/internal/notify"
	"github.com/whiplashfi/whiplash/internal/settlement"
)

// LimboMonitor periodically re-evaluates every open position. A position
// found underwater is flagged limbo; a flagged position whose close would
// again cover its borrow is returned to healthy. Each transition is
// persisted, published and optionally alerted on.
type LimboMonitor struct {
	engine    *settlement.Engine
	positions domain.PositionStore
	notifier  *notify.Notifier
	metrics   *metrics.Metrics
	events    publisher
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu   sync.Mutex
	last map[solana.PublicKey]domain.PositionStatus
}

// NewLimboMonitor creates a LimboMonitor. positions, bus, notifier and m may
// be nil.
func NewLimboMonitor(
	engine *settlement.Engine,
	positions domain.PositionStore,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	interval time.Duration,
	logger *slog.Logger,
) *LimboMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger = logger.With(slog.String("component", "limbo_monitor"))
	return &LimboMonitor{
		engine:    engine,
		positions: positions,
		notifier:  notifier,
		metrics:   m,
		events:    publisher{bus: bus, logger: logger},
		interval:  interval,
		now:       time.Now,
		logger:    logger,
		last:      make(map[solana.PublicKey]domain.PositionStatus),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (m *LimboMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.ErrorContext(ctx, "limbo_monitor: sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep evaluates all open positions once and returns the transitions it
// applied.
func (m *LimboMonitor) Sweep(ctx context.Context) ([]domain.PositionEvent, error) {
	start := time.Now()
	open := m.engine.OpenPositions()
	counts := make(map[string]int, 3)
	seen := make(map[solana.PublicKey]struct{}, len(open))
	var transitions []domain.PositionEvent
	var errs []error

	for _, pos := range open {
		if err := ctx.Err(); err != nil {
			return transitions, err
		}
		seen[pos.Address] = struct{}{}

		h, err := m.engine.Evaluate(pos.Address)
		if errors.Is(err, domain.ErrPositionNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		status := h.Status
		var since *time.Time
		switch {
		case h.Status == domain.PositionLiquidationEligible:
			t := m.now().UTC()
			since, status = &t, domain.PositionLimbo
		case h.Status == domain.PositionHealthy && pos.LimboSince != nil:
			since = nil
		default:
			counts[string(status)]++
			m.remember(pos.Address, status)
			continue
		}

		evt, err := m.transition(ctx, h, since, status)
		if errors.Is(err, domain.ErrPositionNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		counts[string(status)]++
		transitions = append(transitions, evt)
	}

	m.forget(seen)
	m.metrics.SetPositionCounts(counts, time.Since(start))
	if len(transitions) > 0 {
		m.logger.InfoContext(ctx, "limbo_monitor: sweep applied transitions",
			slog.Int("open", len(open)),
			slog.Int("transitions", len(transitions)),
		)
	}
	return transitions, errors.Join(errs...)
}

// transition flags or clears limbo on one position.
func (m *LimboMonitor) transition(ctx context.Context, h domain.PositionHealth, since *time.Time, to domain.PositionStatus) (domain.PositionEvent, error) {
	addr := h.Position.Address
	pos, err := m.engine.SetLimbo(addr, since)
	if err != nil {
		return domain.PositionEvent{}, err
	}
	if m.positions != nil {
		if err := m.positions.SetLimbo(ctx, addr, since); err != nil && !errors.Is(err, domain.ErrPositionNotFound) {
			m.logger.WarnContext(ctx, "limbo_monitor: persist limbo flag failed",
				slog.String("position", addr.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	from := m.previous(addr, h.Status)
	m.remember(addr, to)
	m.metrics.IncTransition(string(from), string(to))

	evt := domain.PositionEvent{
		Position:   addr,
		Owner:      pos.Authority,
		TokenYMint: pos.TokenYMint,
		From:       from,
		To:         to,
		Output:     h.CurrentOutput,
		Borrowed:   h.Borrowed,
		At:         m.now().UTC(),
	}
	m.events.publish(ctx, domain.ChannelPositions, evt)

	m.logger.InfoContext(ctx, "limbo_monitor: position transition",
		slog.String("position", addr.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Uint64("output", h.CurrentOutput),
		slog.Uint64("borrowed", h.Borrowed),
	)

	if alert, ok := notify.PositionTransition(evt); ok && m.notifier.Enabled() {
		if err := m.notifier.Notify(ctx, alert); err != nil {
			m.logger.WarnContext(ctx, "limbo_monitor: alert failed", slog.String("error", err.Error()))
		}
	}
	return evt, nil
}

// previous returns the last status the monitor recorded for addr. For a
// position it has not seen yet, a recovery implies it was in limbo and
// anything else implies it was healthy.
func (m *LimboMonitor) previous(addr solana.PublicKey, evaluated domain.PositionStatus) domain.PositionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.last[addr]; ok {
		return s
	}
	if evaluated == domain.PositionHealthy {
		return domain.PositionLimbo
	}
	return domain.PositionHealthy
}

func (m *LimboMonitor) remember(addr solana.PublicKey, s domain.PositionStatus) {
	m.mu.Lock()
	m.last[addr] = s
	m.mu.Unlock()
}

// forget drops closed positions from the status memory.
func (m *LimboMonitor) forget(open map[solana.PublicKey]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr := range m.last {
		if _, ok := open[addr]; !ok {
			delete(m.last, addr)
		}
	}
}
