package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/service"
	"github.com/whiplashfi/whiplash/internal/settlement"
)

// PositionQuerier is the read side of positions.
type PositionQuerier interface {
	Positions(ctx context.Context, owner solana.PublicKey, mint *solana.PublicKey) ([]service.PositionView, error)
	Position(ctx context.Context, address solana.PublicKey) (service.PositionView, error)
}

// PositionSettler closes and liquidates positions.
type PositionSettler interface {
	ClosePosition(ctx context.Context, address, caller solana.PublicKey) (settlement.CloseResult, error)
	Liquidate(ctx context.Context, address, liquidator solana.PublicKey) (settlement.CloseResult, error)
}

// OwnerSyncer pulls one owner's positions from chain. Only set in mirror
// mode.
type OwnerSyncer interface {
	SyncOwner(ctx context.Context, owner solana.PublicKey) error
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	query  PositionQuerier
	settle PositionSettler
	sync   OwnerSyncer
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler. settle is nil when writes
// are disabled and sync is nil outside mirror mode.
func NewPositionHandler(query PositionQuerier, settle PositionSettler, sync OwnerSyncer, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		query:  query,
		settle: settle,
		sync:   sync,
		logger: logger.With(slog.String("handler", "position")),
	}
}

type listPositionsResponse struct {
	Positions []service.PositionView `json:"positions"`
}

// ListPositions returns a user's open positions, optionally for one pool.
// GET /api/positions?user=&mint=
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q, ok := strictQuery(w, r)
	if !ok {
		return
	}
	user := q.Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}
	owner, err := parseKey("user", user)
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	var mint *solana.PublicKey
	if s := strings.TrimSpace(q.Get("mint")); s != "" {
		key, err := parseKey("mint", s)
		if err != nil {
			writeServiceError(w, r, h.logger, "list positions", err)
			return
		}
		mint = &key
	}

	if h.sync != nil {
		if err := h.sync.SyncOwner(r.Context(), owner); err != nil {
			h.logger.WarnContext(r.Context(), "handler: owner sync failed, serving last snapshot",
				slog.String("user", user),
				slog.String("error", err.Error()),
			)
		}
	}

	positions, err := h.query.Positions(r.Context(), owner, mint)
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	if positions == nil {
		positions = []service.PositionView{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one open position.
// GET /api/positions/{address}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	addr, err := pathKey(r, "address")
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	view, err := h.query.Position(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type closeRequest struct {
	Caller string `json:"caller"`
}

type closeResponse struct {
	Position      string                  `json:"position"`
	Status        domain.PositionStatus   `json:"status"`
	CurrentOutput uint64                  `json:"current_output,string"`
	Borrowed      uint64                  `json:"borrowed,string"`
	Payout        uint64                  `json:"payout,string"`
	Settlement    service.SettlementEvent `json:"settlement"`
}

func newCloseResponse(res settlement.CloseResult) closeResponse {
	return closeResponse{
		Position:      res.Position.Address.String(),
		Status:        res.Status,
		CurrentOutput: res.CurrentOutput,
		Borrowed:      res.Borrowed,
		Payout:        res.Payout,
		Settlement:    service.NewSettlementEvent(res.Settlement),
	}
}

// Close settles a position. A caller other than the owner liquidates it,
// which only succeeds when it is underwater.
// POST /api/positions/{address}/close
func (h *PositionHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.settlePosition(w, r, "close", h.settle.ClosePosition)
}

// Liquidate settles an underwater position on behalf of anyone.
// POST /api/positions/{address}/liquidate
func (h *PositionHandler) Liquidate(w http.ResponseWriter, r *http.Request) {
	h.settlePosition(w, r, "liquidate", h.settle.Liquidate)
}

func (h *PositionHandler) settlePosition(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, address, caller solana.PublicKey) (settlement.CloseResult, error),
) {
	addr, err := pathKey(r, "address")
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	var body closeRequest
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	caller, err := parseKey("caller", body.Caller)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}

	res, err := fn(r.Context(), addr, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, newCloseResponse(res))
}
