package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/service"
)

// MarketQuerier answers price and token search queries.
type MarketQuerier interface {
	SolPrice(ctx context.Context) (service.SolPriceView, error)
	Search(ctx context.Context, query string) []domain.SearchResult
}

// MarketHandler serves the SOL price and token search.
type MarketHandler struct {
	query  MarketQuerier
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(query MarketQuerier, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{query: query, logger: logger.With(slog.String("handler", "market"))}
}

// SolPrice returns SOL/USD.
// GET /api/sol-price
func (h *MarketHandler) SolPrice(w http.ResponseWriter, r *http.Request) {
	p, err := h.query.SolPrice(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "sol price", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type searchResponse struct {
	Results []domain.SearchResult `json:"results"`
}

// Search matches tokens by symbol, name or address.
// GET /api/search?q=
func (h *MarketHandler) Search(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, searchResponse{Results: h.query.Search(r.Context(), r.URL.Query().Get("q"))})
}
