// Package server exposes the settlement engine over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/idempotency"
	"github.com/whiplashfi/whiplash/internal/server/handler"
	"github.com/whiplashfi/whiplash/internal/server/middleware"
	"github.com/whiplashfi/whiplash/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, write routes are open
	RateLimit   middleware.RateLimitPolicy
	// ReadOnly rejects every write route with 403.
	ReadOnly bool
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Feed, Archive, Audit and Metrics may be nil.
type Handlers struct {
	Health    *handler.HealthHandler
	Pools     *handler.PoolHandler
	Positions *handler.PositionHandler
	Market    *handler.MarketHandler
	Feed      *handler.FeedHandler
	Archive   *handler.ArchiveHandler
	Audit     *handler.AuditHandler
	Metrics   http.Handler
}

// Deps are the shared components the middleware chain uses. All may be nil.
type Deps struct {
	Limiter domain.RateLimiter
	Dedup   *idempotency.Dedup
	Hub     *ws.Hub
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, deps, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed and wrapped handler without a listener.
func NewHandler(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Reads.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/pools", handlers.Pools.ListPools)
	mux.HandleFunc("GET /api/pools/{mint}", handlers.Pools.GetPool)
	mux.HandleFunc("GET /api/pools/{mint}/quote", handlers.Pools.Quote)
	mux.HandleFunc("GET /api/pools/{mint}/settlements", handlers.Pools.Settlements)
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{address}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/sol-price", handlers.Market.SolPrice)
	mux.HandleFunc("GET /api/search", handlers.Market.Search)
	if handlers.Feed != nil {
		mux.HandleFunc("GET /api/feed", handlers.Feed.Settlements)
	}
	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archive", handlers.Archive.List)
		mux.HandleFunc("GET /api/archive/{path...}", handlers.Archive.Download)
	}

	// Writes.
	write := writeChain(cfg, deps, logger)
	mux.Handle("POST /api/pools", write(http.HandlerFunc(handlers.Pools.Launch)))
	mux.Handle("POST /api/pools/{mint}/swap", write(http.HandlerFunc(handlers.Pools.Swap)))
	mux.Handle("POST /api/pools/{mint}/leverage", write(http.HandlerFunc(handlers.Pools.OpenLeverage)))
	mux.Handle("POST /api/positions/{address}/close", write(http.HandlerFunc(handlers.Positions.Close)))
	mux.Handle("POST /api/positions/{address}/liquidate", write(http.HandlerFunc(handlers.Positions.Liquidate)))

	// The audit log carries actors and amounts, so it sits behind the API
	// key even in mirror mode.
	if handlers.Audit != nil {
		mux.Handle("GET /api/audit", middleware.Auth(cfg.APIKey)(http.HandlerFunc(handlers.Audit.List)))
	}

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(deps.Limiter, cfg.RateLimit, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// writeChain wraps a settlement route. Auth runs before idempotency so an
// unauthenticated request can never claim a key.
func writeChain(cfg Config, deps Deps, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.ReadOnly {
		return middleware.ReadOnly("writes are disabled in mirror mode")
	}
	auth := middleware.Auth(cfg.APIKey)
	idem := middleware.Idempotency(deps.Dedup, logger)
	return func(next http.Handler) http.Handler {
		return auth(idem(next))
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
