package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
	"github.com/desklab/optiondesk/internal/server/handler"
	"github.com/desklab/optiondesk/internal/server/middleware"
	"github.com/desklab/optiondesk/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port               int
	CORSOrigins        []string
	APIToken           string // if empty, authentication is disabled
	RateLimitPerMinute int    // if zero, rate limiting is disabled
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Positions  *handler.PositionHandler
	Valuations *handler.ValuationHandler
	Portfolio  *handler.PortfolioHandler
	Contracts  *handler.ContractHandler
	Audit      *handler.AuditHandler
	Pipeline   *handler.PipelineHandler
}

// Server is the HTTP + WebSocket API for the valuation desk.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. Middleware wraps
// the mux inside-out: auth first so unauthenticated requests are rejected
// before they reach a handler, then rate limiting, request logging, and
// CORS outermost so preflights are answered even for throttled clients.
// The limiter may be nil when rate limiting is disabled.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Position lifecycle.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("POST /api/positions", handlers.Positions.LoadPosition)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("POST /api/positions/{id}/events", handlers.Positions.AppendEvent)

	// Derived reads, served from the snapshot cache.
	mux.HandleFunc("GET /api/positions/{id}/valuation", handlers.Valuations.GetValuation)
	mux.HandleFunc("GET /api/positions/{id}/accounting", handlers.Valuations.GetAccounting)
	mux.HandleFunc("GET /api/positions/{id}/risk", handlers.Valuations.GetRisk)
	mux.HandleFunc("GET /api/positions/{id}/flow", handlers.Valuations.GetFlow)

	// Portfolio aggregate and history.
	mux.HandleFunc("GET /api/portfolio", handlers.Portfolio.GetPortfolio)
	mux.HandleFunc("GET /api/portfolio/history", handlers.Portfolio.GetHistory)

	// Contract catalog.
	mux.HandleFunc("GET /api/contracts", handlers.Contracts.ListContracts)
	mux.HandleFunc("GET /api/contracts/{symbol}", handlers.Contracts.GetContract)

	// Operational surface.
	mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	mux.HandleFunc("POST /api/pipeline/archive", handlers.Pipeline.TriggerArchive)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIToken, "/api/health")(h)
	if limiter != nil && cfg.RateLimitPerMinute > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
