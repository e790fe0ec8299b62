// Package server is the read-mostly HTTP query API of a marketplace node.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/metrics"
	"github.com/alanyoungcy/marketnode/internal/server/handler"
	"github.com/alanyoungcy/marketnode/internal/server/middleware"
	"github.com/alanyoungcy/marketnode/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKeys     []string
	// RateLimit is requests per minute per client IP. It needs Limiter.
	RateLimit int
	Limiter   domain.RateLimiter
}

// Handlers aggregates the HTTP handlers. Archives and the hub are optional.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Listings  *handler.ListingHandler
	Bids      *handler.BidHandler
	Proposals *handler.ProposalHandler
	Archives  *handler.ArchiveHandler
}

// Server is the HTTP and WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in middleware.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/listings/{hash}", handlers.Listings.GetListing)
	mux.HandleFunc("GET /api/listings/{hash}/bids", handlers.Bids.ListBids)
	mux.HandleFunc("GET /api/bids/{id}/order", handlers.Bids.GetOrder)
	mux.HandleFunc("GET /api/templates", handlers.Listings.ListTemplates)
	mux.HandleFunc("POST /api/templates", handlers.Listings.RegisterTemplate)

	mux.HandleFunc("GET /api/proposals/active", handlers.Proposals.ListActive)
	mux.HandleFunc("GET /api/proposals/past", handlers.Proposals.ListPast)
	mux.HandleFunc("GET /api/proposals/{hash}", handlers.Proposals.GetProposal)
	mux.HandleFunc("GET /api/proposals/{hash}/result", handlers.Proposals.GetResult)
	mux.HandleFunc("GET /api/proposals/{hash}/votes/{voter}", handlers.Proposals.GetVote)

	if handlers.Archives != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archives.ListArchives)
		mux.HandleFunc("GET /api/archives/records", handlers.Archives.ReadArchive)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKeys, "/api/health", "/metrics")(h)
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, time.Minute, logger)(h)
	}
	h = middleware.Logging(logger, metrics.HTTP())(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the middleware-wrapped mux for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run starts the server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
