package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"aqua-agent/internal/config"
	"aqua-agent/internal/ledger"
	"aqua-agent/internal/pipeline"
)

// Server runs the HTTP/WebSocket API of the agent
type Server struct {
	cfg      config.Config
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server. pricing may be nil when no price
// engine is configured; callers must pass a nil interface, not a typed nil.
func NewServer(
	cfg config.Config,
	pl *pipeline.Pipeline,
	ldg *ledger.Ledger,
	pricing pricingSource,
	metrics *Metrics,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(pl, ldg, pricing, cfg, hub, metrics, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/v1/quote", handlers.HandleQuote)
	mux.HandleFunc("/v1/fills", handlers.HandleFills)
	mux.HandleFunc("/v1/reverts", handlers.HandleReverts)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server and hub
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("agent server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping agent server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
