// Package server provides the HTTP boundary for paperbroker. It translates
// transport requests into facade calls and the core's closed error taxonomy
// into status codes; no business rule lives here.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"paperbroker/internal/ledger"
	"paperbroker/internal/oracle"
	"paperbroker/internal/trading"
	"paperbroker/internal/valuation"
)

// Config holds server configuration
type Config struct {
	Log            zerolog.Logger
	Port           int
	Trading        *trading.Service
	Valuation      *valuation.Service
	Store          *ledger.Store
	Feed           *oracle.SimulatedFeed
	StreamInterval time.Duration
	OpeningCash    string // default opening cash for new portfolios
}

// Server is the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
}

// New creates the HTTP server and wires all routes
func New(cfg Config) *Server {
	log := cfg.Log.With().Str("component", "server").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	h := newHandlers(cfg.Trading, cfg.Valuation, cfg.Store, cfg.OpeningCash, log)
	stream := newPriceStream(cfg.Feed, cfg.StreamInterval, log)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HandleHealth)

		r.Route("/portfolios", func(r chi.Router) {
			r.Post("/", h.HandleCreatePortfolio)
			r.Get("/", h.HandleLookupPortfolio)
			r.Get("/{portfolioID}", h.HandleGetPortfolio)
			r.Get("/{portfolioID}/positions", h.HandleGetPositions)
			r.Get("/{portfolioID}/orders", h.HandleGetOrders)
			r.Get("/{portfolioID}/transactions", h.HandleGetTransactions)
		})

		r.Route("/trading", func(r chi.Router) {
			r.Post("/buy", h.HandleBuy)
			r.Post("/sell", h.HandleSell)
			r.Post("/sell-all", h.HandleSellAll)
			r.Get("/quote", h.HandleQuote)
			r.Get("/can-afford", h.HandleCanAfford)
		})

		r.Get("/orders/{orderID}", h.HandleGetOrder)
		r.Get("/stream/prices", stream.HandleSubscribe)
	})

	return &Server{
		router: r,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		log: log,
	}
}

// Router exposes the router for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
