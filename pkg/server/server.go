// Package server exposes the transaction-building and read-view HTTP API
// consumed by the game client.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/turbodash/backend/pkg/aggregate"
	"github.com/turbodash/backend/pkg/metrics"
	"github.com/turbodash/backend/pkg/txbuilder"
)

// TxBuilder is the builder surface the handlers call.
type TxBuilder interface {
	Join(ctx context.Context, player solana.PublicKey) (*txbuilder.JoinResult, error)
	RecordProgress(ctx context.Context, player solana.PublicKey, contestID uint64, contestAddr solana.PublicKey) (*txbuilder.TxResult, error)
	RefillLives(ctx context.Context, player solana.PublicKey, contestID uint64, contestAddr solana.PublicKey, shouldContinue bool, chargeUSD float64) (*txbuilder.TxResult, error)
	ClaimPrize(ctx context.Context, claimant solana.PublicKey, contestID uint64, contestAddr solana.PublicKey) (*txbuilder.TxResult, error)
}

// AggregateCache is the read-view surface the handlers call.
type AggregateCache interface {
	Contest(ctx context.Context, force bool) (*aggregate.ContestSnapshot, bool, error)
	Leaderboard(ctx context.Context, contestID uint64, force bool) ([]aggregate.LeaderboardEntry, bool, error)
}

// VersionInfo is served on /version.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger  *slog.Logger
	Builder TxBuilder
	Cache   AggregateCache

	ListenAddr string

	// AllowedOrigins feeds CORS for the browser client. Empty allows any
	// origin, which suits local development.
	AllowedOrigins []string

	// RateLimit and RateBurst bound POST requests per client IP.
	RateLimit rate.Limit
	RateBurst int

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Ready reports readiness for /readyz; nil means always ready.
	Ready func() bool

	VersionInfo VersionInfo
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Builder == nil {
		return fmt.Errorf("transaction builder is required")
	}
	if c.Cache == nil {
		return fmt.Errorf("aggregate cache is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.RateLimit <= 0 {
		// 60 requests/minute with a small burst absorbs normal gameplay.
		c.RateLimit = rate.Every(time.Minute / 60)
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     *Config
	httpSrv *http.Server
	router  chi.Router
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg.AllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthzHandler)
	r.Get("/readyz", s.readyzHandler)
	r.Get("/version", s.versionHandler)

	r.Get("/latest-contest", s.latestContestHandler)
	r.Get("/leaderboard", s.leaderboardHandler)

	limiter := NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter))
		r.Post("/join", s.joinHandler)
		r.Post("/record-progress", s.recordProgressHandler)
		r.Post("/refill-lives", s.refillLivesHandler)
		r.Post("/claim-prize", s.claimPrizeHandler)
	})

	s.router = r
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write healthz response", "error", err)
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Ready != nil && !s.cfg.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready\n")); err != nil {
			s.log.Error("server: failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write readyz response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.cfg.VersionInfo); err != nil {
		s.log.Error("server: failed to write version response", "error", err)
	}
}
