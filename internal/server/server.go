package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/faucetdb/tollgate/internal/audit"
	"github.com/faucetdb/tollgate/internal/config"
	"github.com/faucetdb/tollgate/internal/handler"
	"github.com/faucetdb/tollgate/internal/metrics"
	"github.com/faucetdb/tollgate/internal/ratelimit"
	"github.com/faucetdb/tollgate/internal/server/middleware"
	"github.com/faucetdb/tollgate/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host             string
	Port             int
	ShutdownTimeout  time.Duration
	CORSOrigins      []string
	MaxBodySize      int64         // bytes
	CallbackRPM      int           // per-IP limit on the OAuth callback
	SweepInterval    time.Duration // rate limiter idle-bucket sweep
	RolloverInterval time.Duration // quota period rollover check
	Gate             middleware.GateConfig
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             8080,
		ShutdownTimeout:  30 * time.Second,
		CORSOrigins:      []string{"*"},
		MaxBodySize:      1 << 20, // 1MB
		CallbackRPM:      30,
		SweepInterval:    time.Minute,
		RolloverInterval: time.Hour,
	}
}

// Deps are the long-lived components the server routes to.
type Deps struct {
	Store    *config.Store
	Keys     *service.KeyService
	Quota    *service.QuotaService
	Vault    *service.TokenVault
	Sessions *service.SessionService
	Limiter  *ratelimit.Limiter
	Audit    *audit.Logger
}

// Server is the top-level HTTP server for tollgate. It owns the Chi router
// and the background jobs of the services behind it.
type Server struct {
	cfg        Config
	deps       Deps
	gate       *middleware.Gate
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.gate = middleware.NewGate(deps.Keys, deps.Quota, deps.Limiter, deps.Audit, cfg.Gate, logger)
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// --- Health checks and metrics (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", metrics.Handler())

	keyHandler := handler.NewKeyHandler(s.deps.Keys)
	quotaHandler := handler.NewQuotaHandler(s.deps.Quota)
	oauthHandler := handler.NewOAuthHandler(s.deps.Vault, s.deps.Sessions, s.logger)
	auditHandler := handler.NewAuditHandler(s.deps.Audit)
	protectedHandler := handler.NewProtectedHandler(s.logger)

	// --- OAuth callback: authenticated by its signed state ---
	r.With(middleware.RateLimitByIP(s.cfg.CallbackRPM)).Get("/oauth/callback", oauthHandler.Callback)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// Owner management APIs
		r.Route("/owner", func(r chi.Router) {
			r.Use(middleware.RequireSession(s.deps.Sessions))

			// API key management
			r.Get("/keys", keyHandler.ListKeys)
			r.Post("/keys", keyHandler.CreateKey)
			r.Get("/keys/allowance", keyHandler.Allowance)
			r.Delete("/keys/{keyId}", keyHandler.RevokeKey)
			r.Post("/keys/{keyId}/rotate", keyHandler.RotateKey)

			r.Get("/quota", quotaHandler.GetQuota)

			// OAuth connections
			r.Get("/oauth", oauthHandler.Status)
			r.Delete("/oauth", oauthHandler.Disconnect)
			r.Get("/oauth/authorize", oauthHandler.Authorize)
			r.Get("/oauth/token", oauthHandler.Token)

			// Audit trail
			r.Get("/audit", auditHandler.Query)
			r.Get("/audit/report", auditHandler.Report)
		})

		// API-key protected resources
		r.Route("/protected", func(r chi.Router) {
			r.Use(s.gate.Middleware(middleware.Options{RequireQuota: true}))
			r.Get("/*", protectedHandler.Echo)
			r.Post("/*", protectedHandler.Echo)
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store is reachable
// and the audit logger is flushing, 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "degraded"
	} else {
		checks["store"] = "ok"
	}

	if s.deps.Audit.Healthy() {
		checks["audit"] = "ok"
	} else {
		checks["audit"] = fmt.Sprintf("error: flushing disabled, %d events pending", s.deps.Audit.Pending())
		status = "degraded"
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// Start launches the background jobs: the rate limiter sweep, the quota
// rollover check and the token refresh timers. They stop when ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.deps.Limiter.Start(ctx, s.cfg.SweepInterval)
	s.deps.Quota.StartRollover(ctx, s.cfg.RolloverInterval)
	if _, err := s.deps.Vault.ResumeAll(ctx); err != nil {
		return fmt.Errorf("resume token refresh: %w", err)
	}
	return nil
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before stopping background jobs and flushing the audit queue.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	var listenErr error
	select {
	case err := <-errCh:
		listenErr = fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && listenErr == nil {
		listenErr = fmt.Errorf("server shutdown: %w", err)
	}
	s.Shutdown(shutdownCtx)
	if listenErr != nil {
		return listenErr
	}
	s.logger.Info("server stopped")
	return nil
}

// Shutdown stops background jobs and drains the audit queue.
func (s *Server) Shutdown(ctx context.Context) {
	s.deps.Limiter.Stop()
	s.deps.Vault.Stop()
	s.deps.Keys.Close()
	if err := s.deps.Audit.Close(ctx); err != nil {
		s.logger.Error("audit flush on shutdown failed", "error", err, "pending", s.deps.Audit.Pending())
	}
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
