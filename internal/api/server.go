// Package api exposes the engine over HTTP and streams engine events over
// websocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"continuity-engine/config"
	"continuity-engine/internal/circuit"
	"continuity-engine/internal/engine"
	"continuity-engine/internal/events"
	"continuity-engine/internal/ledger"
	"continuity-engine/internal/logging"
	"continuity-engine/internal/metrics"
	"continuity-engine/internal/oracle"
	"continuity-engine/internal/reconcile"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Evaluator is the engine surface the API calls.
type Evaluator interface {
	EvaluateSubscriber(ctx context.Context, subscriberID string) (*engine.Evaluation, error)
	ProjectProfit(ctx context.Context, planID string, balance decimal.Decimal, horizonDays int) (*engine.Projection, error)
}

// Reconciler runs reconciliation sweeps.
type Reconciler interface {
	Reconcile(ctx context.Context, categories []ledger.Category, filter ledger.PendingFilter) (*reconcile.Summary, error)
}

// OracleStats reports balance cache counters.
type OracleStats interface {
	Stats() oracle.Stats
}

// HealthChecker is a dependency whose liveness gates /api/health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BreakerStatus reports the chain RPC circuit state.
type BreakerStatus interface {
	Status() circuit.Status
}

// Dependencies wires the server. Everything except Evaluator and Reconciler
// may be nil.
type Dependencies struct {
	Evaluator  Evaluator
	Reconciler Reconciler
	Oracle     OracleStats
	Health     HealthChecker
	Breaker    BreakerStatus
	EventBus   *events.EventBus
	Metrics    *metrics.Metrics
}

// RateLimiter limits requests per route with a token bucket per key. Keys
// idle for longer than idleTTL are pruned.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastPrune time.Time
	now       func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per key with the given burst.
func NewRateLimiter(perMinute int, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastPrune) >= r.idleTTL {
		r.prune(now)
	}

	e, ok := r.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// prune drops keys idle past idleTTL. Caller holds mu.
func (r *RateLimiter) prune(now time.Time) {
	for key, e := range r.limiters {
		if now.Sub(e.lastSeen) > r.idleTTL {
			delete(r.limiters, key)
		}
	}
	r.lastPrune = now
}

func (r *RateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       Dependencies
	hub        *WSHub
	config     config.ServerConfig
	logger     zerolog.Logger

	// manual sweeps hit the chain for every pending entry
	reconcileLimiter *RateLimiter
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Dependencies, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	if origins := parseOrigins(cfg.AllowedOrigins); len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", logging.TraceHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", logging.TraceHeader}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:           router,
		deps:             deps,
		config:           cfg,
		logger:           logger.With().Str("component", "API").Logger(),
		reconcileLimiter: NewRateLimiter(30, 5),
	}

	if deps.EventBus != nil {
		s.hub = InitWebSocket(deps.EventBus, deps.Metrics, logger)
	}

	s.setupRoutes()
	return s
}

func parseOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	return origins
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.POST("/subscribers/:id/evaluate", s.handleEvaluate)
		api.POST("/plans/:id/project", s.handleProject)
		api.POST("/reconcile", s.rateLimitMiddleware(s.reconcileLimiter), s.handleReconcile)
		api.GET("/oracle/stats", s.handleOracleStats)
	}

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
	if s.hub != nil {
		s.router.GET("/ws/events", s.handleWebSocket)
	}
}

// rateLimitMiddleware rejects requests beyond the limiter's rate per client.
func (s *Server) rateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.FullPath() + "|" + c.ClientIP()
		if !limiter.Allow(key) {
			errorResponse(c, http.StatusTooManyRequests, "too many requests, slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  seconds(s.config.ReadTimeout, 15),
		WriteTimeout: seconds(s.config.WriteTimeout, 15),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
