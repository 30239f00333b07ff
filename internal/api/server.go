// Package api exposes the operational HTTP surface: health, bot status,
// cycle and execution metrics, open positions and start/stop control.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/executor"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/monitor"
	"futures-trading-bot/internal/orchestrator"
	"futures-trading-bot/internal/risk"
	"futures-trading-bot/internal/supervisor"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter allowing limit requests per window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks whether a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	windowStart := time.Now().Add(-r.window)
	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, time.Now())
	return true
}

// Server is the operational HTTP API
type Server struct {
	cfg        *config.ServerConfig
	handle     *config.Handle
	router     *gin.Engine
	httpServer *http.Server
	store      database.TradeStore
	bus        *events.Bus
	orch       *orchestrator.Orchestrator
	exec       *executor.Executor
	mon        *monitor.Monitor
	riskMgr    *risk.Manager
	sup        *supervisor.Supervisor
	limiter    *RateLimiter
	startedAt  time.Time
	log        zerolog.Logger
}

// NewServer wires the status server. The supervisor may be nil when the
// watchdog is not running (tests, one-shot tools).
func NewServer(cfg *config.ServerConfig, handle *config.Handle, store database.TradeStore,
	bus *events.Bus, orch *orchestrator.Orchestrator, exec *executor.Executor,
	mon *monitor.Monitor, riskMgr *risk.Manager, sup *supervisor.Supervisor) *Server {

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:       cfg,
		handle:    handle,
		router:    router,
		store:     store,
		bus:       bus,
		orch:      orch,
		exec:      exec,
		mon:       mon,
		riskMgr:   riskMgr,
		sup:       sup,
		limiter:   NewRateLimiter(120, time.Minute),
		startedAt: time.Now(),
		log:       logging.Component("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	apiGroup := s.router.Group("/api", s.rateLimitMiddleware())
	apiGroup.GET("/status", s.handleStatus)
	apiGroup.GET("/positions", s.handlePositions)
	apiGroup.GET("/trades/history", s.handleTradeHistory)
	apiGroup.GET("/metrics/cycles", s.handleCycleMetrics)
	apiGroup.GET("/metrics/execution", s.handleExecutionMetrics)
	apiGroup.GET("/metrics/daily", s.handleDailyRisk)
	apiGroup.GET("/supervisor/interventions", s.handleInterventions)
	apiGroup.GET("/blacklist", s.handleBlacklist)
	apiGroup.POST("/bot/start", s.handleBotStart)
	apiGroup.POST("/bot/stop", s.handleBotStop)
	apiGroup.POST("/config/reload", s.handleConfigReload)
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.limiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"path":  path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler { return s.router }

// Start runs the HTTP server until Shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("status server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("error running status server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
