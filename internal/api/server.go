// Package api serves the operator HTTP surface: strategy status and
// control, instance and capital views, breaker reset, paper signals,
// Prometheus metrics and a live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/auth"
	"quant-trading-engine/internal/capital"
	"quant-trading-engine/internal/circuit"
	"quant-trading-engine/internal/events"
	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
	"quant-trading-engine/internal/orders"
	"quant-trading-engine/internal/scheduler"
)

// StrategyControl is the part of the scheduler registry the API drives
type StrategyControl interface {
	Statuses() []scheduler.Status
	StartStrategy(strategyID int64) error
	StopStrategy(strategyID int64) error
}

// TradeReader lists journaled trades
type TradeReader interface {
	RecentTrades(ctx context.Context, strategyID int64, limit int) ([]orders.Trade, error)
}

// HealthCheck reports one dependency; a nil error is healthy
type HealthCheck func(ctx context.Context) error

// Deps are the engine parts the API reads and controls. Optional parts
// may be nil: their endpoints answer 404.
type Deps struct {
	Strategies StrategyControl
	Instances  instance.Store
	Ledger     *capital.Ledger
	Breakers   *circuit.Registry
	Trades     TradeReader
	Paper      *gateway.Paper
	Metrics    http.Handler
	Bus        *events.EventBus
	Health     map[string]HealthCheck
	IsActive   func() bool
}

// Server represents the HTTP API server
type Server struct {
	Deps
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig
	authCfg    config.AuthConfig
	jwt        *auth.JWTManager
	hub        *WSHub
	started    time.Time
	logger     zerolog.Logger
}

// NewServer creates the server and registers its routes
func NewServer(cfg config.ServerConfig, authCfg config.AuthConfig, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	log := logger.With().Str("component", "api").Logger()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins(cfg.AllowedOrigins)
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		Deps:    deps,
		router:  router,
		config:  cfg,
		authCfg: authCfg,
		hub:     NewWSHub(log),
		started: time.Now(),
		logger:  log,
	}
	if authCfg.Enabled {
		s.jwt = auth.NewJWTManager(authCfg.JWTSecret, authCfg.AccessTokenDuration)
	}
	s.setupRoutes()
	return s
}

func allowedOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"http://localhost:3000"}
	}
	return out
}

// requestLogger logs one line per request through zerolog
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			return
		}
		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// protected guards mutating endpoints when auth is enabled
func (s *Server) protected() gin.HandlerFunc {
	if s.jwt == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return auth.Middleware(s.jwt)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.Metrics))
	}
	s.router.GET("/ws/events", s.handleWebSocket)

	api := s.router.Group("/api")
	api.POST("/auth/login", s.handleLogin)
	api.GET("/auth/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"auth_enabled": s.jwt != nil})
	})

	api.GET("/strategies", s.handleStrategies)
	api.GET("/strategies/:id/instances", s.handleInstances)
	api.GET("/strategies/:id/capital", s.handleCapital)
	api.GET("/strategies/:id/breaker", s.handleBreaker)
	api.GET("/strategies/:id/trades", s.handleTrades)
	api.GET("/capital", s.handleAllCapital)
	api.GET("/breakers", s.handleAllBreakers)

	ops := api.Group("", s.protected())
	ops.POST("/strategies/:id/start", s.handleStartStrategy)
	ops.POST("/strategies/:id/stop", s.handleStopStrategy)
	ops.POST("/strategies/:id/breaker/reset", s.handleBreakerReset)
	ops.POST("/paper/signals", s.handlePaperSignal)
	ops.POST("/paper/prices", s.handlePaperPrice)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. The event hub is attached to the bus first.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	if s.Bus != nil {
		s.Bus.SubscribeAll(s.hub.BroadcastEvent)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  seconds(s.config.ReadTimeout, 15),
		WriteTimeout: seconds(s.config.WriteTimeout, 15),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("address", addr).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
