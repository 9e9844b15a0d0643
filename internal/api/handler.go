package api

import (
	"context"
	"net/http"
	"time"

	"trading-engine/internal/backtest"
	"trading-engine/internal/events"
	"trading-engine/internal/gateway"
	"trading-engine/internal/position"
	"trading-engine/internal/risk"
	"trading-engine/internal/signal"
	"trading-engine/pkg/crypto"
	"trading-engine/pkg/db"

	"github.com/gin-gonic/gin"
)

// CandleLoader fetches historical candles for on-demand backtests.
// Implemented by the market package against the venue's REST API.
type CandleLoader func(ctx context.Context, symbol, interval string, limit int) ([]backtest.Candle, error)

// Server wires HTTP endpoints around the pipeline's components.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Queue     *signal.DurableQueue
	Limits    *risk.Registry
	Positions *position.Manager
	Gateways  *gateway.Registry
	Keys      *crypto.KeyManager
	Candles   CandleLoader
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	DryRun      bool     `json:"dry_run"`
	Symbols     []string `json:"symbols"`
	UseMockFeed bool     `json:"use_mock_feed"`
	Version     string   `json:"version"`
}

func NewServer(bus *events.Bus, database *db.Database, queue *signal.DurableQueue, limits *risk.Registry, positions *position.Manager, gateways *gateway.Registry, keys *crypto.KeyManager, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger())       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Rate limiting
	// Security headers handled by Nginx
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Queue:     queue,
		Limits:    limits,
		Positions: positions,
		Gateways:  gateways,
		Keys:      keys,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	// The websocket route stays outside the timeout: streams outlive it.
	api.Use(TimeoutMiddleware(30 * time.Second))
	{
		api.GET("/system/status", s.getSystemStatus)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/signals", s.ingestSignal)

			protected.GET("/positions", s.getPositions)
			protected.GET("/positions/stats", s.getPositionStats)
			protected.POST("/positions/:id/close", s.closePosition)
			protected.GET("/trades", s.getTrades)

			protected.GET("/risk/limits", s.getRiskLimits)
			protected.PUT("/risk/limits", s.updateRiskLimits)
			protected.DELETE("/risk/limits", s.resetRiskLimits)

			protected.PUT("/credentials/:exchange", s.putCredential)
			protected.DELETE("/credentials/:exchange", s.deleteCredential)

			protected.POST("/backtests", s.runBacktest)
			protected.GET("/backtests", s.getBacktests)

			protected.GET("/deadletters", s.getDeadLetters)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
