// Package api exposes the engine over HTTP: placement, close, protection and
// monitor control behind JWT auth, plus a websocket push of engine events.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"pamm-core/internal/equity"
	"pamm-core/internal/events"
	"pamm-core/internal/fanout"
	"pamm-core/internal/telemetry"
	"pamm-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the fan-out executor.
type Server struct {
	Router    *gin.Engine
	DB        *db.Database
	Exec      *fanout.Executor
	Monitor   *equity.Monitor
	Bus       *events.Bus
	Metrics   *telemetry.Metrics
	JWTSecret string

	log *slog.Logger
}

func NewServer(database *db.Database, exec *fanout.Executor, monitor *equity.Monitor, bus *events.Bus, metrics *telemetry.Metrics, jwtSecret string, logger *slog.Logger) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger, metrics))
	r.Use(RateLimitMiddleware(logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		DB:        database,
		Exec:      exec,
		Monitor:   monitor,
		Bus:       bus,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		log:       logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.POST("/orders", s.placeOrder)
		api.GET("/orders/:id", s.getOrder)
		api.POST("/orders/:id/close", s.closeOrder)
		api.POST("/orders/:id/cancel", s.cancelOrder)
		api.POST("/orders/:id/stop-loss", s.setStopLoss)
		api.DELETE("/orders/:id/stop-loss", s.cancelStopLoss)
		api.POST("/orders/:id/take-profit", s.setTakeProfit)
		api.DELETE("/orders/:id/take-profit", s.cancelTakeProfit)

		api.GET("/accounts/:id", s.getAccount)
		api.GET("/accounts/:id/participants", s.listParticipants)
		api.POST("/participants/:id/close", s.closeParticipant)
		api.GET("/participants/:id/ledger", s.getLedger)

		api.POST("/monitor/start", s.startMonitor)
		api.POST("/monitor/stop", s.stopMonitor)
		api.GET("/monitor/status", s.monitorStatus)

		api.GET("/metrics", s.getMetrics)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
