// Package api provides the HTTP REST API for termflow.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/config"
	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/orchestrator"
)

// Server is the HTTP API server.
type Server struct {
	cfg    *config.Config
	svc    *orchestrator.Service
	logger *logger.Logger
	router *gin.Engine
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.Config, svc *orchestrator.Service, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: log.WithFields(zap.String("component", "api-server")),
		router: gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())

	s.setupRoutes()
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		// Message queue
		api.POST("/queue/messages", s.handleQueueAdd)
		api.GET("/queue/messages", s.handleQueueList)
		api.GET("/queue/messages/:id", s.handleQueueGet)
		api.PUT("/queue/messages/:id", s.handleQueueUpdate)
		api.DELETE("/queue/messages/:id", s.handleQueueDelete)
		api.POST("/queue/clear", s.handleQueueClear)
		api.POST("/queue/drain", s.handleQueueDrain)
		api.GET("/queue/history", s.handleQueueHistory)

		// Countdown timer
		api.GET("/timer", s.handleTimerGet)
		api.POST("/timer/set", s.handleTimerSet)
		api.POST("/timer/start", s.handleTimerStart)
		api.POST("/timer/pause", s.handleTimerPause)
		api.POST("/timer/resume", s.handleTimerResume)
		api.POST("/timer/stop", s.handleTimerStop)
		api.POST("/timer/reset", s.handleTimerReset)

		// Sessions
		api.GET("/sessions", s.handleSessionList)
		api.POST("/sessions", s.handleSessionOpen)
		api.GET("/sessions/:id", s.handleSessionGet)
		api.DELETE("/sessions/:id", s.handleSessionClose)

		// Injection control
		api.GET("/injections/active", s.handleInjectionsActive)
		api.POST("/injections/cancel", s.handleInjectionsCancel)

		// Rules and auto-continue
		api.GET("/rules", s.handleRulesList)
		api.GET("/rules/counters", s.handleRuleCounters)
		api.POST("/rules/auto-continue", s.handleAutoContinueToggle)

		// Usage limit
		api.GET("/usage-limit", s.handleUsageLimitState)
		api.POST("/usage-limit/rearm", s.handleUsageLimitRearm)
	}
}

// requestLogger logs each request with method, path, status and
// latency.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string `json:"status"`
	QueueSize int    `json:"queue_size"`
	Sessions  int    `json:"sessions"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		QueueSize: s.svc.Queue().Size(),
		Sessions:  len(s.svc.Registry().List()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
