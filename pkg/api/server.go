// Package api exposes the agent over HTTP: run start/resume/command
// endpoints streaming server-sent events, run listing, the retrieval
// endpoint, and a health probe.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/convolab/triage/pkg/agent"
	"github.com/convolab/triage/pkg/checkpoint"
	"github.com/convolab/triage/pkg/database"
	"github.com/convolab/triage/pkg/retrieval"
)

// Server wires the HTTP surface to the runtime and its stores.
type Server struct {
	runtime     *agent.Runtime
	checkpoints *checkpoint.Store
	loop        *retrieval.Loop
	db          *database.Client
}

// NewServer creates the API server.
func NewServer(runtime *agent.Runtime, checkpoints *checkpoint.Store, loop *retrieval.Loop, db *database.Client) *Server {
	return &Server{
		runtime:     runtime,
		checkpoints: checkpoints,
		loop:        loop,
		db:          db,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.Health)

	router.POST("/agents/:agentId/ask", s.Ask)
	router.POST("/agents/:agentId/:runId/resume", s.Resume)
	router.POST("/agents/:agentId/:runId/command", s.Command)

	router.GET("/runs", s.ListRuns)
	router.POST("/retrieval/search", s.RetrievalSearch)

	return router
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.Router().Run(addr)
}

// Health returns database connectivity and pool statistics.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbHealth,
	})
}

// requestLogger logs each request with method, path, status and duration.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
