package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/convolab/triage/pkg/checkpoint"
	"github.com/convolab/triage/pkg/models"
	"github.com/convolab/triage/pkg/retrieval"
)

// AskRequest is the body of POST /agents/{agentId}/ask.
type AskRequest struct {
	Instruction string `json:"instruction" binding:"required"`
	Context     string `json:"context"`
}

// Ask starts a new classification run and streams its events.
func (s *Server) Ask(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	apiKey := bearerToken(c)
	if apiKey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
		return
	}

	instructions := req.Instruction
	if req.Context != "" {
		instructions += "\n\nContext: " + req.Context
	}

	stream, runID := s.runtime.Start(c.Request.Context(), instructions, apiKey)
	c.Header("X-Run-Id", runID)
	streamSSE(c, stream)
}

// Resume continues a checkpointed run and streams its events.
func (s *Server) Resume(c *gin.Context) {
	apiKey := bearerToken(c)
	if apiKey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
		return
	}

	stream, err := s.runtime.Resume(c.Request.Context(), c.Param("runId"), apiKey)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, checkpoint.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	streamSSE(c, stream)
}

// Command applies an approval/abort command to a parked run and streams
// the continuation.
func (s *Server) Command(c *gin.Context) {
	var cmd models.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	apiKey := bearerToken(c)
	if apiKey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
		return
	}

	stream, err := s.runtime.Submit(c.Request.Context(), c.Param("runId"), cmd, apiKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	streamSSE(c, stream)
}

// ListRuns returns checkpointed runs, keyset-paginated by created_at
// descending via the after query parameter (RFC3339).
func (s *Server) ListRuns(c *gin.Context) {
	limit := 25
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	var after time.Time
	if raw := c.Query("after"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after timestamp, expected RFC3339"})
			return
		}
		after = parsed
	}

	items, err := s.checkpoints.List(c.Request.Context(), limit, after)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": items})
}

// RetrievalRequest is the body of POST /retrieval/search.
type RetrievalRequest struct {
	Question       string         `json:"question" binding:"required"`
	VectorStoreIDs []string       `json:"vectorStoreIds" binding:"required"`
	Filter         map[string]any `json:"filter"`
	MaxResults     int            `json:"maxResults"`
	MaxIterations  int            `json:"maxIterations"`
	SeedStrategy   string         `json:"seedStrategy"`
	SeedMultiplier int            `json:"seedMultiplier"`
}

// RetrievalSearch runs the agentic retrieval loop once and returns its
// chunks, trace and memory.
func (s *Server) RetrievalSearch(c *gin.Context) {
	var req RetrievalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.loop.Run(c.Request.Context(), retrieval.Request{
		Question:       req.Question,
		VectorStoreIDs: req.VectorStoreIDs,
		UserFilter:     req.Filter,
		MaxResults:     req.MaxResults,
		MaxIterations:  req.MaxIterations,
		SeedStrategy:   req.SeedStrategy,
		SeedMultiplier: req.SeedMultiplier,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// bearerToken extracts the credential from the Authorization header,
// accepting both "Bearer <token>" and a bare token.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

