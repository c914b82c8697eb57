package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleQueue handles GET /api/v1/queue
func (s *Server) handleQueue(c *gin.Context) {
	status, err := s.orchestrator.QueueSnapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get queue status"})
		return
	}

	c.JSON(http.StatusOK, status)
}

// handleBuildsPerDay handles GET /api/v1/stats/builds-per-day
func (s *Server) handleBuildsPerDay(c *gin.Context) {
	days := 30 // default
	if d := c.Query("days"); d != "" {
		fmt.Sscanf(d, "%d", &days)
	}

	stats, err := s.db.GetBuildStatsPerDay(days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get statistics"})
		return
	}

	c.JSON(http.StatusOK, stats)
}
