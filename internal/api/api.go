package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/devdeploy/orchestrator/internal/broker"
	"github.com/devdeploy/orchestrator/internal/config"
	"github.com/devdeploy/orchestrator/internal/db"
	"github.com/devdeploy/orchestrator/internal/models"
	"github.com/devdeploy/orchestrator/internal/orchestrator"
	"github.com/devdeploy/orchestrator/internal/webhook"
)

// Server holds the API server components
type Server struct {
	db           *db.DB
	config       *config.Config
	orchestrator *orchestrator.Service
	ingestor     *webhook.Ingestor
	broker       *broker.Broker
	router       *gin.Engine
}

// NewServer creates a new API server
func NewServer(database *db.DB, cfg *config.Config, svc *orchestrator.Service, ing *webhook.Ingestor, b *broker.Broker) *Server {
	s := &Server{
		db:           database,
		config:       cfg,
		orchestrator: svc,
		ingestor:     ing,
		broker:       b,
	}

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.Default()
	s.setupRoutes()

	return s
}

// Router exposes the handler for the HTTP server
func (s *Server) Router() *gin.Engine {
	return s.router
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/projects", s.handleCreateProject)
		v1.GET("/projects/:project_id", s.handleGetProject)
		v1.POST("/projects/:project_id/builds", s.handleTriggerBuild)
		v1.GET("/projects/:project_id/builds", s.handleListBuilds)
		v1.GET("/projects/:project_id/webhook-events", s.handleProjectWebhookEvents)
		v1.GET("/projects/:project_id/webhook-config", s.handleWebhookConfig)

		v1.GET("/builds/:build_id", s.handleGetBuild)
		v1.GET("/builds/:build_id/logs", s.handleBuildLogs)
		v1.POST("/builds/:build_id/cancel", s.handleCancelBuild)

		v1.POST("/webhooks/github", s.handleWebhook)
		v1.POST("/webhooks/test", s.handleTestWebhook)
		v1.POST("/webhooks/:event_id/retry", s.handleWebhookRetry)

		v1.GET("/queue", s.handleQueue)
		v1.GET("/stats/builds-per-day", s.handleBuildsPerDay)
	}

	// Live update sockets
	s.router.GET("/ws/builds/:build_id", s.handleBuildSocket)
	s.router.GET("/ws/users/:user_id", s.handleUserSocket)

	// Health check
	s.router.GET("/health", s.handleHealth)
}

// handleCreateProject handles POST /api/v1/projects
func (s *Server) handleCreateProject(c *gin.Context) {
	var req struct {
		Name           string `json:"name" binding:"required"`
		RepositoryURL  string `json:"repository_url" binding:"required"`
		Branch         string `json:"branch"`
		WebhookEnabled bool   `json:"webhook_enabled"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Branch == "" {
		req.Branch = "main"
	}

	project := &models.Project{
		ID:             uuid.NewString(),
		Name:           req.Name,
		RepositoryURL:  webhook.NormalizeRepoURL(req.RepositoryURL),
		Branch:         req.Branch,
		Status:         models.ProjectStatusActive,
		WebhookEnabled: req.WebhookEnabled,
		CreatedAt:      time.Now(),
	}

	if err := s.db.CreateProject(project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to create project: %v", err)})
		return
	}

	c.JSON(http.StatusCreated, project)
}

// handleGetProject handles GET /api/v1/projects/:project_id
func (s *Server) handleGetProject(c *gin.Context) {
	project, err := s.db.GetProject(c.Param("project_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get project"})
		return
	}
	if project == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return
	}

	c.JSON(http.StatusOK, project)
}

// handleTriggerBuild handles POST /api/v1/projects/:project_id/builds
func (s *Server) handleTriggerBuild(c *gin.Context) {
	var req struct {
		CommitHash    string `json:"commit_hash"`
		CommitMessage string `json:"commit_message"`
		Branch        string `json:"branch"`
		UserID        string `json:"user_id"`
	}

	// All fields are optional; an empty body triggers a build of the
	// project's default branch.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	build, err := s.orchestrator.TriggerBuild(c.Request.Context(), orchestrator.TriggerInput{
		ProjectID:     c.Param("project_id"),
		TriggerType:   models.TriggerManual,
		CommitHash:    req.CommitHash,
		CommitMessage: req.CommitMessage,
		Branch:        req.Branch,
		UserID:        req.UserID,
	})
	switch {
	case errors.Is(err, orchestrator.ErrProjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return
	case errors.Is(err, orchestrator.ErrProjectArchived):
		c.JSON(http.StatusConflict, gin.H{"error": "Project is archived"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to trigger build: %v", err)})
		return
	}

	c.JSON(http.StatusCreated, build)
}

// handleListBuilds handles GET /api/v1/projects/:project_id/builds
func (s *Server) handleListBuilds(c *gin.Context) {
	limit := 50
	offset := 0
	if l := c.Query("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}
	if o := c.Query("offset"); o != "" {
		fmt.Sscanf(o, "%d", &offset)
	}

	builds, err := s.orchestrator.ListProjectBuilds(
		c.Param("project_id"),
		models.BuildStatus(c.Query("status")),
		limit,
		offset,
	)
	if errors.Is(err, orchestrator.ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list builds"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"builds": builds,
		"count":  len(builds),
	})
}

// handleGetBuild handles GET /api/v1/builds/:build_id
func (s *Server) handleGetBuild(c *gin.Context) {
	build, err := s.orchestrator.GetBuild(c.Param("build_id"))
	if errors.Is(err, orchestrator.ErrBuildNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Build not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get build"})
		return
	}

	if c.Query("logs") == "true" {
		logs, err := s.orchestrator.GetBuildLogs(build.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get build logs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"build": build, "logs": logs})
		return
	}

	c.JSON(http.StatusOK, build)
}

// handleBuildLogs handles GET /api/v1/builds/:build_id/logs
func (s *Server) handleBuildLogs(c *gin.Context) {
	buildID := c.Param("build_id")

	logs, err := s.orchestrator.GetBuildLogs(buildID)
	if errors.Is(err, orchestrator.ErrBuildNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Build not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get build logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"build_id": buildID,
		"logs":     logs,
		"count":    len(logs),
	})
}

// handleCancelBuild handles POST /api/v1/builds/:build_id/cancel
func (s *Server) handleCancelBuild(c *gin.Context) {
	build, err := s.orchestrator.CancelBuild(c.Request.Context(), c.Param("build_id"))
	if errors.Is(err, orchestrator.ErrBuildNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Build not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to cancel build: %v", err)})
		return
	}

	c.JSON(http.StatusOK, build)
}

// handleWebhook handles POST /api/v1/webhooks/github. The raw body is
// read before any parsing because the signature covers the exact bytes
// sent.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	receipt, err := s.ingestor.Receive(
		c.GetHeader(webhook.HeaderEvent),
		c.GetHeader(webhook.HeaderDelivery),
		c.GetHeader(webhook.HeaderSignature),
		body,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to store webhook: %v", err)})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":      "accepted",
		"event_id":    receipt.EventID,
		"delivery_id": receipt.DeliveryID,
		"duplicate":   receipt.Duplicate,
		"timestamp":   time.Now().Unix(),
	})
}

// handleTestWebhook handles POST /api/v1/webhooks/test. It fabricates a
// push for the project's monitored branch and runs it through the
// normal ingestion path, signed with the project's secret, so the whole
// webhook chain is exercised. Builds created this way carry the test
// trigger type.
func (s *Server) handleTestWebhook(c *gin.Context) {
	var req struct {
		ProjectID string `json:"project_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := s.db.GetProject(req.ProjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get project"})
		return
	}
	if project == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return
	}

	commit := strings.ReplaceAll(uuid.NewString(), "-", "")
	payload, err := json.Marshal(gin.H{
		"ref":   "refs/heads/" + project.Branch,
		"after": commit,
		"head_commit": gin.H{
			"id":      commit,
			"message": "Webhook test delivery",
		},
		"pusher": gin.H{"name": "webhook-test"},
		"repository": gin.H{
			"html_url": project.RepositoryURL,
		},
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build test payload"})
		return
	}

	signature := ""
	if project.WebhookSecret != "" {
		signature = webhook.SignBody(payload, project.WebhookSecret)
	}

	receipt, err := s.ingestor.Receive("test_push", "test-"+uuid.NewString(), signature, payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to store webhook: %v", err)})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":      "accepted",
		"event_id":    receipt.EventID,
		"delivery_id": receipt.DeliveryID,
		"project_id":  project.ID,
	})
}

// handleWebhookRetry handles POST /api/v1/webhooks/:event_id/retry
func (s *Server) handleWebhookRetry(c *gin.Context) {
	ev, err := s.ingestor.Retry(c.Param("event_id"))
	switch {
	case errors.Is(err, webhook.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Webhook event not found"})
		return
	case errors.Is(err, webhook.ErrRetryNotAllowed):
		c.JSON(http.StatusConflict, gin.H{"error": "Only failed events can be retried"})
		return
	case errors.Is(err, webhook.ErrRetryExhausted):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Retry limit reached"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to retry webhook: %v", err)})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "scheduled",
		"event":  ev,
	})
}

// handleProjectWebhookEvents handles GET /api/v1/projects/:project_id/webhook-events
func (s *Server) handleProjectWebhookEvents(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := s.db.GetProject(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get project"})
		return
	}
	if project == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return
	}

	limit := 50
	offset := 0
	if l := c.Query("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}
	if o := c.Query("offset"); o != "" {
		fmt.Sscanf(o, "%d", &offset)
	}

	events, err := s.ingestor.ProjectEvents(projectID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list webhook events"})
		return
	}

	counts, err := s.ingestor.EventCounts(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count webhook events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"counts": counts,
	})
}

// handleWebhookConfig handles GET /api/v1/projects/:project_id/webhook-config.
// A secret is provisioned when the project has none yet.
func (s *Server) handleWebhookConfig(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := s.db.GetProject(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get project"})
		return
	}
	if project == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return
	}

	secret := project.WebhookSecret
	if secret == "" {
		secret, err = s.orchestrator.ProvisionWebhookSecret(projectID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to provision webhook secret"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"url":          fmt.Sprintf("%s/api/v1/webhooks/github", s.config.PublicBaseURL),
		"secret":       secret,
		"content_type": "application/json",
		"events":       []string{"push", "workflow_run", "check_run", "ping"},
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}
