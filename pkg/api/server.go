// Package api is the REST surface: a thin gin layer that parses requests,
// calls the engine and the definition store, and maps error kinds to HTTP
// statuses. No orchestration logic lives here.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cascadehq/cascade/pkg/cache"
	"github.com/cascadehq/cascade/pkg/engine"
	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/observability"
	"github.com/cascadehq/cascade/pkg/parser"
	"github.com/cascadehq/cascade/pkg/store"
)

// Config holds the HTTP server settings.
type Config struct {
	ListenAddress   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server serves the engine API over HTTP.
type Server struct {
	engine  *engine.Engine
	store   store.ExecutionStore
	cache   cache.Cache
	router  *gin.Engine
	server  *http.Server
	cfg     Config
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewServer creates a server; cache may be nil, nil observability deps
// default to no-ops.
func NewServer(eng *engine.Engine, st store.ExecutionStore, c cache.Cache, cfg Config,
	logger observability.Logger, metrics observability.MetricsClient) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		engine:  eng,
		store:   st,
		cache:   c,
		router:  router,
		cfg:     cfg,
		logger:  logger.WithPrefix("api"),
		metrics: metrics,
	}
	s.registerRoutes()
	s.server = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", map[string]interface{}{
			"address": s.cfg.ListenAddress,
		})
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/workflows", s.createWorkflow)
		v1.GET("/workflows", s.listWorkflows)
		v1.GET("/workflows/:name", s.getWorkflow)
		v1.PUT("/workflows/:name", s.updateWorkflow)
		v1.DELETE("/workflows/:name", s.deleteWorkflow)

		v1.POST("/executions", s.startExecution)
		v1.GET("/executions/:id", s.getExecution)
		v1.POST("/executions/:id/stop", s.stopExecution)
		v1.POST("/executions/:id/resume", s.resumeExecution)
		v1.POST("/executions/:id/cancel", s.cancelExecution)
		v1.POST("/executions/:id/rerun", s.rerunExecution)

		v1.POST("/actions/:id/deliver", s.deliverActionResult)
	}
}

// respondError maps error kinds onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidModel), errors.Is(err, models.ErrExpression):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrDuplicate), errors.Is(err, models.ErrInvalidStateTransition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", map[string]interface{}{
			"path":  c.FullPath(),
			"error": err.Error(),
		})
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type workflowRequest struct {
	Definition string `json:"definition" binding:"required"`
	Namespace  string `json:"namespace"`
	ProjectID  string `json:"project_id"`
}

type workflowResponse struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	ProjectID string `json:"project_id"`
	Version   int    `json:"version"`
}

func (s *Server) createWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec, err := parser.Parse([]byte(req.Definition))
	if err != nil {
		s.respondError(c, err)
		return
	}
	def := &models.WorkflowDefinition{
		Name:       spec.Name,
		Namespace:  req.Namespace,
		ProjectID:  req.ProjectID,
		Definition: req.Definition,
	}
	if err := s.store.CreateWorkflowDefinition(c.Request.Context(), def); err != nil {
		s.respondError(c, err)
		return
	}
	s.metrics.IncrementCounter("api_workflows_created", 1)
	c.JSON(http.StatusCreated, workflowResponse{
		Name:      def.Name,
		Namespace: def.Namespace,
		ProjectID: def.ProjectID,
		Version:   def.Version,
	})
}

func (s *Server) updateWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec, err := parser.Parse([]byte(req.Definition))
	if err != nil {
		s.respondError(c, err)
		return
	}
	name := c.Param("name")
	if spec.Name != name {
		c.JSON(http.StatusBadRequest, gin.H{"error": "definition name does not match path"})
		return
	}
	def := &models.WorkflowDefinition{
		Name:       name,
		Namespace:  req.Namespace,
		ProjectID:  req.ProjectID,
		Definition: req.Definition,
	}
	if err := s.store.UpdateWorkflowDefinition(c.Request.Context(), def); err != nil {
		s.respondError(c, err)
		return
	}
	s.invalidateDefinition(c.Request.Context(), name, req.Namespace, req.ProjectID)
	c.JSON(http.StatusOK, workflowResponse{
		Name:      def.Name,
		Namespace: def.Namespace,
		ProjectID: def.ProjectID,
		Version:   def.Version,
	})
}

func (s *Server) getWorkflow(c *gin.Context) {
	def, err := s.store.GetWorkflowDefinition(c.Request.Context(),
		c.Param("name"), c.Query("namespace"), c.Query("project_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) listWorkflows(c *gin.Context) {
	defs, err := s.store.ListWorkflowDefinitions(c.Request.Context(),
		c.Query("namespace"), c.Query("project_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": defs})
}

func (s *Server) deleteWorkflow(c *gin.Context) {
	name := c.Param("name")
	namespace := c.Query("namespace")
	projectID := c.Query("project_id")
	if err := s.store.DeleteWorkflowDefinition(c.Request.Context(), name, namespace, projectID); err != nil {
		s.respondError(c, err)
		return
	}
	s.invalidateDefinition(c.Request.Context(), name, namespace, projectID)
	c.Status(http.StatusNoContent)
}

func (s *Server) invalidateDefinition(ctx context.Context, name, namespace, projectID string) {
	if s.cache == nil {
		return
	}
	key := engine.DefinitionCacheKey(name, namespace, projectID)
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn("Definition cache invalidation failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

type startExecutionRequest struct {
	WorkflowName string                 `json:"workflow_name" binding:"required"`
	Namespace    string                 `json:"namespace"`
	ProjectID    string                 `json:"project_id"`
	Input        map[string]interface{} `json:"input"`
	TargetTasks  []string               `json:"target_tasks"`
}

func (s *Server) startExecution(c *gin.Context) {
	var req startExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.engine.StartWorkflowByName(c.Request.Context(), req.WorkflowName, req.Input, engine.StartOptions{
		Namespace:   req.Namespace,
		ProjectID:   req.ProjectID,
		TargetTasks: req.TargetTasks,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	wx, err := s.engine.GetWorkflowExecution(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wx)
}

func (s *Server) executionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) getExecution(c *gin.Context) {
	id, ok := s.executionID(c)
	if !ok {
		return
	}
	wx, err := s.engine.GetWorkflowExecution(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	tasks, err := s.engine.ListTaskExecutions(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": wx, "tasks": tasks})
}

func (s *Server) stopExecution(c *gin.Context) {
	id, ok := s.executionID(c)
	if !ok {
		return
	}
	if err := s.engine.Stop(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) resumeExecution(c *gin.Context) {
	id, ok := s.executionID(c)
	if !ok {
		return
	}
	if err := s.engine.Resume(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) cancelExecution(c *gin.Context) {
	id, ok := s.executionID(c)
	if !ok {
		return
	}
	if err := s.engine.Cancel(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

type rerunRequest struct {
	Task string `json:"task" binding:"required"`
}

func (s *Server) rerunExecution(c *gin.Context) {
	id, ok := s.executionID(c)
	if !ok {
		return
	}
	var req rerunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.Rerun(c.Request.Context(), id, req.Task); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

type deliverRequest struct {
	Success   bool        `json:"success"`
	Result    interface{} `json:"result"`
	ErrorInfo string      `json:"error_info"`
}

// deliverActionResult is the asynchronous ActionRunner callback.
func (s *Server) deliverActionResult(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action execution id"})
		return
	}
	var req deliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.Deliver(c.Request.Context(), id, req.Success, req.Result, req.ErrorInfo); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
