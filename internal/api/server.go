// Package api exposes the orchestrator over HTTP: task submission and
// inspection, swarm status, and a WebSocket event stream for dashboards.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/orchestrator"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// Server wraps the HTTP API over a running orchestrator.
type Server struct {
	orch   *orchestrator.Orchestrator
	cfg    config.APIConfig
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds the API server.
func NewServer(orch *orchestrator.Orchestrator, cfg config.APIConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{orch: orch, cfg: cfg, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.POST("/tasks", s.submitTask)
		api.POST("/tasks/batch", s.submitBatch)
		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/:id", s.taskStatus)
		api.POST("/tasks/:id/cancel", s.cancelTask)
		api.GET("/status", s.status)
		api.GET("/backends", s.backends)
		api.GET("/models", s.models)
		api.GET("/router/stats", s.routerStats)
		api.GET("/instances", s.instances)
		api.GET("/instances/:id/output", s.instanceOutput)
		api.POST("/instances/scale", s.scaleInstances)
		api.POST("/workers/ensure", s.ensureWorkers)
		api.POST("/workflows", s.executeWorkflow)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.EnableWebSocket {
		router.GET("/ws/events", s.streamEvents)
	}

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("api server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type submitRequest struct {
	Prompt           string         `json:"prompt" binding:"required"`
	Name             string         `json:"name"`
	WorkingDirectory string         `json:"working_directory"`
	Priority         string         `json:"priority"`
	Timeout          int            `json:"timeout"`
	InstanceID       string         `json:"instance_id"`
	DependsOn        []string       `json:"depends_on"`
	Metadata         map[string]any `json:"metadata"`
}

func (s *Server) submitTask(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := s.orch.SubmitTask(orchestrator.SubmitOptions{
		Prompt:           req.Prompt,
		Name:             req.Name,
		WorkingDirectory: req.WorkingDirectory,
		Priority:         models.ParsePriority(req.Priority),
		Timeout:          time.Duration(req.Timeout) * time.Second,
		InstanceID:       req.InstanceID,
		DependsOn:        req.DependsOn,
		Metadata:         req.Metadata,
	})
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

type batchRequest struct {
	Prompts          []string `json:"prompts" binding:"required"`
	WorkingDirectory string   `json:"working_directory"`
	Priority         string   `json:"priority"`
}

func (s *Server) submitBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ids := s.orch.SubmitBatch(req.Prompts, req.WorkingDirectory, models.ParsePriority(req.Priority))
	c.JSON(http.StatusAccepted, gin.H{"task_ids": ids})
}

func (s *Server) listTasks(c *gin.Context) {
	status := models.TaskStatus(c.Query("status"))
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.orch.ListTasks(status, limit)})
}

func (s *Server) taskStatus(c *gin.Context) {
	info, ok := s.orch.TaskStatus(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) cancelTask(c *gin.Context) {
	cancelled := s.orch.CancelTask(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Status())
}

func (s *Server) backends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backends": s.orch.Backends.Snapshots()})
}

func (s *Server) models(c *gin.Context) {
	installed := s.orch.Registry.InstalledModels(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"models": installed,
		"stats":  s.orch.Registry.Stats(c.Request.Context()),
	})
}

func (s *Server) routerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": s.orch.Router.Stats()})
}

func (s *Server) instances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instances": s.orch.Instances.List()})
}

func (s *Server) instanceOutput(c *gin.Context) {
	lines := 50
	if raw := c.Query("lines"); raw != "" {
		fmt.Sscanf(raw, "%d", &lines)
	}
	output, ok := s.orch.InstanceOutput(c.Param("id"), lines)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": output})
}

type countRequest struct {
	Count int `json:"count" binding:"required"`
}

func (s *Server) scaleInstances(c *gin.Context) {
	var req countRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": s.orch.ScaleInstances(req.Count)})
}

func (s *Server) ensureWorkers(c *gin.Context) {
	var req countRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": s.orch.EnsureWorkers(req.Count)})
}

func (s *Server) executeWorkflow(c *gin.Context) {
	doc, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.orch.ExecuteWorkflow(doc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, result)
}
