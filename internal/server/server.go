// Package server exposes the orchestrator over HTTP.
package server

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docflow/internal/logging"
	"docflow/internal/orchestrator"
)

// Server wires the HTTP surface onto a job manager.
type Server struct {
	manager *orchestrator.Manager
	logger  logging.Logger
	engine  *gin.Engine
}

// New builds the router.
func New(manager *orchestrator.Manager, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		manager: manager,
		logger:  logging.OrNop(logger),
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "Authorization"},
	}))
	s.routes()
	return s
}

// Handler returns the router for serving or tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("orchestrator listening on %s", addr)
	return s.engine.Run(addr)
}

func (s *Server) routes() {
	s.engine.POST("/jobs", s.submitJob)
	s.engine.GET("/jobs", s.listJobs)
	s.engine.GET("/jobs/:id", s.getJob)
	s.engine.POST("/jobs/:id/cancel", s.cancelJob)
	s.engine.GET("/jobs/:id/logs", s.jobLogs)
	s.engine.GET("/jobs/:id/context", s.jobContext)
	s.engine.POST("/traces/:trace_id/sync", s.syncTrace)
	s.engine.GET("/sandbox/:job_id/*path", s.sandboxFile)
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) submitJob(c *gin.Context) {
	var req orchestrator.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	job, err := s.manager.CreateJob(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": job.JobID, "status": job.Status})
}

func (s *Server) listJobs(c *gin.Context) {
	status := orchestrator.Status(strings.ToUpper(c.Query("status")))
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	c.JSON(http.StatusOK, s.manager.ListJobs(status, limit))
}

func (s *Server) getJob(c *gin.Context) {
	job, ok := s.manager.GetJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c *gin.Context) {
	job, cancelled, err := s.manager.CancelJob(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.JobID, "status": job.Status, "cancelled": cancelled})
}

func (s *Server) jobLogs(c *gin.Context) {
	tail := 0
	if raw := c.Query("tail"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tail must be a non-negative integer"})
			return
		}
		tail = parsed
	}
	logs, err := s.manager.JobLogs(c.Param("id"), tail)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no logs for job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("id"), "logs": logs})
}

func (s *Server) jobContext(c *gin.Context) {
	refresh := c.Query("refresh") == "true" || c.Query("refresh") == "1"
	context, err := s.manager.SyncJobContext(c.Request.Context(), c.Param("id"), refresh)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("id"), "context": context})
}

func (s *Server) syncTrace(c *gin.Context) {
	force := c.Query("force") == "true" || c.Query("force") == "1"
	result, err := s.manager.SyncTraceFile(c.Request.Context(), c.Param("trace_id"), force)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) sandboxFile(c *gin.Context) {
	requested := strings.TrimPrefix(c.Param("path"), "/")
	file, err := s.manager.ResolveSandboxFile(c.Request.Context(), c.Param("job_id"), requested)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInvalidPath):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, os.ErrNotExist):
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": file.Filename})
	if disposition == "" {
		disposition = fmt.Sprintf("attachment; filename=%q", file.Filename)
	}
	c.Header("Content-Disposition", disposition)
	if file.LocalPath != "" {
		c.File(file.LocalPath)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", file.Content)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"active_jobs": s.manager.ActiveJobs(),
		"total_jobs":  s.manager.TotalJobs(),
	})
}
