package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quarrylabs/quarry/internal/catalog"
	"github.com/quarrylabs/quarry/internal/job"
	"github.com/quarrylabs/quarry/internal/scheduler"
)

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	m := opts.Manager

	router.GET("/healthz", handleHealth(m))

	api := router.Group("/api")

	api.POST("/jobs", handleCreateJob(m))
	api.GET("/jobs", handleListJobs(m))
	api.GET("/jobs/:id", handleGetJob(m))
	api.POST("/jobs/:id/cancel", handleCancel(m))
	api.POST("/jobs/:id/cancel-queued", handleCancelQueued(m))
	api.POST("/jobs/:id/complete", handleComplete(m))
	api.POST("/jobs/:id/fail", handleFail(m))
	api.POST("/jobs/:id/interrupt", handleInterrupt(m))

	api.GET("/jobs/:id/phases", handlePhaseSummary(m))
	api.POST("/jobs/:id/phases/:phase/start", handlePhaseStart(m))
	api.POST("/jobs/:id/phases/:phase/progress", handlePhaseProgress(m))
	api.POST("/jobs/:id/phases/:phase/complete", handlePhaseComplete(m))
	api.POST("/jobs/:id/phases/:phase/fail", handlePhaseFail(m))
	api.POST("/jobs/:id/phases/:phase/skip", handlePhaseSkip(m))

	api.GET("/jobs/:id/checkpoint", handleGetCheckpoint(m))
	api.PUT("/jobs/:id/checkpoint", handlePutCheckpoint(m))
	api.POST("/jobs/:id/analytics", handleAnalytics(m))

	api.GET("/queue", handleGlobalQueue(m))
	api.GET("/queue/:username", handleUserQueue(m))
	api.GET("/metrics", handleMetrics(m))

	api.POST("/repos", handleRegisterRepo(opts))
	api.GET("/repos", handleListRepos(opts))

	api.GET("/events", handleSSE(m))
}

// writeError maps scheduler errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	var dup *scheduler.DuplicateSyncError
	switch {
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{
			"error":          dup.Error(),
			"repository_url": dup.RepositoryURL,
			"holder_job_id":  dup.HolderJobID,
		})
	case errors.Is(err, scheduler.ErrJobNotFound), errors.Is(err, catalog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrInvalidParams):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrResourceLimit):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func handleHealth(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		if err := m.LastPersistError(); err != nil {
			status["status"] = "degraded"
			status["persist_error"] = err.Error()
			c.JSON(http.StatusOK, status)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

type createJobRequest struct {
	Username      string             `json:"username"`
	UserAlias     string             `json:"user_alias"`
	JobType       string             `json:"job_type"`
	RepositoryURL string             `json:"repository_url"`
	Phases        []string           `json:"phases"`
	PhaseWeights  map[string]float64 `json:"phase_weights"`
}

func handleCreateJob(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		jobType := job.Type(req.JobType)
		if req.JobType == "" {
			jobType = job.TypeRepositorySync
		}

		var created *job.SyncJob
		var err error
		if len(req.Phases) > 0 {
			created, err = m.CreateJobWithPhases(req.Username, req.UserAlias, jobType, req.RepositoryURL, req.Phases, req.PhaseWeights)
		} else {
			created, err = m.CreateJob(req.Username, req.UserAlias, jobType, req.RepositoryURL)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, created)
	}
}

func handleListJobs(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"jobs": m.ListJobs()})
	}
}

func handleGetJob(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		j, err := m.GetJob(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, j)
	}
}

func handleCancel(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.CancelJob(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": c.Param("id")})
	}
}

func handleCancelQueued(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.CancelQueuedJob(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": c.Param("id")})
	}
}

func handleComplete(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.MarkCompleted(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"completed": c.Param("id")})
	}
}

type failRequest struct {
	ErrorMessage string `json:"error_message"`
}

func handleFail(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req failRequest
		c.ShouldBindJSON(&req) // body optional
		if err := m.MarkFailed(c.Param("id"), req.ErrorMessage); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"failed": c.Param("id")})
	}
}

func handleInterrupt(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.MarkInterrupted(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"interrupted": c.Param("id")})
	}
}

func handlePhaseSummary(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := m.PhaseSummary(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

func handlePhaseStart(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.StartPhase(c.Param("id"), c.Param("phase")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"started": c.Param("phase")})
	}
}

type phaseProgressRequest struct {
	Progress       float64        `json:"progress"`
	CurrentFile    string         `json:"current_file"`
	FilesProcessed int            `json:"files_processed"`
	TotalFiles     int            `json:"total_files"`
	Metrics        map[string]any `json:"metrics"`
}

func handlePhaseProgress(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req phaseProgressRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		upd := scheduler.PhaseUpdate{
			CurrentFile:    req.CurrentFile,
			FilesProcessed: req.FilesProcessed,
			TotalFiles:     req.TotalFiles,
			Metrics:        req.Metrics,
		}
		if err := m.UpdatePhaseProgress(c.Param("id"), c.Param("phase"), req.Progress, upd); err != nil {
			writeError(c, err)
			return
		}
		j, err := m.GetJob(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"overall_progress": j.OverallProgress})
	}
}

func handlePhaseComplete(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.CompletePhase(c.Param("id"), c.Param("phase")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"completed": c.Param("phase")})
	}
}

func handlePhaseFail(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req failRequest
		c.ShouldBindJSON(&req)
		if err := m.FailPhase(c.Param("id"), c.Param("phase"), req.ErrorMessage); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"failed": c.Param("phase")})
	}
}

type skipRequest struct {
	Reason string `json:"reason"`
}

func handlePhaseSkip(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req skipRequest
		c.ShouldBindJSON(&req)
		if err := m.SkipPhase(c.Param("id"), c.Param("phase"), req.Reason); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"skipped": c.Param("phase")})
	}
}

func handleGetCheckpoint(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		cp, err := m.Checkpoint(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"checkpoint": cp})
	}
}

func handlePutCheckpoint(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var data map[string]any
		if err := c.ShouldBindJSON(&data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if err := m.CreateCheckpoint(c.Param("id"), data); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"checkpointed": c.Param("id")})
	}
}

func handleAnalytics(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var data map[string]any
		if err := c.ShouldBindJSON(&data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if err := m.RecordAnalytics(c.Param("id"), data); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"recorded": c.Param("id")})
	}
}

func handleGlobalQueue(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.GlobalQueueStatus())
	}
}

func handleUserQueue(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.UserQueueStatus(c.Param("username")))
	}
}

func handleMetrics(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.ResourceMetrics())
	}
}

type registerRepoRequest struct {
	URL         string `json:"url"`
	DisplayName string `json:"display_name"`
}

func handleRegisterRepo(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Catalog == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "catalog is not configured"})
			return
		}
		var req registerRepoRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		repo := catalog.Repository{URL: req.URL, DisplayName: req.DisplayName}
		stored, err := opts.Catalog.RegisterRepository(repo)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		// Metadata resolution is best-effort and must not fail registration.
		if opts.Resolver != nil {
			if meta, err := opts.Resolver.Resolve(c.Request.Context(), stored.NormalizedURL); err == nil && meta != nil {
				stored, _ = opts.Catalog.RegisterRepository(catalog.Repository{
					URL:           req.URL,
					DisplayName:   meta.DisplayName,
					Description:   meta.Description,
					DefaultBranch: meta.DefaultBranch,
				})
			}
		}
		c.JSON(http.StatusCreated, stored)
	}
}

func handleListRepos(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Catalog == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "catalog is not configured"})
			return
		}
		repos, err := opts.Catalog.ListRepositories()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"repositories": repos})
	}
}
