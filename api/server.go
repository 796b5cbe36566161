// Package api exposes the core's invocation surface (SPEC_FULL §6) as an
// HTTP API: StartPipeline, GetJob, ResumeChunk, TransformAndLoad. It is a
// thin echo layer over the same pipeline.Orchestrator/Resumer/Transformer
// calls the CLI entry point (cmd/pipelinecore) uses, following the
// teacher's api/rest.go convention of a handful of handler functions bound
// directly onto an *echo.Echo rather than a generated router.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/pipeline"
	"pipelinecore.evalgo.org/version"
)

// Server wires the invocation surface's HTTP handlers. StartPipeline runs
// asynchronously: a request is answered with 202 as soon as the run is
// started in a background goroutine, and the job itself may run well past
// any single HTTP request's timeout (§4.1, §5 "the pipeline invocation
// carries a deadline"). The response carries no job_id.
type Server struct {
	orch        *pipeline.Orchestrator
	resumer     *pipeline.Resumer
	transformer *pipeline.Transformer
	chunkBudget time.Duration
	logger      *common.ContextLogger
}

// NewServer constructs a Server bound to the given orchestration
// components.
func NewServer(orch *pipeline.Orchestrator, resumer *pipeline.Resumer, transformer *pipeline.Transformer, chunkBudget time.Duration) *Server {
	return &Server{
		orch:        orch,
		resumer:     resumer,
		transformer: transformer,
		chunkBudget: chunkBudget,
		logger:      common.ServiceLogger("pipelinecore-api", version.GetModuleVersion()),
	}
}

// Echo builds the *echo.Echo instance with every route registered and the
// teacher's standard request-logging/recovery middleware applied
// (cli/root.go's server setup).
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/healthz", s.handleHealth)
	e.POST("/pipeline/start", s.handleStartPipeline)
	e.GET("/pipeline/jobs/:job_id", s.handleGetJob)
	e.POST("/pipeline/chunks/:job_id/:chunk_id/resume", s.handleResumeChunk)
	e.POST("/transform", s.handleTransformAndLoad)

	return e
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK!")
}

// startPipelineRequest mirrors pipeline.StartRequest over the wire (§4.1
// "Invocation surface").
type startPipelineRequest struct {
	TenantID      string     `json:"tenant_id,omitempty"`
	ForceFullSync bool       `json:"force_full_sync,omitempty"`
	BackfillStart *time.Time `json:"backfill_start,omitempty"`
	BackfillEnd   *time.Time `json:"backfill_end,omitempty"`
	ChunkBudgetSec int       `json:"chunk_budget_sec,omitempty"`
}

// handleStartPipeline accepts a pipeline invocation and runs it in a
// background goroutine, responding 202 with {"status": "dispatched"} right
// after that goroutine is started. The response carries no job_id, and the
// job may not yet be journaled when it is sent (§4.1).
// Malformed requests are rejected before any tenant work starts (§7
// "InvalidRequest").
func (s *Server) handleStartPipeline(c echo.Context) error {
	var req startPipelineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request: "+err.Error())
	}

	budget := s.chunkBudget
	if req.ChunkBudgetSec > 0 {
		budget = time.Duration(req.ChunkBudgetSec) * time.Second
	}

	startReq := pipeline.StartRequest{
		TenantID:      req.TenantID,
		ForceFullSync: req.ForceFullSync,
		BackfillStart: req.BackfillStart,
		BackfillEnd:   req.BackfillEnd,
		ChunkBudget:   budget,
	}

	// Run detached from the request's context: the HTTP round trip ends
	// long before a multi-tenant job settles, but the job itself still
	// needs its own deadline, not the request's.
	go func() {
		ctx := context.Background()
		if _, err := s.orch.StartPipeline(ctx, startReq); err != nil {
			s.logger.WithError(err).Error("pipeline run failed")
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"status": "dispatched"})
}

// handleGetJob reads back the current state of a previously started job.
func (s *Server) handleGetJob(c echo.Context) error {
	jobID := c.Param("job_id")
	job, err := s.orch.GetJob(c.Request().Context(), jobID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "job not found: "+err.Error())
	}
	return c.JSON(http.StatusOK, job)
}

// handleResumeChunk drives the continuation mechanism for one timed_out
// chunk (§4.4 step 2.f, §6 "ResumeChunk ... idempotent").
func (s *Server) handleResumeChunk(c echo.Context) error {
	jobID := c.Param("job_id")
	chunkID := c.Param("chunk_id")
	if err := s.resumer.ResumeChunk(c.Request().Context(), jobID, chunkID, s.chunkBudget); err != nil {
		kind := common.KindOf(err)
		if kind == common.ErrInvalidRequest {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "resumed"})
}

// transformRequest is TransformAndLoad's wire shape (§4.5 "Invocation
// surface"), usable both as the Tenant Processor's internal trigger and as
// a manual repair tool operators can call directly (§6).
type transformRequest struct {
	TenantID   string   `json:"tenant_id"`
	Service    string   `json:"service"`
	TableName  string   `json:"table_name"`
	SourceKeys []string `json:"source_files"`
}

// handleTransformAndLoad invokes the canonical transform + SCD sink for an
// explicit list of raw object keys, the manual-repair path §6 calls out
// separately from the Tenant Processor's automatic trigger.
func (s *Server) handleTransformAndLoad(c echo.Context) error {
	var req transformRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request: "+err.Error())
	}
	if req.TenantID == "" || req.TableName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id and table_name are required")
	}

	out, err := s.transformer.TransformAndLoad(c.Request().Context(), pipeline.TransformInput{
		TenantID:   req.TenantID,
		Service:    req.Service,
		TableName:  req.TableName,
		SourceKeys: req.SourceKeys,
	})
	if err != nil {
		kind := common.KindOf(err)
		if kind == common.ErrConfigurationError {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}
