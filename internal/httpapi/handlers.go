// Package httpapi exposes the orchestrator over HTTP.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adflowhq/adflow/internal/saga"
	"github.com/adflowhq/adflow/pkg/api"
)

// RunHandler serves the run endpoints.
type RunHandler struct {
	orch    *saga.Orchestrator
	metrics *api.BasicMetrics
}

// NewRunHandler creates the handler. metrics may be nil; the metrics
// endpoint then reports zeros.
func NewRunHandler(orch *saga.Orchestrator, metrics *api.BasicMetrics) *RunHandler {
	if metrics == nil {
		metrics = &api.BasicMetrics{}
	}
	return &RunHandler{orch: orch, metrics: metrics}
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(orch *saga.Orchestrator, metrics *api.BasicMetrics) *gin.Engine {
	h := NewRunHandler(orch, metrics)

	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/runs", h.CreateRun)
	r.GET("/runs", h.ListRuns)
	r.GET("/runs/:id", h.GetRun)
	r.POST("/runs/:id/override", h.RequireOverride)
	r.POST("/runs/:id/transition", h.Transition)
	r.GET("/metrics", h.Metrics)

	return r
}

type runResponse struct {
	ID                   string                     `json:"id"`
	BriefID              string                     `json:"brief_id"`
	State                api.State                  `json:"state"`
	ClaimedBy            string                     `json:"claimed_by,omitempty"`
	LeaseExpiresAt       *time.Time                 `json:"lease_expires_at,omitempty"`
	Artifacts            map[string]api.ArtifactRef `json:"artifacts,omitempty"`
	CompensationsApplied []string                   `json:"compensations_applied,omitempty"`
	FailedStep           string                     `json:"failed_step,omitempty"`
	CompensationDone     bool                       `json:"compensation_done,omitempty"`
	Error                string                     `json:"error,omitempty"`
	Override             *api.Override              `json:"override,omitempty"`
	CreatedAt            time.Time                  `json:"created_at"`
	UpdatedAt            time.Time                  `json:"updated_at"`
}

func toResponse(run *api.Run) runResponse {
	resp := runResponse{
		ID:                   run.ID,
		BriefID:              run.BriefID,
		State:                run.State,
		ClaimedBy:            run.ClaimedBy,
		Artifacts:            run.Artifacts,
		CompensationsApplied: run.CompensationsApplied,
		FailedStep:           run.FailedStep,
		CompensationDone:     run.CompensationDone,
		Override:             run.Override,
		CreatedAt:            run.CreatedAt,
		UpdatedAt:            run.UpdatedAt,
	}
	if run.Err != nil {
		resp.Error = run.Err.Error()
	}
	if !run.LeaseExpiresAt.IsZero() {
		lease := run.LeaseExpiresAt
		resp.LeaseExpiresAt = &lease
	}
	return resp
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, api.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	case errors.Is(err, api.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// CreateRunRequest starts a new run for a brief.
type CreateRunRequest struct {
	BriefID string `json:"brief_id" binding:"required"`
}

func (h *RunHandler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := h.orch.Start(c, req.BriefID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(run))
}

func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.orch.Get(c, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(run))
}

func (h *RunHandler) ListRuns(c *gin.Context) {
	opts := api.RunListOptions{
		State:     api.State(c.Query("state")),
		ClaimedBy: c.Query("claimed_by"),
	}
	if opts.State != "" && !api.Valid(opts.State) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state " + string(opts.State)})
		return
	}

	runs, err := h.orch.List(c, opts)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toResponse(run))
	}
	c.JSON(http.StatusOK, gin.H{"runs": resp})
}

// OverrideRequest arms a one-shot override on a run.
type OverrideRequest struct {
	Reason string `json:"reason" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
}

func (h *RunHandler) RequireOverride(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := h.orch.RequireOverride(c, c.Param("id"), req.Reason, req.Actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(run))
}

// TransitionRequest requests a manual state transition.
type TransitionRequest struct {
	Target api.State `json:"target" binding:"required"`
}

func (h *RunHandler) Transition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := h.orch.ForceTransition(c, c.Param("id"), req.Target)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(run))
}

func (h *RunHandler) Metrics(c *gin.Context) {
	snap := h.metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"runs_claimed":          snap.RunsClaimed,
		"runs_delivered":        snap.RunsDelivered,
		"runs_failed":           snap.RunsFailed,
		"steps_completed":       snap.StepsCompleted,
		"compensations_applied": snap.CompensationsApplied,
		"compensations_failed":  snap.CompensationsFailed,
		"avg_step_duration_ms":  snap.AvgStepDuration.Milliseconds(),
	})
}
