package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/avatar-render/internal/api/dto"
	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/orchestrator"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Authorizes the actor against the clone and submits the render
func (h *JobHandler) CreateJob(c *gin.Context) {
	actor, err := actorFromRequest(c)
	if err != nil {
		respondError(c, h.logger, "Unauthorized actor", err)
		return
	}

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Info("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	job, err := h.jobs.Submit(c.Request.Context(), orchestrator.Request{
		Actor:            actor,
		CloneID:          req.CloneID,
		Script:           req.Script,
		Title:            req.Title,
		Cost:             req.Cost,
		PaymentReference: req.PaymentReference,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to submit render job", err)
		return
	}

	c.JSON(http.StatusAccepted, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.visibleJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobAudit handles GET /api/v1/jobs/:job_id/audit
func (h *JobHandler) ListJobAudit(c *gin.Context) {
	job, ok := h.visibleJob(c)
	if !ok {
		return
	}

	entries, err := h.reader.ListAudit(c.Request.Context(), job.ID)
	if err != nil {
		respondError(c, h.logger, "Failed to list job audit", err)
		return
	}

	out := make([]dto.AuditDTO, len(entries))
	for i, e := range entries {
		out[i] = dto.NewAuditDTO(e)
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "entries": out})
}

// ReconcileJob handles POST /api/v1/jobs/:job_id/reconcile
// Queries the provider for one job now instead of waiting for the sweep
func (h *JobHandler) ReconcileJob(c *gin.Context) {
	job, ok := h.visibleJob(c)
	if !ok {
		return
	}

	state, err := h.reconciler.Reconcile(c.Request.Context(), job.ID)
	if err != nil {
		respondError(c, h.logger, "Failed to reconcile job", err)
		return
	}

	c.JSON(http.StatusOK, dto.ReconcileResponse{JobID: job.ID, State: string(state)})
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs newest first with keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	actor, err := actorFromRequest(c)
	if err != nil {
		respondError(c, h.logger, "Unauthorized actor", err)
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	state := domain.JobState(req.State)
	if state != "" && !state.Valid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid state"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	filter := domain.JobFilter{
		ActorID:    req.ActorID,
		ProducerID: req.ProducerID,
		CloneID:    req.CloneID,
		State:      state,
		PageSize:   req.PageSize,
		Cursor:     cursor,
	}
	scopeFilter(actor, &filter)

	jobs, err := h.reader.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, "Failed to list jobs", err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(&jobs[i])
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&domain.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

// visibleJob loads :job_id and checks the caller may see it. Jobs the caller
// cannot see are reported as missing.
func (h *JobHandler) visibleJob(c *gin.Context) (*domain.RenderJob, bool) {
	actor, err := actorFromRequest(c)
	if err != nil {
		respondError(c, h.logger, "Unauthorized actor", err)
		return nil, false
	}

	jobID, ok := uuidParam(c, "job_id")
	if !ok {
		return nil, false
	}

	job, err := h.reader.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to get job", err)
		return nil, false
	}

	if !canSee(actor, job) {
		respondError(c, h.logger, "Failed to get job", domain.ErrJobNotFound)
		return nil, false
	}
	return job, true
}

// scopeFilter narrows a listing to what the actor may see
func scopeFilter(actor domain.Actor, filter *domain.JobFilter) {
	switch actor.Kind {
	case domain.ActorAdmin:
	case domain.ActorProducer:
		filter.ProducerID = actor.ProducerID
	default:
		filter.ActorID = actor.ID
	}
}

func canSee(actor domain.Actor, job *domain.RenderJob) bool {
	switch actor.Kind {
	case domain.ActorAdmin:
		return true
	case domain.ActorProducer:
		return job.ProducerID == actor.ProducerID
	default:
		return job.ActorID == actor.ID
	}
}
