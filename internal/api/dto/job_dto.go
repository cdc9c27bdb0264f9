package dto

import (
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
)

type CreateJobRequest struct {
	CloneID          string `json:"clone_id" binding:"required"`
	Script           string `json:"script" binding:"required"`
	Title            string `json:"title"`
	Cost             int    `json:"cost" binding:"omitempty,min=1"`
	PaymentReference string `json:"payment_reference"`
}

type ListJobsRequest struct {
	ActorID    string `form:"actor_id"`
	ProducerID string `form:"producer_id"`
	CloneID    string `form:"clone_id"`
	State      string `form:"state"`
	PageSize   int    `form:"page_size"`
	Cursor     string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type ResultDTO struct {
	VideoURL        string  `json:"video_url"`
	ThumbnailURL    string  `json:"thumbnail_url,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

type JobDTO struct {
	JobID         string     `json:"job_id"`
	CloneID       string     `json:"clone_id"`
	ProducerID    string     `json:"producer_id"`
	ActorID       string     `json:"actor_id"`
	ActorKind     string     `json:"actor_kind"`
	ExternalJobID string     `json:"external_job_id,omitempty"`
	State         string     `json:"state"`
	Title         string     `json:"title,omitempty"`
	Cost          int        `json:"cost"`
	PriceCents    int64      `json:"price_cents"`
	Currency      string     `json:"currency,omitempty"`
	Result        *ResultDTO `json:"result,omitempty"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
	PollAttempts  int        `json:"poll_attempts"`
	CreatedAt     string     `json:"created_at"`
	SubmittedAt   string     `json:"submitted_at,omitempty"`
	CompletedAt   string     `json:"completed_at,omitempty"`
	UpdatedAt     string     `json:"updated_at"`
}

type ReconcileResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type AuditDTO struct {
	Action    string `json:"action"`
	Source    string `json:"source"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// QuotaErrorResponse is the 429 body. -1 means the window is unlimited.
type QuotaErrorResponse struct {
	Error            string `json:"error"`
	DailyRemaining   int    `json:"daily_remaining"`
	MonthlyRemaining int    `json:"monthly_remaining"`
}

// NewJobDTO converts a job for the wire
func NewJobDTO(job *domain.RenderJob) JobDTO {
	out := JobDTO{
		JobID:         job.ID,
		CloneID:       job.CloneID,
		ProducerID:    job.ProducerID,
		ActorID:       job.ActorID,
		ActorKind:     string(job.ActorKind),
		ExternalJobID: job.External(),
		State:         string(job.State),
		Title:         job.Title,
		Cost:          job.Cost,
		PriceCents:    job.PriceCents,
		Currency:      job.Currency,
		ErrorDetail:   job.ErrorDetail,
		PollAttempts:  job.PollAttempts,
		CreatedAt:     job.CreatedAt.Format(timeLayout),
		SubmittedAt:   formatTime(job.SubmittedAt),
		CompletedAt:   formatTime(job.CompletedAt),
		UpdatedAt:     job.UpdatedAt.Format(timeLayout),
	}
	if job.State == domain.JobStateCompleted {
		out.Result = &ResultDTO{
			VideoURL:        job.Result.VideoURL,
			ThumbnailURL:    job.Result.ThumbnailURL,
			DurationSeconds: job.Result.DurationSeconds,
		}
	}
	return out
}

func NewAuditDTO(a domain.JobAudit) AuditDTO {
	return AuditDTO{
		Action:    a.Action,
		Source:    a.Source,
		Detail:    a.Detail,
		CreatedAt: a.CreatedAt.Format(timeLayout),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}
