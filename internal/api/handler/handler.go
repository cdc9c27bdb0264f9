package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/avatar-render/internal/api/dto"
	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/orchestrator"
	"github.com/cuongbtq/avatar-render/internal/reconciler"
	"github.com/cuongbtq/avatar-render/internal/webhook"
	"github.com/gin-gonic/gin"
)

// JobSubmitter starts renders
type JobSubmitter interface {
	Submit(ctx context.Context, req orchestrator.Request) (*domain.RenderJob, error)
}

// JobReader reads jobs and their audit trail
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*domain.RenderJob, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.RenderJob, error)
	ListAudit(ctx context.Context, jobID string) ([]domain.JobAudit, error)
	GetCommission(ctx context.Context, commissionID string) (*domain.CommissionEvent, error)
	GetCommissionByJob(ctx context.Context, jobID string) (*domain.CommissionEvent, error)
}

// JobReconciler polls one job on demand
type JobReconciler interface {
	Reconcile(ctx context.Context, jobID string) (domain.JobState, error)
}

// EventHandler authenticates and applies one inbound webhook delivery
type EventHandler interface {
	HandleEvent(ctx context.Context, body []byte, signature, headerEventID string) (webhook.Result, error)
}

// CommissionUpdater changes a commission's payment status
type CommissionUpdater interface {
	ApplyStatus(ctx context.Context, commissionID string, status domain.CommissionStatus, reference string) (*domain.CommissionEvent, error)
}

// HealthChecker reports whether a dependency is usable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Jobs           JobSubmitter
	Reader         JobReader
	Reconciler     JobReconciler
	Commissions    CommissionUpdater
	ProviderEvents EventHandler
	PaymentEvents  EventHandler
	ProviderHeader string
	PaymentsHeader string
	HealthChecks   map[string]HealthChecker
	ServiceName    string
	ProcessingMode domain.ProcessingMode
}

// JobHandler handles render job HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	jobs       JobSubmitter
	reader     JobReader
	reconciler JobReconciler
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:     deps.Logger,
		jobs:       deps.Jobs,
		reader:     deps.Reader,
		reconciler: deps.Reconciler,
	}
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var providerErr *domain.ProviderError
	switch {
	case errors.Is(err, domain.ErrPermissionDenied),
		errors.Is(err, domain.ErrCloneInactive):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrInvalidCommissionTransition),
		errors.Is(err, reconciler.ErrPollingDisabled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrCloneNotFound),
		errors.Is(err, domain.ErrCommissionNotFound),
		errors.Is(err, domain.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.As(err, &providerErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the mapped status. Internal errors are not echoed.
func respondError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg,
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(status, dto.ErrorResponse{Error: msg})
		return
	}

	logger.Info(msg,
		slog.String("path", c.Request.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)

	var quotaErr *domain.QuotaError
	if errors.As(err, &quotaErr) {
		c.JSON(status, dto.QuotaErrorResponse{
			Error:            err.Error(),
			DailyRemaining:   quotaErr.DailyRemaining,
			MonthlyRemaining: quotaErr.MonthlyRemaining,
		})
		return
	}
	c.JSON(status, dto.ErrorResponse{Error: err.Error()})
}
