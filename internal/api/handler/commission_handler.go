package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/avatar-render/internal/api/dto"
	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CommissionHandler serves settlement records
type CommissionHandler struct {
	logger      *slog.Logger
	reader      JobReader
	commissions CommissionUpdater
}

// NewCommissionHandler creates a new CommissionHandler instance
func NewCommissionHandler(deps *Dependencies) *CommissionHandler {
	return &CommissionHandler{
		logger:      deps.Logger,
		reader:      deps.Reader,
		commissions: deps.Commissions,
	}
}

// GetCommission handles GET /api/v1/commissions/:commission_id
func (h *CommissionHandler) GetCommission(c *gin.Context) {
	actor, err := actorFromRequest(c)
	if err != nil {
		respondError(c, h.logger, "Unauthorized actor", err)
		return
	}

	commissionID, ok := uuidParam(c, "commission_id")
	if !ok {
		return
	}

	event, err := h.reader.GetCommission(c.Request.Context(), commissionID)
	if err != nil {
		respondError(c, h.logger, "Failed to get commission", err)
		return
	}
	if actor.Kind != domain.ActorAdmin && event.ProducerID != actor.ProducerID {
		respondError(c, h.logger, "Failed to get commission", domain.ErrCommissionNotFound)
		return
	}

	c.JSON(http.StatusOK, dto.NewCommissionDTO(event))
}

// GetJobCommission handles GET /api/v1/jobs/:job_id/commission
func (h *CommissionHandler) GetJobCommission(c *gin.Context) {
	actor, err := actorFromRequest(c)
	if err != nil {
		respondError(c, h.logger, "Unauthorized actor", err)
		return
	}

	jobID, ok := uuidParam(c, "job_id")
	if !ok {
		return
	}

	event, err := h.reader.GetCommissionByJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to get commission", err)
		return
	}
	if actor.Kind != domain.ActorAdmin && event.ProducerID != actor.ProducerID {
		respondError(c, h.logger, "Failed to get commission", domain.ErrCommissionNotFound)
		return
	}

	c.JSON(http.StatusOK, dto.NewCommissionDTO(event))
}

// UpdateCommissionStatus handles POST /api/v1/commissions/:commission_id/status
// Admin-only manual override of the payment status
func (h *CommissionHandler) UpdateCommissionStatus(c *gin.Context) {
	actor, err := actorFromRequest(c)
	if err != nil {
		respondError(c, h.logger, "Unauthorized actor", err)
		return
	}
	if actor.Kind != domain.ActorAdmin {
		respondError(c, h.logger, "Commission update denied", domain.ErrPermissionDenied)
		return
	}

	commissionID, ok := uuidParam(c, "commission_id")
	if !ok {
		return
	}

	var req dto.UpdateCommissionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	status, err := domain.ParseCommissionStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	event, err := h.commissions.ApplyStatus(c.Request.Context(), commissionID, status, req.Reference)
	if err != nil {
		respondError(c, h.logger, "Failed to update commission", err)
		return
	}

	h.logger.Info("Commission status set by admin",
		slog.String("commission_id", event.ID),
		slog.String("status", string(event.Status)),
		slog.String("actor_id", actor.ID),
	)
	c.JSON(http.StatusOK, dto.NewCommissionDTO(event))
}

// uuidParam reads a path parameter that must be a UUID, answering 400 otherwise
func uuidParam(c *gin.Context, name string) (string, bool) {
	value := c.Param(name)
	if _, err := uuid.Parse(value); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: name + " must be a valid UUID"})
		return "", false
	}
	return value, true
}
