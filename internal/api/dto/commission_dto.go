package dto

import (
	"github.com/cuongbtq/avatar-render/internal/domain"
)

type CommissionDTO struct {
	CommissionID     string `json:"commission_id"`
	JobID            string `json:"job_id"`
	ProducerID       string `json:"producer_id"`
	GrossCents       int64  `json:"gross_cents"`
	FeeCents         int64  `json:"fee_cents"`
	NetCents         int64  `json:"net_cents"`
	Currency         string `json:"currency"`
	PaymentReference string `json:"payment_reference,omitempty"`
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
	ApprovedAt       string `json:"approved_at,omitempty"`
	PaidAt           string `json:"paid_at,omitempty"`
}

type UpdateCommissionStatusRequest struct {
	Status    string `json:"status" binding:"required"`
	Reference string `json:"reference"`
}

func NewCommissionDTO(c *domain.CommissionEvent) CommissionDTO {
	return CommissionDTO{
		CommissionID:     c.ID,
		JobID:            c.JobID,
		ProducerID:       c.ProducerID,
		GrossCents:       c.GrossCents,
		FeeCents:         c.FeeCents,
		NetCents:         c.NetCents(),
		Currency:         c.Currency,
		PaymentReference: c.PaymentReference,
		Status:           string(c.Status),
		CreatedAt:        c.CreatedAt.Format(timeLayout),
		ApprovedAt:       formatTime(c.ApprovedAt),
		PaidAt:           formatTime(c.PaidAt),
	}
}
