package domain

import (
	"fmt"
	"time"
)

// CommissionStatus tracks a settlement record through the payment network
type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionApproved  CommissionStatus = "approved"
	CommissionPaid      CommissionStatus = "paid"
	CommissionCancelled CommissionStatus = "cancelled"
	CommissionRefunded  CommissionStatus = "refunded"
)

var commissionTransitions = map[CommissionStatus][]CommissionStatus{
	CommissionPending:  {CommissionApproved, CommissionPaid, CommissionCancelled},
	CommissionApproved: {CommissionPaid, CommissionCancelled},
	CommissionPaid:     {CommissionRefunded},
}

// ParseCommissionStatus validates a status string
func ParseCommissionStatus(s string) (CommissionStatus, error) {
	switch st := CommissionStatus(s); st {
	case CommissionPending, CommissionApproved, CommissionPaid, CommissionCancelled, CommissionRefunded:
		return st, nil
	default:
		return "", fmt.Errorf("unknown commission status %q", s)
	}
}

// AllowedFrom lists the statuses a commission may move to target from
func (target CommissionStatus) AllowedFrom() []CommissionStatus {
	var from []CommissionStatus
	for src, dsts := range commissionTransitions {
		for _, dst := range dsts {
			if dst == target {
				from = append(from, src)
			}
		}
	}
	return from
}

// CanTransition reports whether from -> to is a permitted status change
func (from CommissionStatus) CanTransition(to CommissionStatus) bool {
	for _, dst := range commissionTransitions[from] {
		if dst == to {
			return true
		}
	}
	return false
}

// CommissionEvent is the immutable billing record created when a job completes
type CommissionEvent struct {
	ID               string
	JobID            string
	ProducerID       string
	GrossCents       int64
	FeeCents         int64
	Currency         string
	PaymentReference string
	Status           CommissionStatus
	CreatedAt        time.Time
	ApprovedAt       *time.Time
	PaidAt           *time.Time
	UpdatedAt        time.Time
}

// NetCents is the producer's share after the platform fee
func (c *CommissionEvent) NetCents() int64 {
	return c.GrossCents - c.FeeCents
}

// CheckFeeSplit enforces 0 < fee < gross
func CheckFeeSplit(gross, fee int64) error {
	if fee <= 0 || fee >= gross {
		return fmt.Errorf("%w: fee %d must be greater than 0 and less than gross %d", ErrInvalidFeeConfiguration, fee, gross)
	}
	return nil
}

// InboundEvent is a deduplication ledger entry for a pushed notification
type InboundEvent struct {
	Provider      string
	EventID       string
	Kind          string
	PayloadSHA256 string
	ReceivedAt    time.Time
}
