package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/shared/clock"
)

// PaymentSource is the inbound ledger namespace for payment-network events
const PaymentSource = "payments"

// PaymentEvent is a settlement status update from the payment network
type PaymentEvent struct {
	EventID      string `json:"event_id"`
	CommissionID string `json:"commission_id"`
	Status       string `json:"status"`
	Reference    string `json:"reference"`
}

// EventLedger deduplicates inbound events and reads back commission state
type EventLedger interface {
	RecordInboundEvent(ctx context.Context, event domain.InboundEvent) (bool, error)
	GetCommission(ctx context.Context, commissionID string) (*domain.CommissionEvent, error)
}

// CommissionUpdater applies commission status changes
type CommissionUpdater interface {
	ApplyStatus(ctx context.Context, commissionID string, status domain.CommissionStatus, reference string) (*domain.CommissionEvent, error)
}

// PaymentReceiver handles payment-network callbacks
type PaymentReceiver struct {
	verifier    *Verifier
	ledger      EventLedger
	commissions CommissionUpdater
	clock       clock.Clock
	logger      *slog.Logger
}

// NewPaymentReceiver creates a PaymentReceiver
func NewPaymentReceiver(verifier *Verifier, ledger EventLedger, commissions CommissionUpdater, clk clock.Clock, logger *slog.Logger) *PaymentReceiver {
	return &PaymentReceiver{
		verifier:    verifier,
		ledger:      ledger,
		commissions: commissions,
		clock:       clk,
		logger:      logger,
	}
}

// HandleEvent authenticates, deduplicates and applies one payment event
func (p *PaymentReceiver) HandleEvent(ctx context.Context, body []byte, signature, headerEventID string) (Result, error) {
	if err := p.verifier.Verify(body, signature); err != nil {
		p.logger.Warn("Rejected payment callback",
			slog.String("reason", err.Error()),
		)
		return Result{}, err
	}

	var event PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if strings.TrimSpace(event.CommissionID) == "" {
		return Result{}, fmt.Errorf("%w: missing commission_id", domain.ErrInvalidPayload)
	}
	status, err := domain.ParseCommissionStatus(event.Status)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	result := Result{EventID: eventID(event.EventID, headerEventID, body)}

	inserted, err := p.ledger.RecordInboundEvent(ctx, domain.InboundEvent{
		Provider:      PaymentSource,
		EventID:       result.EventID,
		Kind:          string(status),
		PayloadSHA256: payloadDigest(body),
		ReceivedAt:    p.clock.Now(),
	})
	if err != nil {
		return result, fmt.Errorf("failed to record inbound event: %w", err)
	}
	if !inserted {
		result.Duplicate = true
		// A recorded event whose apply failed must stay retryable, so only
		// skip when the commission already carries the status.
		current, err := p.ledger.GetCommission(ctx, event.CommissionID)
		if err != nil {
			return result, err
		}
		if current.Status == status {
			p.logger.Debug("Duplicate payment callback",
				slog.String("event_id", result.EventID),
				slog.String("commission_id", current.ID),
			)
			return result, nil
		}
	}

	if _, err := p.commissions.ApplyStatus(ctx, event.CommissionID, status, event.Reference); err != nil {
		return result, err
	}
	result.Applied = true
	return result, nil
}
