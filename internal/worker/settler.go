package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/shared/rabbitmq"
)

// SettlementMessageType tags settlement messages on the exchange
const SettlementMessageType = "settlement.requested"

// SettlementMessage asks the worker to settle one completed job
type SettlementMessage struct {
	JobID       string    `json:"job_id"`
	ProducerID  string    `json:"producer_id,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Publisher sends messages to the settlement exchange
type Publisher interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
}

// QueueSettler hands completed jobs to the settlement queue so webhook and
// poll paths never wait on commission bookkeeping
type QueueSettler struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewQueueSettler creates a QueueSettler
func NewQueueSettler(publisher Publisher, logger *slog.Logger) *QueueSettler {
	return &QueueSettler{publisher: publisher, logger: logger}
}

// Dispatch publishes a settlement message for job
func (s *QueueSettler) Dispatch(ctx context.Context, job *domain.RenderJob) error {
	msg := SettlementMessage{
		JobID:      job.ID,
		ProducerID: job.ProducerID,
	}
	if job.CompletedAt != nil {
		msg.CompletedAt = *job.CompletedAt
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement message: %w", err)
	}

	err = s.publisher.PublishWithRetry(ctx, rabbitmq.Message{
		Body:        body,
		ContentType: "application/json",
		MessageID:   "settle-" + job.ID,
		Type:        SettlementMessageType,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue settlement: %w", err)
	}

	s.logger.Debug("Settlement enqueued",
		slog.String("job_id", job.ID),
	)
	return nil
}
