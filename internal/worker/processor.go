package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/avatar-render/internal/billing"
	"github.com/cuongbtq/avatar-render/internal/domain"
)

// processSettlement records the commission for one completed job. A nil
// return means the message can be acked, including the cases where nothing
// is owed.
func (w *Worker) processSettlement(ctx context.Context, task *settlementTask) error {
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	event, err := w.settler.SettleJob(jobCtx, task.JobID)
	switch {
	case err == nil:
		w.logger.Info("Job settled",
			slog.String("job_id", task.JobID),
			slog.String("commission_id", event.ID),
			slog.Int64("gross_cents", event.GrossCents),
			slog.Int64("fee_cents", event.FeeCents),
		)
		return nil

	case errors.Is(err, billing.ErrNothingToSettle):
		w.logger.Debug("Nothing to settle for job",
			slog.String("job_id", task.JobID),
		)
		return nil

	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrInvalidFeeConfiguration):
		return err

	default:
		// Store or timeout failures
		return NewRetryableError(err)
	}
}
