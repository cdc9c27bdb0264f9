// Package billing computes and records the platform commission for completed
// render jobs.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/shared/clock"
	"github.com/google/uuid"
)

// ErrNothingToSettle is returned for jobs that carry no third-party charge
var ErrNothingToSettle = errors.New("nothing to settle")

// Store is the persistence the calculator needs
type Store interface {
	GetJob(ctx context.Context, jobID string) (*domain.RenderJob, error)
	ListUnsettledJobs(ctx context.Context, limit int) ([]domain.RenderJob, error)
	InsertCommission(ctx context.Context, event *domain.CommissionEvent) (*domain.CommissionEvent, bool, error)
	GetCommission(ctx context.Context, commissionID string) (*domain.CommissionEvent, error)
	UpdateCommissionStatus(ctx context.Context, commissionID string, from []domain.CommissionStatus, to domain.CommissionStatus, reference string, at time.Time) (*domain.CommissionEvent, bool, error)
}

// Calculator settles completed jobs into commission events
type Calculator struct {
	store  Store
	policy FeePolicy
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Calculator
func New(store Store, policy FeePolicy, clk clock.Clock, logger *slog.Logger) *Calculator {
	return &Calculator{
		store:  store,
		policy: policy,
		clock:  clk,
		logger: logger,
	}
}

// Split computes the fee for gross and enforces 0 < fee < gross.
// It never clamps a fee into range.
func (c *Calculator) Split(gross int64) (int64, error) {
	if gross <= 0 {
		return 0, ErrNothingToSettle
	}
	fee := c.policy.Fee(gross)
	if err := domain.CheckFeeSplit(gross, fee); err != nil {
		return 0, err
	}
	return fee, nil
}

// Settle records the pending commission for a completed job. Settling the
// same job again returns the existing record.
func (c *Calculator) Settle(ctx context.Context, job *domain.RenderJob) (*domain.CommissionEvent, error) {
	if job.State != domain.JobStateCompleted {
		return nil, fmt.Errorf("%w: job %s is %s, not completed", domain.ErrInvalidTransition, job.ID, job.State)
	}

	fee, err := c.Split(job.PriceCents)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidFeeConfiguration) {
			c.logger.Error("Refusing to settle job",
				slog.String("job_id", job.ID),
				slog.Int64("gross_cents", job.PriceCents),
				slog.Any("error", err),
			)
		}
		return nil, err
	}

	now := c.clock.Now()
	event := &domain.CommissionEvent{
		ID:               uuid.New().String(),
		JobID:            job.ID,
		ProducerID:       job.ProducerID,
		GrossCents:       job.PriceCents,
		FeeCents:         fee,
		Currency:         job.Currency,
		PaymentReference: job.PaymentReference,
		Status:           domain.CommissionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	stored, inserted, err := c.store.InsertCommission(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to record commission: %w", err)
	}
	if !inserted {
		c.logger.Debug("Commission already recorded",
			slog.String("job_id", job.ID),
			slog.String("commission_id", stored.ID),
		)
		return stored, nil
	}

	c.logger.Info("Commission recorded",
		slog.String("job_id", job.ID),
		slog.String("commission_id", stored.ID),
		slog.Int64("gross_cents", stored.GrossCents),
		slog.Int64("fee_cents", stored.FeeCents),
		slog.String("currency", stored.Currency),
	)
	return stored, nil
}

// SettleJob loads the job and settles it
func (c *Calculator) SettleJob(ctx context.Context, jobID string) (*domain.CommissionEvent, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return c.Settle(ctx, job)
}

// ApplyStatus moves a commission along its payment lifecycle. Reapplying the
// current status is a no-op.
func (c *Calculator) ApplyStatus(ctx context.Context, commissionID string, status domain.CommissionStatus, reference string) (*domain.CommissionEvent, error) {
	current, err := c.store.GetCommission(ctx, commissionID)
	if err != nil {
		return nil, err
	}
	if current.Status == status {
		return current, nil
	}
	if !current.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidCommissionTransition, current.Status, status)
	}

	updated, applied, err := c.store.UpdateCommissionStatus(ctx, commissionID, status.AllowedFrom(), status, reference, c.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to update commission: %w", err)
	}
	if !applied && updated.Status != status {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidCommissionTransition, updated.Status, status)
	}

	c.logger.Info("Commission status updated",
		slog.String("commission_id", commissionID),
		slog.String("from", string(current.Status)),
		slog.String("to", string(status)),
		slog.String("reference", reference),
	)
	return updated, nil
}

// Backfill settles completed jobs that have no commission yet, for example
// because the settlement message was lost. It returns how many were recorded.
func (c *Calculator) Backfill(ctx context.Context, limit int) (int, error) {
	jobs, err := c.store.ListUnsettledJobs(ctx, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs []error
	for i := range jobs {
		if _, err := c.Settle(ctx, &jobs[i]); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", jobs[i].ID, err))
			continue
		}
		settled++
	}

	if settled > 0 {
		c.logger.Info("Backfilled commissions",
			slog.Int("settled", settled),
			slog.Int("failed", len(errs)),
		)
	}
	return settled, errors.Join(errs...)
}
