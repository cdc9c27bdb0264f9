package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/lib/pq"
)

type commissionRow struct {
	CommissionID     string     `db:"commission_id"`
	JobID            string     `db:"job_id"`
	ProducerID       string     `db:"producer_id"`
	GrossCents       int64      `db:"gross_cents"`
	FeeCents         int64      `db:"fee_cents"`
	Currency         string     `db:"currency"`
	PaymentReference string     `db:"payment_reference"`
	Status           string     `db:"status"`
	CreatedAt        time.Time  `db:"created_at"`
	ApprovedAt       *time.Time `db:"approved_at"`
	PaidAt           *time.Time `db:"paid_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r commissionRow) toDomain() *domain.CommissionEvent {
	return &domain.CommissionEvent{
		ID:               r.CommissionID,
		JobID:            r.JobID,
		ProducerID:       r.ProducerID,
		GrossCents:       r.GrossCents,
		FeeCents:         r.FeeCents,
		Currency:         r.Currency,
		PaymentReference: r.PaymentReference,
		Status:           domain.CommissionStatus(r.Status),
		CreatedAt:        r.CreatedAt,
		ApprovedAt:       r.ApprovedAt,
		PaidAt:           r.PaidAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

const commissionColumns = `
	commission_id, job_id, producer_id, gross_cents, fee_cents, currency,
	payment_reference, status, created_at, approved_at, paid_at, updated_at`

// RecordInboundEvent inserts the (provider, event id) receipt. It reports
// false when the event was already recorded.
func (s *Store) RecordInboundEvent(ctx context.Context, event domain.InboundEvent) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO inbound_events (provider, event_id, kind, payload_sha256, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, event.Provider, event.EventID, event.Kind, event.PayloadSHA256, event.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record inbound event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// InsertCommission writes the commission unless the job already has one, in
// which case the existing row is returned with inserted=false.
func (s *Store) InsertCommission(ctx context.Context, event *domain.CommissionEvent) (*domain.CommissionEvent, bool, error) {
	query := `
		INSERT INTO commission_events (` + commissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id) DO NOTHING
		RETURNING ` + commissionColumns

	var row commissionRow
	err := s.db.GetContext(ctx, &row, query,
		event.ID, event.JobID, event.ProducerID, event.GrossCents, event.FeeCents, event.Currency,
		event.PaymentReference, string(event.Status), event.CreatedAt, event.ApprovedAt, event.PaidAt, event.UpdatedAt,
	)
	if err == nil {
		return row.toDomain(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert commission: %w", err)
	}

	existing, err := s.GetCommissionByJob(ctx, event.JobID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetCommission(ctx context.Context, commissionID string) (*domain.CommissionEvent, error) {
	return s.getCommission(ctx, `commission_id = $1`, commissionID)
}

func (s *Store) GetCommissionByJob(ctx context.Context, jobID string) (*domain.CommissionEvent, error) {
	return s.getCommission(ctx, `job_id = $1`, jobID)
}

func (s *Store) getCommission(ctx context.Context, where, arg string) (*domain.CommissionEvent, error) {
	var row commissionRow
	query := `SELECT ` + commissionColumns + ` FROM commission_events WHERE ` + where
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCommissionNotFound
		}
		return nil, fmt.Errorf("failed to get commission: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateCommissionStatus(ctx context.Context, commissionID string, from []domain.CommissionStatus, to domain.CommissionStatus, reference string, at time.Time) (*domain.CommissionEvent, bool, error) {
	states := make([]string, 0, len(from))
	for _, st := range from {
		states = append(states, string(st))
	}

	query := `
		UPDATE commission_events
		SET status = $1::text,
		    updated_at = $2,
		    payment_reference = CASE WHEN $5::text <> '' THEN $5::text ELSE payment_reference END,
		    approved_at = CASE WHEN $1::text = 'approved' THEN $2 ELSE approved_at END,
		    paid_at = CASE WHEN $1::text = 'paid' THEN $2 ELSE paid_at END
		WHERE commission_id = $3 AND status = ANY($4)
		RETURNING ` + commissionColumns

	var row commissionRow
	err := s.db.GetContext(ctx, &row, query, string(to), at, commissionID, pq.Array(states), reference)
	if err == nil {
		return row.toDomain(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to update commission status: %w", err)
	}

	current, err := s.GetCommission(ctx, commissionID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *Store) CountCommissions(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM commission_events`); err != nil {
		return 0, fmt.Errorf("failed to count commissions: %w", err)
	}
	return count, nil
}
