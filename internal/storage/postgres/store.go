// Package postgres implements storage.Store on PostgreSQL through sqlx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/storage"
	"github.com/cuongbtq/avatar-render/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

// Store handles all database operations for the render engine
type Store struct {
	client *postgresql.Client
	db     *sqlx.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new Store instance
func NewStore(client *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		db:     client.GetDB(),
		logger: logger,
	}
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	return s.client.Close()
}

type producerRow struct {
	ProducerID       string    `db:"producer_id"`
	UserID           string    `db:"user_id"`
	Company          string    `db:"company"`
	SealedCredential string    `db:"sealed_credential"`
	PaymentAccountID string    `db:"payment_account_id"`
	Active           bool      `db:"active"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r producerRow) toDomain() *domain.Producer {
	return &domain.Producer{
		ID:               r.ProducerID,
		UserID:           r.UserID,
		Company:          r.Company,
		SealedCredential: r.SealedCredential,
		PaymentAccountID: r.PaymentAccountID,
		Active:           r.Active,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type cloneRow struct {
	CloneID          string    `db:"clone_id"`
	ProducerID       string    `db:"producer_id"`
	Name             string    `db:"name"`
	ProviderAvatarID string    `db:"provider_avatar_id"`
	Status           string    `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r cloneRow) toDomain() *domain.Clone {
	return &domain.Clone{
		ID:               r.CloneID,
		ProducerID:       r.ProducerID,
		Name:             r.Name,
		ProviderAvatarID: r.ProviderAvatarID,
		Status:           domain.CloneStatus(r.Status),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type grantRow struct {
	GrantID            string     `db:"grant_id"`
	CloneID            string     `db:"clone_id"`
	ProducerID         string     `db:"producer_id"`
	SubjectID          string     `db:"subject_id"`
	SubjectKind        string     `db:"subject_kind"`
	Status             string     `db:"status"`
	DailyLimit         int        `db:"daily_limit"`
	MonthlyLimit       int        `db:"monthly_limit"`
	PerRenderCostCents int64      `db:"per_render_cost_cents"`
	DailyUsed          int        `db:"daily_used"`
	MonthlyUsed        int        `db:"monthly_used"`
	TotalUsed          int        `db:"total_used"`
	ExpiresAt          *time.Time `db:"expires_at"`
	DailyResetAt       time.Time  `db:"daily_reset_at"`
	MonthlyResetAt     time.Time  `db:"monthly_reset_at"`
	LastUsedAt         *time.Time `db:"last_used_at"`
	GrantedBy          string     `db:"granted_by"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func (r grantRow) toDomain() *domain.Grant {
	return &domain.Grant{
		ID:                 r.GrantID,
		CloneID:            r.CloneID,
		ProducerID:         r.ProducerID,
		SubjectID:          r.SubjectID,
		SubjectKind:        domain.SubjectKind(r.SubjectKind),
		Status:             domain.GrantStatus(r.Status),
		DailyLimit:         r.DailyLimit,
		MonthlyLimit:       r.MonthlyLimit,
		PerRenderCostCents: r.PerRenderCostCents,
		DailyUsed:          r.DailyUsed,
		MonthlyUsed:        r.MonthlyUsed,
		TotalUsed:          r.TotalUsed,
		ExpiresAt:          r.ExpiresAt,
		DailyResetAt:       r.DailyResetAt,
		MonthlyResetAt:     r.MonthlyResetAt,
		LastUsedAt:         r.LastUsedAt,
		GrantedBy:          r.GrantedBy,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

const grantColumns = `
	grant_id, clone_id, producer_id, subject_id, subject_kind, status,
	daily_limit, monthly_limit, per_render_cost_cents,
	daily_used, monthly_used, total_used,
	expires_at, daily_reset_at, monthly_reset_at, last_used_at,
	granted_by, created_at, updated_at`

func (s *Store) GetProducer(ctx context.Context, producerID string) (*domain.Producer, error) {
	var row producerRow
	query := `
		SELECT producer_id, user_id, company, sealed_credential,
		       payment_account_id, active, created_at, updated_at
		FROM producers
		WHERE producer_id = $1
	`
	if err := s.db.GetContext(ctx, &row, query, producerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProducerNotFound
		}
		return nil, fmt.Errorf("failed to get producer: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) PutProducer(ctx context.Context, p *domain.Producer) error {
	query := `
		INSERT INTO producers (
			producer_id, user_id, company, sealed_credential,
			payment_account_id, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (producer_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			company = EXCLUDED.company,
			sealed_credential = EXCLUDED.sealed_credential,
			payment_account_id = EXCLUDED.payment_account_id,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.UserID, p.Company, p.SealedCredential,
		p.PaymentAccountID, p.Active, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put producer: %w", err)
	}
	return nil
}

func (s *Store) SetProducerCredential(ctx context.Context, producerID, sealed string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE producers
		SET sealed_credential = $1, updated_at = NOW()
		WHERE producer_id = $2
	`, sealed, producerID)
	if err != nil {
		return fmt.Errorf("failed to set producer credential: %w", err)
	}
	return requireRow(result, domain.ErrProducerNotFound)
}

func (s *Store) GetClone(ctx context.Context, cloneID string) (*domain.Clone, error) {
	var row cloneRow
	query := `
		SELECT clone_id, producer_id, name, provider_avatar_id, status, created_at, updated_at
		FROM clones
		WHERE clone_id = $1
	`
	if err := s.db.GetContext(ctx, &row, query, cloneID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCloneNotFound
		}
		return nil, fmt.Errorf("failed to get clone: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) PutClone(ctx context.Context, c *domain.Clone) error {
	query := `
		INSERT INTO clones (
			clone_id, producer_id, name, provider_avatar_id, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (clone_id) DO UPDATE SET
			name = EXCLUDED.name,
			provider_avatar_id = EXCLUDED.provider_avatar_id,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.ProducerID, c.Name, c.ProviderAvatarID, string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put clone: %w", err)
	}
	return nil
}

func (s *Store) GetGrant(ctx context.Context, grantID string) (*domain.Grant, error) {
	var row grantRow
	query := `SELECT ` + grantColumns + ` FROM clone_grants WHERE grant_id = $1`
	if err := s.db.GetContext(ctx, &row, query, grantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) PutGrant(ctx context.Context, g *domain.Grant) error {
	query := `
		INSERT INTO clone_grants (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (grant_id) DO UPDATE SET
			status = EXCLUDED.status,
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			per_render_cost_cents = EXCLUDED.per_render_cost_cents,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		g.ID, g.CloneID, g.ProducerID, g.SubjectID, string(g.SubjectKind), string(g.Status),
		g.DailyLimit, g.MonthlyLimit, g.PerRenderCostCents,
		g.DailyUsed, g.MonthlyUsed, g.TotalUsed,
		g.ExpiresAt, g.DailyResetAt, g.MonthlyResetAt, g.LastUsedAt,
		g.GrantedBy, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put grant: %w", err)
	}
	return nil
}

// LockGrant takes a row lock on the grant so the quota check and the counter
// increment happen as one unit. The lock is released when fn returns; callers
// must not perform network calls inside fn.
func (s *Store) LockGrant(ctx context.Context, cloneID, subjectID string, fn func(*domain.Grant) error) error {
	return s.lockGrant(ctx, `clone_id = $1 AND subject_id = $2`, fn, cloneID, subjectID)
}

func (s *Store) LockGrantByID(ctx context.Context, grantID string, fn func(*domain.Grant) error) error {
	return s.lockGrant(ctx, `grant_id = $1`, fn, grantID)
}

func (s *Store) lockGrant(ctx context.Context, where string, fn func(*domain.Grant) error, args ...any) error {
	return s.client.WithTx(ctx, nil, func(tx *sqlx.Tx) error {
		var row grantRow
		query := `SELECT ` + grantColumns + ` FROM clone_grants WHERE ` + where + ` FOR UPDATE`
		if err := tx.GetContext(ctx, &row, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrGrantNotFound
			}
			return fmt.Errorf("failed to lock grant: %w", err)
		}

		grant := row.toDomain()
		if err := fn(grant); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE clone_grants
			SET daily_used = $1,
			    monthly_used = $2,
			    total_used = $3,
			    daily_reset_at = $4,
			    monthly_reset_at = $5,
			    last_used_at = $6,
			    updated_at = $7
			WHERE grant_id = $8
		`, grant.DailyUsed, grant.MonthlyUsed, grant.TotalUsed,
			grant.DailyResetAt, grant.MonthlyResetAt, grant.LastUsedAt,
			grant.UpdatedAt, grant.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update grant counters: %w", err)
		}
		return nil
	})
}

func requireRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

func prefixed(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
