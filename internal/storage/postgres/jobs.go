package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/lib/pq"
)

type jobRow struct {
	JobID            string     `db:"job_id"`
	CloneID          string     `db:"clone_id"`
	ProducerID       string     `db:"producer_id"`
	ActorID          string     `db:"actor_id"`
	ActorKind        string     `db:"actor_kind"`
	GrantID          *string    `db:"grant_id"`
	ExternalJobID    *string    `db:"external_job_id"`
	State            string     `db:"state"`
	Title            string     `db:"title"`
	Script           string     `db:"script"`
	VideoURL         string     `db:"video_url"`
	ThumbnailURL     string     `db:"thumbnail_url"`
	DurationSeconds  float64    `db:"duration_seconds"`
	ErrorDetail      string     `db:"error_detail"`
	Cost             int        `db:"cost"`
	PriceCents       int64      `db:"price_cents"`
	Currency         string     `db:"currency"`
	PaymentReference string     `db:"payment_reference"`
	PollAttempts     int        `db:"poll_attempts"`
	NextPollAt       *time.Time `db:"next_poll_at"`
	CreatedAt        time.Time  `db:"created_at"`
	SubmittedAt      *time.Time `db:"submitted_at"`
	StartedAt        *time.Time `db:"started_at"`
	CompletedAt      *time.Time `db:"completed_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r jobRow) toDomain() domain.RenderJob {
	return domain.RenderJob{
		ID:            r.JobID,
		CloneID:       r.CloneID,
		ProducerID:    r.ProducerID,
		ActorID:       r.ActorID,
		ActorKind:     domain.ActorKind(r.ActorKind),
		GrantID:       r.GrantID,
		ExternalJobID: r.ExternalJobID,
		State:         domain.JobState(r.State),
		Title:         r.Title,
		Script:        r.Script,
		Result: domain.JobResult{
			VideoURL:        r.VideoURL,
			ThumbnailURL:    r.ThumbnailURL,
			DurationSeconds: r.DurationSeconds,
		},
		ErrorDetail:      r.ErrorDetail,
		Cost:             r.Cost,
		PriceCents:       r.PriceCents,
		Currency:         r.Currency,
		PaymentReference: r.PaymentReference,
		PollAttempts:     r.PollAttempts,
		NextPollAt:       r.NextPollAt,
		CreatedAt:        r.CreatedAt,
		SubmittedAt:      r.SubmittedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func toJobs(rows []jobRow) []domain.RenderJob {
	jobs := make([]domain.RenderJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toDomain())
	}
	return jobs
}

const jobColumns = `
	job_id, clone_id, producer_id, actor_id, actor_kind, grant_id, external_job_id,
	state, title, script, video_url, thumbnail_url, duration_seconds, error_detail,
	cost, price_cents, currency, payment_reference, poll_attempts, next_poll_at,
	created_at, submitted_at, started_at, completed_at, updated_at`

func (s *Store) CreateJob(ctx context.Context, job *domain.RenderJob) error {
	query := `
		INSERT INTO render_jobs (` + jobColumns + `) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID, job.CloneID, job.ProducerID, job.ActorID, string(job.ActorKind), job.GrantID, job.ExternalJobID,
		string(job.State), job.Title, job.Script,
		job.Result.VideoURL, job.Result.ThumbnailURL, job.Result.DurationSeconds, job.ErrorDetail,
		job.Cost, job.PriceCents, job.Currency, job.PaymentReference, job.PollAttempts, job.NextPollAt,
		job.CreatedAt, job.SubmittedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.RenderJob, error) {
	return s.getJob(ctx, `job_id = $1`, jobID)
}

func (s *Store) GetJobByExternalID(ctx context.Context, externalJobID string) (*domain.RenderJob, error) {
	return s.getJob(ctx, `external_job_id = $1`, externalJobID)
}

func (s *Store) getJob(ctx context.Context, where string, arg string) (*domain.RenderJob, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM render_jobs WHERE ` + where

	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job := row.toDomain()
	return &job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.RenderJob, error) {
	query := `SELECT ` + jobColumns + ` FROM render_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	// Filters
	if filter.ActorID != "" {
		query += fmt.Sprintf(" AND actor_id = $%d", argIdx)
		args = append(args, filter.ActorID)
		argIdx++
	}

	if filter.ProducerID != "" {
		query += fmt.Sprintf(" AND producer_id = $%d", argIdx)
		args = append(args, filter.ProducerID)
		argIdx++
	}

	if filter.CloneID != "" {
		query += fmt.Sprintf(" AND clone_id = $%d", argIdx)
		args = append(args, filter.CloneID)
		argIdx++
	}

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return toJobs(rows), nil
}

// TransitionJob is a compare-and-set on the job state. Exactly one of any
// number of concurrent callers racing on the same source state gets a row back.
func (s *Store) TransitionJob(ctx context.Context, jobID string, from []domain.JobState, upd domain.JobUpdate) (*domain.RenderJob, bool, error) {
	sets := []string{"state = $1", "updated_at = $2"}
	args := []interface{}{string(upd.State), upd.At}

	set := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.ExternalJobID != "" {
		set("external_job_id", upd.ExternalJobID)
	}
	if upd.Result != nil {
		set("video_url", upd.Result.VideoURL)
		set("thumbnail_url", upd.Result.ThumbnailURL)
		set("duration_seconds", upd.Result.DurationSeconds)
	}
	if upd.ErrorDetail != "" {
		set("error_detail", upd.ErrorDetail)
	}
	if upd.SubmittedAt != nil {
		set("submitted_at", *upd.SubmittedAt)
	}
	if upd.StartedAt != nil {
		set("started_at", *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		set("completed_at", *upd.CompletedAt)
	}

	states := make([]string, 0, len(from))
	for _, st := range from {
		states = append(states, string(st))
	}
	args = append(args, jobID, pq.Array(states))

	query := fmt.Sprintf(`
		UPDATE render_jobs
		SET %s
		WHERE job_id = $%d AND state = ANY($%d)
		RETURNING %s
	`, strings.Join(sets, ", "), len(args)-1, len(args), jobColumns)

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if err == nil {
		job := row.toDomain()
		return &job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to transition job: %w", err)
	}

	// Either the job does not exist or its state no longer matches
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *Store) SchedulePoll(ctx context.Context, jobID string, attempts int, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE render_jobs
		SET poll_attempts = $1, next_poll_at = $2
		WHERE job_id = $3 AND state IN ('queued', 'submitted', 'processing')
	`, attempts, next, jobID)
	if err != nil {
		return fmt.Errorf("failed to schedule poll: %w", err)
	}
	return nil
}

func (s *Store) ListDuePolls(ctx context.Context, filter domain.PollFilter) ([]domain.RenderJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM render_jobs
		WHERE state IN ('submitted', 'processing')
		  AND (next_poll_at IS NULL OR next_poll_at <= $1)
	`
	args := []interface{}{filter.DueBefore}

	if !filter.SubmittedBefore.IsZero() {
		args = append(args, filter.SubmittedBefore)
		query += fmt.Sprintf(" AND COALESCE(submitted_at, created_at) <= $%d", len(args))
	}

	query += " ORDER BY COALESCE(submitted_at, created_at)"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list due polls: %w", err)
	}
	return toJobs(rows), nil
}

func (s *Store) ListStaleInFlight(ctx context.Context, before time.Time, limit int) ([]domain.RenderJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM render_jobs
		WHERE state IN ('submitted', 'processing')
		  AND COALESCE(submitted_at, created_at) < $1
		ORDER BY COALESCE(submitted_at, created_at)
	`
	args := []interface{}{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return toJobs(rows), nil
}

// ListStaleQueued returns jobs created before the cutoff that never left queued
func (s *Store) ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]domain.RenderJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM render_jobs
		WHERE state = 'queued'
		  AND created_at < $1
		ORDER BY created_at
	`
	args := []interface{}{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list stale queued jobs: %w", err)
	}
	return toJobs(rows), nil
}

// ListUnsettledJobs returns completed, priced jobs that have no commission row yet
func (s *Store) ListUnsettledJobs(ctx context.Context, limit int) ([]domain.RenderJob, error) {
	query := `
		SELECT ` + prefixed(jobColumns, "j") + `
		FROM render_jobs j
		LEFT JOIN commission_events c ON c.job_id = j.job_id
		WHERE j.state = 'completed'
		  AND j.price_cents > 0
		  AND c.commission_id IS NULL
		ORDER BY j.created_at
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list unsettled jobs: %w", err)
	}
	return toJobs(rows), nil
}

type auditRow struct {
	AuditID   int64     `db:"audit_id"`
	JobID     string    `db:"job_id"`
	Action    string    `db:"action"`
	Source    string    `db:"source"`
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) AppendAudit(ctx context.Context, audit domain.JobAudit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO render_job_audit (job_id, action, source, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, audit.JobID, audit.Action, audit.Source, audit.Detail, audit.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, jobID string) ([]domain.JobAudit, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT audit_id, job_id, action, source, detail, created_at
		FROM render_job_audit
		WHERE job_id = $1
		ORDER BY audit_id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit: %w", err)
	}

	out := make([]domain.JobAudit, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.JobAudit{
			ID:        r.AuditID,
			JobID:     r.JobID,
			Action:    r.Action,
			Source:    r.Source,
			Detail:    r.Detail,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}
