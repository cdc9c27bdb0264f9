// Package tracker owns the render job state machine. Every transition is a
// conditional update against the job's current state, so push callbacks,
// polls and expiry sweeps can race without double-applying a terminal state.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/shared/clock"
	"github.com/google/uuid"
)

// Source names who drove a transition; it is recorded in the audit trail
type Source string

const (
	SourceAPI     Source = "api"
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceSweep   Source = "sweep"
)

// Store is the persistence the tracker needs
type Store interface {
	CreateJob(ctx context.Context, job *domain.RenderJob) error
	GetJob(ctx context.Context, jobID string) (*domain.RenderJob, error)
	TransitionJob(ctx context.Context, jobID string, from []domain.JobState, upd domain.JobUpdate) (*domain.RenderJob, bool, error)
	AppendAudit(ctx context.Context, audit domain.JobAudit) error
}

// Settler is notified once per job that reaches completed
type Settler interface {
	Dispatch(ctx context.Context, job *domain.RenderJob) error
}

// Outcome is the job after a tracker call. Applied is false when the call
// was a duplicate or arrived after another terminal state won.
type Outcome struct {
	Job     *domain.RenderJob
	Applied bool
}

// Tracker drives render jobs through their lifecycle
type Tracker struct {
	store        Store
	settler      Settler
	clock        clock.Clock
	expiryWindow time.Duration
	logger       *slog.Logger
}

// New creates a Tracker. Jobs that stay non-terminal longer than expiryWindow
// may be expired.
func New(store Store, settler Settler, clk clock.Clock, expiryWindow time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:        store,
		settler:      settler,
		clock:        clk,
		expiryWindow: expiryWindow,
		logger:       logger,
	}
}

// ExpiryWindow returns the configured non-terminal lifetime of a job
func (t *Tracker) ExpiryWindow() time.Duration {
	return t.expiryWindow
}

// Create persists a new job in the queued state
func (t *Tracker) Create(ctx context.Context, job *domain.RenderJob) error {
	now := t.clock.Now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Cost == 0 {
		job.Cost = 1
	}
	job.State = domain.JobStateQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := t.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	t.audit(ctx, job.ID, "created", SourceAPI, fmt.Sprintf("clone=%s actor=%s", job.CloneID, job.ActorID))
	t.logger.Info("Render job created",
		slog.String("job_id", job.ID),
		slog.String("clone_id", job.CloneID),
		slog.String("actor_id", job.ActorID),
	)
	return nil
}

// MarkSubmitted records the provider's job id once the submission call succeeded
func (t *Tracker) MarkSubmitted(ctx context.Context, jobID, externalJobID string) (*domain.RenderJob, error) {
	now := t.clock.Now()
	job, applied, err := t.store.TransitionJob(ctx, jobID,
		[]domain.JobState{domain.JobStateQueued},
		domain.JobUpdate{
			State:         domain.JobStateSubmitted,
			ExternalJobID: externalJobID,
			SubmittedAt:   &now,
			At:            now,
		},
	)
	if err != nil {
		return nil, err
	}
	if !applied {
		return job, fmt.Errorf("%w: cannot submit job %s in state %s", domain.ErrInvalidTransition, jobID, job.State)
	}

	t.audit(ctx, jobID, "submitted", SourceAPI, "external_job_id="+externalJobID)
	t.logger.Info("Render job submitted",
		slog.String("job_id", jobID),
		slog.String("external_job_id", externalJobID),
	)
	return job, nil
}

// MarkProcessing records that the provider started rendering. Repeating it,
// or calling it after the job finished, changes nothing.
func (t *Tracker) MarkProcessing(ctx context.Context, jobID string, source Source) (Outcome, error) {
	now := t.clock.Now()
	job, applied, err := t.store.TransitionJob(ctx, jobID,
		[]domain.JobState{domain.JobStateSubmitted},
		domain.JobUpdate{
			State:     domain.JobStateProcessing,
			StartedAt: &now,
			At:        now,
		},
	)
	if err != nil {
		return Outcome{}, err
	}
	if applied {
		t.audit(ctx, jobID, "processing", source, "")
		return Outcome{Job: job, Applied: true}, nil
	}
	if job.State == domain.JobStateQueued {
		return Outcome{Job: job}, fmt.Errorf("%w: job %s has not been submitted", domain.ErrInvalidTransition, jobID)
	}
	return Outcome{Job: job}, nil
}

// Complete moves an in-flight job to completed and hands it to the settler.
// Only the call whose update matched the in-flight state settles.
func (t *Tracker) Complete(ctx context.Context, jobID string, result domain.JobResult, source Source) (Outcome, error) {
	now := t.clock.Now()
	job, applied, err := t.store.TransitionJob(ctx, jobID,
		domain.InFlightStates,
		domain.JobUpdate{
			State:       domain.JobStateCompleted,
			Result:      &result,
			CompletedAt: &now,
			At:          now,
		},
	)
	if err != nil {
		return Outcome{}, err
	}

	if !applied {
		return t.duplicateTerminal(ctx, job, domain.JobStateCompleted, source, func() {
			if !job.Result.Equal(result) {
				t.audit(ctx, jobID, "result_mismatch", source,
					fmt.Sprintf("kept=%s ignored=%s", job.Result.VideoURL, result.VideoURL))
			}
		})
	}

	t.audit(ctx, jobID, "completed", source, result.VideoURL)
	t.logger.Info("Render job completed",
		slog.String("job_id", jobID),
		slog.String("source", string(source)),
	)

	if t.settler != nil {
		if err := t.settler.Dispatch(ctx, job); err != nil {
			// The backfill sweep picks up completed jobs without a commission
			t.logger.Error("Failed to dispatch settlement",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}
	return Outcome{Job: job, Applied: true}, nil
}

// Fail moves an in-flight job to failed
func (t *Tracker) Fail(ctx context.Context, jobID, detail string, source Source) (Outcome, error) {
	now := t.clock.Now()
	job, applied, err := t.store.TransitionJob(ctx, jobID,
		domain.InFlightStates,
		domain.JobUpdate{
			State:       domain.JobStateFailed,
			ErrorDetail: detail,
			CompletedAt: &now,
			At:          now,
		},
	)
	if err != nil {
		return Outcome{}, err
	}
	if !applied {
		return t.duplicateTerminal(ctx, job, domain.JobStateFailed, source, nil)
	}

	t.audit(ctx, jobID, "failed", source, detail)
	t.logger.Info("Render job failed",
		slog.String("job_id", jobID),
		slog.String("source", string(source)),
		slog.String("detail", detail),
	)
	return Outcome{Job: job, Applied: true}, nil
}

// AbortSubmission fails a queued job whose provider submission never succeeded
func (t *Tracker) AbortSubmission(ctx context.Context, jobID, detail string) (Outcome, error) {
	now := t.clock.Now()
	job, applied, err := t.store.TransitionJob(ctx, jobID,
		[]domain.JobState{domain.JobStateQueued},
		domain.JobUpdate{
			State:       domain.JobStateFailed,
			ErrorDetail: detail,
			CompletedAt: &now,
			At:          now,
		},
	)
	if err != nil {
		return Outcome{}, err
	}
	if !applied {
		if job.State.IsTerminal() {
			return Outcome{Job: job}, nil
		}
		return Outcome{Job: job}, fmt.Errorf("%w: job %s already handed to the provider", domain.ErrInvalidTransition, jobID)
	}

	t.audit(ctx, jobID, "submission_aborted", SourceAPI, detail)
	t.logger.Warn("Render job submission aborted",
		slog.String("job_id", jobID),
		slog.String("detail", detail),
	)
	return Outcome{Job: job, Applied: true}, nil
}

// Expire times out an in-flight job that has been with the provider for longer
// than the expiry window. Queued jobs belong to ExpireUnsubmitted; terminal
// jobs and jobs still inside the window are left alone.
func (t *Tracker) Expire(ctx context.Context, jobID string, source Source) (Outcome, error) {
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	if !job.State.IsInFlight() {
		return Outcome{Job: job}, nil
	}

	now := t.clock.Now()
	if now.Sub(job.InFlightSince()) < t.expiryWindow {
		return Outcome{Job: job}, nil
	}

	detail := fmt.Sprintf("timed out: no provider result after %s", t.expiryWindow)
	job, applied, err := t.store.TransitionJob(ctx, jobID,
		[]domain.JobState{domain.JobStateSubmitted, domain.JobStateProcessing},
		domain.JobUpdate{
			State:       domain.JobStateExpired,
			ErrorDetail: detail,
			CompletedAt: &now,
			At:          now,
		},
	)
	if err != nil {
		return Outcome{}, err
	}
	if !applied {
		return Outcome{Job: job}, nil
	}

	t.audit(ctx, jobID, "expired", source, detail)
	t.logger.Warn("Render job expired",
		slog.String("job_id", jobID),
		slog.Duration("window", t.expiryWindow),
	)
	return Outcome{Job: job, Applied: true}, nil
}

// ExpireUnsubmitted fails a job stuck in queued for longer than the expiry
// window, measured from its creation. This happens when the provider accepted
// a submission but recording it failed. Expired is only reachable from the
// in-flight states, so the job ends failed with a timeout detail. Applied
// tells the caller to give the reserved quota back.
func (t *Tracker) ExpireUnsubmitted(ctx context.Context, jobID string, source Source) (Outcome, error) {
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	if job.State != domain.JobStateQueued {
		return Outcome{Job: job}, nil
	}

	now := t.clock.Now()
	if now.Sub(job.CreatedAt) < t.expiryWindow {
		return Outcome{Job: job}, nil
	}

	detail := fmt.Sprintf("timed out: submission not confirmed after %s", t.expiryWindow)
	job, applied, err := t.store.TransitionJob(ctx, jobID,
		[]domain.JobState{domain.JobStateQueued},
		domain.JobUpdate{
			State:       domain.JobStateFailed,
			ErrorDetail: detail,
			CompletedAt: &now,
			At:          now,
		},
	)
	if err != nil {
		return Outcome{}, err
	}
	if !applied {
		return Outcome{Job: job}, nil
	}

	t.audit(ctx, jobID, "submission_timed_out", source, detail)
	t.logger.Warn("Unsubmitted render job timed out",
		slog.String("job_id", jobID),
		slog.Duration("window", t.expiryWindow),
	)
	return Outcome{Job: job, Applied: true}, nil
}

// duplicateTerminal handles a terminal signal that did not apply. A job still
// queued is a protocol error; anything else is a duplicate or a late loser.
func (t *Tracker) duplicateTerminal(ctx context.Context, job *domain.RenderJob, wanted domain.JobState, source Source, sameState func()) (Outcome, error) {
	switch {
	case job.State == domain.JobStateQueued:
		return Outcome{Job: job}, fmt.Errorf("%w: job %s has not been submitted", domain.ErrInvalidTransition, job.ID)
	case job.State == wanted:
		if sameState != nil {
			sameState()
		}
		t.logger.Debug("Duplicate terminal signal ignored",
			slog.String("job_id", job.ID),
			slog.String("state", string(job.State)),
			slog.String("source", string(source)),
		)
	default:
		t.audit(ctx, job.ID, "late_signal", source,
			fmt.Sprintf("ignored %s, job already %s", wanted, job.State))
		t.logger.Info("Late terminal signal ignored",
			slog.String("job_id", job.ID),
			slog.String("state", string(job.State)),
			slog.String("ignored", string(wanted)),
			slog.String("source", string(source)),
		)
	}
	return Outcome{Job: job}, nil
}

func (t *Tracker) audit(ctx context.Context, jobID, action string, source Source, detail string) {
	err := t.store.AppendAudit(ctx, domain.JobAudit{
		JobID:     jobID,
		Action:    action,
		Source:    string(source),
		Detail:    detail,
		CreatedAt: t.clock.Now(),
	})
	if err != nil {
		t.logger.Warn("Failed to append job audit",
			slog.String("job_id", jobID),
			slog.String("action", action),
			slog.Any("error", err),
		)
	}
}
