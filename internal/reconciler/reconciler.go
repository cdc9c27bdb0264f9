// Package reconciler actively queries the provider for jobs whose completion
// has not been pushed to us, in poll mode and as the hybrid-mode fallback.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/provider"
	"github.com/cuongbtq/avatar-render/internal/tracker"
	"github.com/cuongbtq/avatar-render/shared/clock"
)

// ErrPollingDisabled is returned when reconciliation is requested in push mode
var ErrPollingDisabled = errors.New("polling is disabled in push mode")

// Config holds the polling schedule
type Config struct {
	Mode            domain.ProcessingMode
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// HybridGrace is how long a submitted job may stay silent before hybrid mode polls it
	HybridGrace time.Duration
	BatchSize   int
	Concurrency int
}

// Store is the persistence the reconciler needs
type Store interface {
	GetJob(ctx context.Context, jobID string) (*domain.RenderJob, error)
	SchedulePoll(ctx context.Context, jobID string, attempts int, next time.Time) error
	ListDuePolls(ctx context.Context, filter domain.PollFilter) ([]domain.RenderJob, error)
	ListStaleInFlight(ctx context.Context, before time.Time, limit int) ([]domain.RenderJob, error)
	ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]domain.RenderJob, error)
}

// JobTracker applies the transitions a status answer implies
type JobTracker interface {
	MarkProcessing(ctx context.Context, jobID string, source tracker.Source) (tracker.Outcome, error)
	Complete(ctx context.Context, jobID string, result domain.JobResult, source tracker.Source) (tracker.Outcome, error)
	Fail(ctx context.Context, jobID, detail string, source tracker.Source) (tracker.Outcome, error)
	Expire(ctx context.Context, jobID string, source tracker.Source) (tracker.Outcome, error)
	ExpireUnsubmitted(ctx context.Context, jobID string, source tracker.Source) (tracker.Outcome, error)
	ExpiryWindow() time.Duration
}

// QuotaReleaser returns the quota held by a job that never reached the provider
type QuotaReleaser interface {
	ReleaseJob(ctx context.Context, job *domain.RenderJob) error
}

// CredentialSource resolves the provider key for a producer
type CredentialSource interface {
	APIKey(ctx context.Context, producerID string) (string, error)
}

// SweepStats summarizes one sweep
type SweepStats struct {
	Selected  int
	Finished  int
	Failed    int
	Unchanged int
}

// Reconciler polls the provider and feeds the answers to the tracker
type Reconciler struct {
	config  Config
	store   Store
	client  provider.Client
	creds   CredentialSource
	tracker JobTracker
	quota   QuotaReleaser
	clock   clock.Clock
	logger  *slog.Logger
}

// New creates a Reconciler. quota may be nil when no grant reservations exist.
func New(cfg Config, store Store, client provider.Client, creds CredentialSource, jobs JobTracker, quota QuotaReleaser, clk clock.Clock, logger *slog.Logger) *Reconciler {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Reconciler{
		config:  cfg,
		store:   store,
		client:  client,
		creds:   creds,
		tracker: jobs,
		quota:   quota,
		clock:   clk,
		logger:  logger,
	}
}

// Mode returns the processing mode the reconciler was built for
func (r *Reconciler) Mode() domain.ProcessingMode {
	return r.config.Mode
}

// Backoff returns min(initial * multiplier^attempt, max)
func (r *Reconciler) Backoff(attempt int) time.Duration {
	d := float64(r.config.InitialInterval) * math.Pow(r.config.Multiplier, float64(attempt))
	if r.config.MaxInterval > 0 && d > float64(r.config.MaxInterval) {
		return r.config.MaxInterval
	}
	return time.Duration(d)
}

// Reconcile asks the provider about one job and applies the answer. It
// returns the job's state afterwards. No lock is held during the provider call.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string) (domain.JobState, error) {
	if !r.config.Mode.UsesPolling() {
		return "", ErrPollingDisabled
	}

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.State.IsTerminal() {
		return job.State, nil
	}
	if !job.State.IsInFlight() || job.External() == "" {
		return job.State, fmt.Errorf("%w: job %s has not been submitted", domain.ErrInvalidTransition, jobID)
	}

	apiKey, err := r.creds.APIKey(ctx, job.ProducerID)
	if err != nil {
		return job.State, err
	}

	status, err := r.client.Status(ctx, apiKey, job.External())
	if err != nil {
		r.logger.Warn("Provider status query failed",
			slog.String("job_id", jobID),
			slog.Int("attempt", job.PollAttempts+1),
			slog.Any("error", err),
		)
		r.reschedule(ctx, job)
		var providerErr *domain.ProviderError
		if !errors.As(err, &providerErr) {
			err = domain.NewProviderError("status", err)
		}
		return job.State, err
	}

	var outcome tracker.Outcome
	switch status.Status {
	case domain.ProviderStatusCompleted:
		outcome, err = r.tracker.Complete(ctx, jobID, status.Result, tracker.SourcePoll)
	case domain.ProviderStatusFailed:
		detail := status.ErrorMessage
		if detail == "" {
			detail = "provider reported failure"
		}
		outcome, err = r.tracker.Fail(ctx, jobID, detail, tracker.SourcePoll)
	case domain.ProviderStatusProcessing:
		outcome, err = r.tracker.MarkProcessing(ctx, jobID, tracker.SourcePoll)
		if err == nil {
			r.reschedule(ctx, outcome.Job)
		}
	case domain.ProviderStatusPending:
		r.reschedule(ctx, job)
		return job.State, nil
	default:
		r.logger.Warn("Unrecognized provider status",
			slog.String("job_id", jobID),
			slog.String("raw_status", status.RawStatus),
		)
		r.reschedule(ctx, job)
		return job.State, nil
	}
	if err != nil {
		return job.State, err
	}

	r.logger.Debug("Job reconciled",
		slog.String("job_id", jobID),
		slog.String("provider_status", status.Status.String()),
		slog.String("state", string(outcome.Job.State)),
		slog.Bool("applied", outcome.Applied),
	)
	return outcome.Job.State, nil
}

func (r *Reconciler) reschedule(ctx context.Context, job *domain.RenderJob) {
	attempts := job.PollAttempts + 1
	next := r.clock.Now().Add(r.Backoff(job.PollAttempts))
	if err := r.store.SchedulePoll(ctx, job.ID, attempts, next); err != nil {
		r.logger.Error("Failed to schedule next poll",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

// DueJobs lists the jobs the next sweep would reconcile
func (r *Reconciler) DueJobs(ctx context.Context) ([]domain.RenderJob, error) {
	if !r.config.Mode.UsesPolling() {
		return nil, nil
	}
	now := r.clock.Now()
	filter := domain.PollFilter{DueBefore: now, Limit: r.config.BatchSize}
	if r.config.Mode == domain.ModeHybrid {
		filter.SubmittedBefore = now.Add(-r.config.HybridGrace)
	}
	return r.store.ListDuePolls(ctx, filter)
}

// ExpireStale times out every job older than the tracker's expiry window:
// in-flight jobs by submission time, and jobs stuck in queued by creation time.
// Quota reserved by a timed-out queued job is released. It returns how many
// jobs were timed out.
func (r *Reconciler) ExpireStale(ctx context.Context) (int, error) {
	before := r.clock.Now().Add(-r.tracker.ExpiryWindow())
	jobs, err := r.store.ListStaleInFlight(ctx, before, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	queued, err := r.store.ListStaleQueued(ctx, before, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale queued jobs: %w", err)
	}

	expired := 0
	var errs []error
	for _, job := range queued {
		outcome, err := r.tracker.ExpireUnsubmitted(ctx, job.ID, tracker.SourceSweep)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		if !outcome.Applied {
			continue
		}
		expired++
		if r.quota != nil {
			if err := r.quota.ReleaseJob(ctx, outcome.Job); err != nil {
				errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			}
		}
	}
	for _, job := range jobs {
		outcome, err := r.tracker.Expire(ctx, job.ID, tracker.SourceSweep)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		if outcome.Applied {
			expired++
		}
	}

	if expired > 0 {
		r.logger.Info("Expired stale jobs",
			slog.Int("expired", expired),
		)
	}
	return expired, errors.Join(errs...)
}
