// Package orchestrator runs a render submission end to end: authorize the
// actor, record the job, hand it to the provider, and undo the reservation
// when the provider call fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/gatekeeper"
	"github.com/cuongbtq/avatar-render/internal/provider"
	"github.com/cuongbtq/avatar-render/internal/tracker"
)

// CallbackPath is where the provider delivers push notifications
const CallbackPath = "/webhooks/provider"

const (
	recordAttempts       = 3
	defaultRecordBackoff = 100 * time.Millisecond
)

// Gatekeeper authorizes submissions and returns quota on failure
type Gatekeeper interface {
	Authorize(ctx context.Context, actor domain.Actor, cloneID string, cost int) (*gatekeeper.Authorization, error)
	Release(ctx context.Context, auth *gatekeeper.Authorization) error
}

// JobTracker records the job through its submission states
type JobTracker interface {
	Create(ctx context.Context, job *domain.RenderJob) error
	MarkSubmitted(ctx context.Context, jobID, externalJobID string) (*domain.RenderJob, error)
	AbortSubmission(ctx context.Context, jobID, detail string) (tracker.Outcome, error)
}

// CredentialSource resolves the provider key for a producer
type CredentialSource interface {
	APIKey(ctx context.Context, producerID string) (string, error)
}

// Request is one render submission
type Request struct {
	Actor            domain.Actor
	CloneID          string
	Script           string
	Title            string
	Cost             int
	PaymentReference string
}

// Config controls how jobs are handed to the provider
type Config struct {
	Mode            domain.ProcessingMode
	CallbackBaseURL string
	// RecordBackoff is the first pause before retrying a failed write of the
	// provider's job id. It doubles per attempt.
	RecordBackoff time.Duration
}

// Orchestrator wires the gatekeeper, tracker and provider together
type Orchestrator struct {
	config     Config
	gatekeeper Gatekeeper
	tracker    JobTracker
	client     provider.Client
	creds      CredentialSource
	logger     *slog.Logger
}

// New creates an Orchestrator
func New(cfg Config, gk Gatekeeper, jobs JobTracker, client provider.Client, creds CredentialSource, logger *slog.Logger) *Orchestrator {
	if cfg.RecordBackoff <= 0 {
		cfg.RecordBackoff = defaultRecordBackoff
	}
	return &Orchestrator{
		config:     cfg,
		gatekeeper: gk,
		tracker:    jobs,
		client:     client,
		creds:      creds,
		logger:     logger,
	}
}

// Submit authorizes and starts a render. On a provider failure the quota is
// released, the job is failed, and a *domain.ProviderError is returned.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*domain.RenderJob, error) {
	if strings.TrimSpace(req.Script) == "" {
		return nil, fmt.Errorf("%w: script is required", domain.ErrInvalidPayload)
	}
	if req.Cost == 0 {
		req.Cost = 1
	}

	auth, err := o.gatekeeper.Authorize(ctx, req.Actor, req.CloneID, req.Cost)
	if err != nil {
		return nil, err
	}

	job := &domain.RenderJob{
		CloneID:          req.CloneID,
		ProducerID:       auth.Clone.ProducerID,
		ActorID:          req.Actor.ID,
		ActorKind:        req.Actor.Kind,
		Title:            req.Title,
		Script:           req.Script,
		Cost:             req.Cost,
		PriceCents:       auth.PriceCents,
		Currency:         auth.Currency,
		PaymentReference: req.PaymentReference,
	}
	if auth.GrantID != "" {
		grantID := auth.GrantID
		job.GrantID = &grantID
	}

	if err := o.tracker.Create(ctx, job); err != nil {
		o.release(ctx, auth)
		return nil, err
	}

	externalID, err := o.submit(ctx, job, auth)
	if err != nil {
		o.release(ctx, auth)
		if _, abortErr := o.tracker.AbortSubmission(ctx, job.ID, err.Error()); abortErr != nil {
			o.logger.Error("Failed to abort submission",
				slog.String("job_id", job.ID),
				slog.Any("error", abortErr),
			)
		}
		return nil, err
	}

	return o.markSubmitted(ctx, job.ID, externalID)
}

// markSubmitted retries the write of the provider's job id. A job left queued
// after the last attempt is expired by the stale sweep, which also returns
// its quota.
func (o *Orchestrator) markSubmitted(ctx context.Context, jobID, externalID string) (*domain.RenderJob, error) {
	backoff := o.config.RecordBackoff
	var err error
	for attempt := 1; ; attempt++ {
		var job *domain.RenderJob
		job, err = o.tracker.MarkSubmitted(ctx, jobID, externalID)
		if err == nil {
			return job, nil
		}
		if errors.Is(err, domain.ErrInvalidTransition) || attempt == recordAttempts {
			break
		}

		o.logger.Warn("Retrying submission record",
			slog.String("job_id", jobID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
			continue
		}
		break
	}

	o.logger.Error("Provider accepted job but recording it failed",
		slog.String("job_id", jobID),
		slog.String("external_job_id", externalID),
		slog.Any("error", err),
	)
	return nil, fmt.Errorf("failed to record submission of job %s: %w", jobID, err)
}

func (o *Orchestrator) submit(ctx context.Context, job *domain.RenderJob, auth *gatekeeper.Authorization) (string, error) {
	apiKey, err := o.creds.APIKey(ctx, job.ProducerID)
	if err != nil {
		return "", domain.NewPermanentProviderError("submit", err)
	}

	sub := domain.Submission{
		JobID:          job.ID,
		AvatarID:       auth.Clone.ProviderAvatarID,
		Script:         job.Script,
		Title:          job.Title,
		ProviderAPIKey: apiKey,
	}
	if o.config.Mode.UsesPush() {
		sub.CallbackURL = strings.TrimRight(o.config.CallbackBaseURL, "/") + CallbackPath
	}

	externalID, err := o.client.Submit(ctx, sub)
	if err != nil {
		o.logger.Warn("Provider submission failed",
			slog.String("job_id", job.ID),
			slog.Bool("retryable", domain.IsRetryable(err)),
			slog.Any("error", err),
		)
		var providerErr *domain.ProviderError
		if !errors.As(err, &providerErr) {
			err = domain.NewProviderError("submit", err)
		}
		return "", err
	}
	return externalID, nil
}

func (o *Orchestrator) release(ctx context.Context, auth *gatekeeper.Authorization) {
	if err := o.gatekeeper.Release(ctx, auth); err != nil {
		o.logger.Error("Failed to release authorization",
			slog.String("grant_id", auth.GrantID),
			slog.Any("error", err),
		)
	}
}
