// Package webhook authenticates and applies pushed notifications: render
// results from the avatar provider and settlement updates from the payment
// network. Both are signed with a shared secret and deduplicated by event id.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/tracker"
	"github.com/cuongbtq/avatar-render/shared/clock"
)

// ProviderSource is the inbound ledger namespace for provider callbacks
const ProviderSource = "avatar-provider"

// Event is the provider callback body
type Event struct {
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	EventData EventData `json:"event_data"`
}

// EventData carries the render outcome
type EventData struct {
	VideoID      string  `json:"video_id"`
	URL          string  `json:"url"`
	ThumbnailURL string  `json:"thumbnail_url"`
	Duration     float64 `json:"duration"`
	Msg          string  `json:"msg"`
	CallbackID   string  `json:"callback_id"`
}

// Store is the persistence the receiver needs
type Store interface {
	GetJobByExternalID(ctx context.Context, externalJobID string) (*domain.RenderJob, error)
	RecordInboundEvent(ctx context.Context, event domain.InboundEvent) (bool, error)
}

// JobTracker applies terminal and progress signals to jobs
type JobTracker interface {
	MarkProcessing(ctx context.Context, jobID string, source tracker.Source) (tracker.Outcome, error)
	Complete(ctx context.Context, jobID string, result domain.JobResult, source tracker.Source) (tracker.Outcome, error)
	Fail(ctx context.Context, jobID, detail string, source tracker.Source) (tracker.Outcome, error)
}

// Result describes what a delivery did
type Result struct {
	EventID   string
	JobID     string
	Duplicate bool
	// Ignored is set for event kinds that carry no job transition
	Ignored bool
	Applied bool
}

// Receiver handles provider callbacks
type Receiver struct {
	verifier *Verifier
	store    Store
	tracker  JobTracker
	clock    clock.Clock
	logger   *slog.Logger
}

// NewReceiver creates a Receiver
func NewReceiver(verifier *Verifier, store Store, jobs JobTracker, clk clock.Clock, logger *slog.Logger) *Receiver {
	return &Receiver{
		verifier: verifier,
		store:    store,
		tracker:  jobs,
		clock:    clk,
		logger:   logger,
	}
}

// HandleEvent authenticates and applies one delivery. headerEventID is the
// transport-level event id, used when the body carries none.
func (r *Receiver) HandleEvent(ctx context.Context, body []byte, signature, headerEventID string) (Result, error) {
	if err := r.verifier.Verify(body, signature); err != nil {
		r.logger.Warn("Rejected provider callback",
			slog.String("reason", err.Error()),
			slog.Int("body_bytes", len(body)),
		)
		return Result{}, err
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	externalID := strings.TrimSpace(event.EventData.VideoID)
	if externalID == "" {
		return Result{}, fmt.Errorf("%w: missing event_data.video_id", domain.ErrInvalidPayload)
	}

	result := Result{EventID: eventID(event.EventID, headerEventID, body)}

	status := domain.ParseProviderStatus(event.EventType)
	if status == domain.ProviderStatusUnrecognized || status == domain.ProviderStatusPending {
		r.logger.Info("Ignoring provider callback",
			slog.String("event_type", event.EventType),
			slog.String("video_id", externalID),
		)
		result.Ignored = true
		return result, nil
	}

	job, err := r.store.GetJobByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			r.logger.Warn("Provider callback for unknown job",
				slog.String("video_id", externalID),
				slog.String("event_id", result.EventID),
			)
			return result, fmt.Errorf("%w: video %s", domain.ErrUnknownJob, externalID)
		}
		return result, err
	}
	result.JobID = job.ID

	inserted, err := r.store.RecordInboundEvent(ctx, domain.InboundEvent{
		Provider:      ProviderSource,
		EventID:       result.EventID,
		Kind:          event.EventType,
		PayloadSHA256: payloadDigest(body),
		ReceivedAt:    r.clock.Now(),
	})
	if err != nil {
		return result, fmt.Errorf("failed to record inbound event: %w", err)
	}
	if !inserted {
		result.Duplicate = true
		// An earlier delivery that was recorded but not applied leaves the job
		// in flight; transitions are conditional, so applying again is safe.
		if job.State.IsTerminal() {
			r.logger.Debug("Duplicate provider callback",
				slog.String("event_id", result.EventID),
				slog.String("job_id", job.ID),
			)
			return result, nil
		}
	}

	var outcome tracker.Outcome
	switch status {
	case domain.ProviderStatusCompleted:
		outcome, err = r.tracker.Complete(ctx, job.ID, domain.JobResult{
			VideoURL:        event.EventData.URL,
			ThumbnailURL:    event.EventData.ThumbnailURL,
			DurationSeconds: event.EventData.Duration,
		}, tracker.SourceWebhook)
	case domain.ProviderStatusFailed:
		detail := event.EventData.Msg
		if detail == "" {
			detail = "provider reported failure"
		}
		outcome, err = r.tracker.Fail(ctx, job.ID, detail, tracker.SourceWebhook)
	case domain.ProviderStatusProcessing:
		outcome, err = r.tracker.MarkProcessing(ctx, job.ID, tracker.SourceWebhook)
	}
	if err != nil {
		return result, err
	}

	result.Applied = outcome.Applied
	r.logger.Info("Provider callback applied",
		slog.String("event_id", result.EventID),
		slog.String("job_id", job.ID),
		slog.String("status", status.String()),
		slog.Bool("applied", outcome.Applied),
	)
	return result, nil
}

// eventID prefers the body's id, then the header, then a digest of the body
func eventID(bodyID, headerID string, body []byte) string {
	if id := strings.TrimSpace(bodyID); id != "" {
		return id
	}
	if id := strings.TrimSpace(headerID); id != "" {
		return id
	}
	return "sha256:" + payloadDigest(body)
}
