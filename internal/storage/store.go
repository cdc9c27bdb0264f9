// Package storage defines the persistence contract shared by the postgres
// and in-process drivers.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
)

// Store is the full persistence surface used by the services.
// Each service depends on the narrow subset it needs.
type Store interface {
	// Resources
	GetProducer(ctx context.Context, producerID string) (*domain.Producer, error)
	PutProducer(ctx context.Context, producer *domain.Producer) error
	SetProducerCredential(ctx context.Context, producerID, sealed string) error
	GetClone(ctx context.Context, cloneID string) (*domain.Clone, error)
	PutClone(ctx context.Context, clone *domain.Clone) error
	GetGrant(ctx context.Context, grantID string) (*domain.Grant, error)
	PutGrant(ctx context.Context, grant *domain.Grant) error

	// LockGrant runs fn with exclusive access to the grant for (clone, subject).
	// Changes made by fn are persisted only when fn returns nil.
	LockGrant(ctx context.Context, cloneID, subjectID string, fn func(*domain.Grant) error) error
	// LockGrantByID is LockGrant addressed by grant id
	LockGrantByID(ctx context.Context, grantID string, fn func(*domain.Grant) error) error

	// Render jobs
	CreateJob(ctx context.Context, job *domain.RenderJob) error
	GetJob(ctx context.Context, jobID string) (*domain.RenderJob, error)
	GetJobByExternalID(ctx context.Context, externalJobID string) (*domain.RenderJob, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.RenderJob, error)
	// TransitionJob applies upd only if the job is currently in one of from.
	// It returns the job after the call and whether the update was applied.
	TransitionJob(ctx context.Context, jobID string, from []domain.JobState, upd domain.JobUpdate) (*domain.RenderJob, bool, error)
	SchedulePoll(ctx context.Context, jobID string, attempts int, next time.Time) error
	ListDuePolls(ctx context.Context, filter domain.PollFilter) ([]domain.RenderJob, error)
	ListStaleInFlight(ctx context.Context, before time.Time, limit int) ([]domain.RenderJob, error)
	ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]domain.RenderJob, error)
	ListUnsettledJobs(ctx context.Context, limit int) ([]domain.RenderJob, error)
	AppendAudit(ctx context.Context, audit domain.JobAudit) error
	ListAudit(ctx context.Context, jobID string) ([]domain.JobAudit, error)

	// Inbound events
	RecordInboundEvent(ctx context.Context, event domain.InboundEvent) (bool, error)

	// Commissions
	InsertCommission(ctx context.Context, event *domain.CommissionEvent) (*domain.CommissionEvent, bool, error)
	GetCommission(ctx context.Context, commissionID string) (*domain.CommissionEvent, error)
	GetCommissionByJob(ctx context.Context, jobID string) (*domain.CommissionEvent, error)
	UpdateCommissionStatus(ctx context.Context, commissionID string, from []domain.CommissionStatus, to domain.CommissionStatus, reference string, at time.Time) (*domain.CommissionEvent, bool, error)
	CountCommissions(ctx context.Context) (int, error)

	Close() error
}
