package domain

import "time"

// JobState is the lifecycle state of a render job
type JobState string

// Job state constants
const (
	JobStateQueued     JobState = "queued"
	JobStateSubmitted  JobState = "submitted"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateExpired    JobState = "expired"
)

// InFlightStates are the states in which a job waits for a provider signal
var InFlightStates = []JobState{JobStateSubmitted, JobStateProcessing}

// IsTerminal reports whether no further state transition is permitted
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateExpired:
		return true
	default:
		return false
	}
}

// IsInFlight reports whether the job has been handed to the provider and has not finished
func (s JobState) IsInFlight() bool {
	return s == JobStateSubmitted || s == JobStateProcessing
}

// Valid reports whether s is a known state
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateSubmitted, JobStateProcessing,
		JobStateCompleted, JobStateFailed, JobStateExpired:
		return true
	default:
		return false
	}
}

// ActorKind identifies who submitted a job
type ActorKind string

const (
	ActorProducer    ActorKind = "producer"
	ActorSubproducer ActorKind = "subproducer"
	ActorFinalUser   ActorKind = "final_user"
	ActorAdmin       ActorKind = "admin"
)

// Actor is a resolved identity attempting to start a job
type Actor struct {
	ID   string
	Kind ActorKind
	// ProducerID is set when the actor is a producer account
	ProducerID string
}

// JobResult is the media produced by the provider for a completed job
type JobResult struct {
	VideoURL        string  `json:"video_url"`
	ThumbnailURL    string  `json:"thumbnail_url"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Equal compares two results field by field
func (r JobResult) Equal(other JobResult) bool {
	return r.VideoURL == other.VideoURL &&
		r.ThumbnailURL == other.ThumbnailURL &&
		r.DurationSeconds == other.DurationSeconds
}

// RenderJob is one request to produce a video through the provider
type RenderJob struct {
	ID               string
	CloneID          string
	ProducerID       string
	ActorID          string
	ActorKind        ActorKind
	GrantID          *string
	ExternalJobID    *string
	State            JobState
	Title            string
	Script           string
	Result           JobResult
	ErrorDetail      string
	Cost             int
	PriceCents       int64
	Currency         string
	PaymentReference string
	PollAttempts     int
	NextPollAt       *time.Time
	CreatedAt        time.Time
	SubmittedAt      *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

// External returns the provider job id or an empty string
func (j *RenderJob) External() string {
	if j.ExternalJobID == nil {
		return ""
	}
	return *j.ExternalJobID
}

// InFlightSince returns the moment the job was handed to the provider
func (j *RenderJob) InFlightSince() time.Time {
	if j.SubmittedAt != nil {
		return *j.SubmittedAt
	}
	return j.CreatedAt
}

// JobUpdate describes a single conditional state transition.
// Zero-valued optional fields are left untouched.
type JobUpdate struct {
	State         JobState
	ExternalJobID string
	Result        *JobResult
	ErrorDetail   string
	SubmittedAt   *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	At            time.Time
}

// JobAudit is an append-only log line attached to a job
type JobAudit struct {
	ID        int64
	JobID     string
	Action    string
	Source    string
	Detail    string
	CreatedAt time.Time
}

// JobFilter selects render jobs for listing
type JobFilter struct {
	ActorID    string
	ProducerID string
	CloneID    string
	State      JobState
	PageSize   int
	Cursor     *JobCursor
}

// JobCursor is the keyset position for descending pagination
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// PollFilter selects in-flight jobs that are due for a status query
type PollFilter struct {
	DueBefore time.Time
	// SubmittedBefore restricts the sweep to jobs in flight since at least this moment.
	// Zero means no restriction.
	SubmittedBefore time.Time
	Limit           int
}
