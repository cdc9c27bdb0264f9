package domain

import "strings"

// ProviderStatus is the closed set of provider job statuses the core understands
type ProviderStatus int

const (
	ProviderStatusUnrecognized ProviderStatus = iota
	ProviderStatusPending
	ProviderStatusProcessing
	ProviderStatusCompleted
	ProviderStatusFailed
)

func (s ProviderStatus) String() string {
	switch s {
	case ProviderStatusPending:
		return "pending"
	case ProviderStatusProcessing:
		return "processing"
	case ProviderStatusCompleted:
		return "completed"
	case ProviderStatusFailed:
		return "failed"
	default:
		return "unrecognized"
	}
}

// ParseProviderStatus maps the provider vocabulary onto ProviderStatus.
// Anything unknown maps to ProviderStatusUnrecognized, which callers treat as transient.
func ParseProviderStatus(raw string) ProviderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "waiting", "queued":
		return ProviderStatusPending
	case "processing", "rendering":
		return ProviderStatusProcessing
	case "completed", "success", "avatar_video.success":
		return ProviderStatusCompleted
	case "failed", "fail", "error", "avatar_video.fail":
		return ProviderStatusFailed
	default:
		return ProviderStatusUnrecognized
	}
}

// VideoStatus is the answer of a provider status query
type VideoStatus struct {
	ExternalJobID string
	Status        ProviderStatus
	RawStatus     string
	Result        JobResult
	ErrorMessage  string
}

// Submission is what the core hands to the provider to start a render
type Submission struct {
	JobID          string
	AvatarID       string
	Script         string
	Title          string
	CallbackURL    string
	ProviderAPIKey string
}
