package domain

import "time"

// CloneStatus is the lifecycle state of an avatar resource
type CloneStatus string

const (
	CloneStatusActive     CloneStatus = "active"
	CloneStatusInactive   CloneStatus = "inactive"
	CloneStatusProcessing CloneStatus = "processing"
	CloneStatusFailed     CloneStatus = "failed"
)

// Clone is a producer-owned avatar usable as the subject of a render job
type Clone struct {
	ID               string
	ProducerID       string
	Name             string
	ProviderAvatarID string
	Status           CloneStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Producer owns clones and the provider account used to render them
type Producer struct {
	ID      string
	UserID  string
	Company string
	// SealedCredential is the age-encrypted provider API key, base64 encoded
	SealedCredential string
	// PaymentAccountID links the producer to its payment-network account; at most one is active
	PaymentAccountID string
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
