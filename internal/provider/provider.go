// Package provider talks to the external avatar-video provider and keeps the
// per-producer provider credentials sealed at rest.
package provider

import (
	"context"

	"github.com/cuongbtq/avatar-render/internal/domain"
)

// Client starts renders and answers status queries. Implementations must
// honor ctx deadlines and return *domain.ProviderError on failure.
type Client interface {
	Submit(ctx context.Context, sub domain.Submission) (string, error)
	Status(ctx context.Context, apiKey, externalJobID string) (*domain.VideoStatus, error)
}
