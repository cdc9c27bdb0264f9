package domain

import (
	"errors"
	"fmt"
)

// ProcessingMode selects how job completion is reconciled
type ProcessingMode string

const (
	// ModePush relies on provider callbacks only
	ModePush ProcessingMode = "push"
	// ModePoll queries the provider on a backoff schedule
	ModePoll ProcessingMode = "poll"
	// ModeHybrid relies on callbacks and polls jobs that stay silent past a grace period
	ModeHybrid ProcessingMode = "hybrid"
)

// ParseProcessingMode accepts exactly the three recognized values
func ParseProcessingMode(s string) (ProcessingMode, error) {
	switch ProcessingMode(s) {
	case ModePush, ModePoll, ModeHybrid:
		return ProcessingMode(s), nil
	case "":
		return "", errors.New("processing mode is required (want push, poll or hybrid)")
	default:
		return "", fmt.Errorf("unknown processing mode %q (want push, poll or hybrid)", s)
	}
}

// UsesPush reports whether provider callbacks are expected
func (m ProcessingMode) UsesPush() bool {
	return m == ModePush || m == ModeHybrid
}

// UsesPolling reports whether the reconciler queries the provider
func (m ProcessingMode) UsesPolling() bool {
	return m == ModePoll || m == ModeHybrid
}
