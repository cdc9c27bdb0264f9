package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCloneNotFound is returned when a clone cannot be found in the store
	ErrCloneNotFound = errors.New("clone not found")

	// ErrCloneInactive is returned when a submission targets a clone that is not active
	ErrCloneInactive = errors.New("clone is not active")

	// ErrPermissionDenied is returned when no usable grant binds the actor to the clone
	ErrPermissionDenied = errors.New("permission denied")

	// ErrQuotaExceeded is returned when the requested cost would overshoot a daily or monthly limit
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrGrantNotFound is returned when a grant cannot be found in the store
	ErrGrantNotFound = errors.New("grant not found")

	// ErrProducerNotFound is returned when a producer cannot be found in the store
	ErrProducerNotFound = errors.New("producer not found")

	// ErrJobNotFound is returned when a render job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a job mutation is attempted outside its allowed state set
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrInvalidSignature is returned when an inbound event signature does not match the payload
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrUnknownJob is returned when an inbound event references an external job id we never submitted
	ErrUnknownJob = errors.New("unknown job")

	// ErrInvalidPayload is returned when an inbound event body is malformed
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidFeeConfiguration is returned when the computed platform fee breaks 0 < fee < gross
	ErrInvalidFeeConfiguration = errors.New("invalid fee configuration")

	// ErrCommissionNotFound is returned when a commission event cannot be found in the store
	ErrCommissionNotFound = errors.New("commission not found")

	// ErrInvalidCommissionTransition is returned when a commission status update is not allowed
	ErrInvalidCommissionTransition = errors.New("invalid commission status transition")
)

// QuotaError is an ErrQuotaExceeded that carries what is left in each window.
// Remaining counts are -1 for an unlimited window.
type QuotaError struct {
	Window           string
	Limit            int
	DailyRemaining   int
	MonthlyRemaining int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: %s limit %d reached", ErrQuotaExceeded, e.Window, e.Limit)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// ProviderError wraps a failed call to the external avatar provider.
// Submission failures release reserved quota; polling failures are retried with backoff.
type ProviderError struct {
	Op        string
	Err       error
	retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %s", e.Op, e.Err.Error())
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the call may succeed if repeated later
func (e *ProviderError) Retryable() bool {
	return e.retryable
}

// NewProviderError creates a retryable provider error
func NewProviderError(op string, err error) error {
	return &ProviderError{Op: op, Err: err, retryable: true}
}

// NewPermanentProviderError creates a provider error that must not be retried
func NewPermanentProviderError(op string, err error) error {
	return &ProviderError{Op: op, Err: err, retryable: false}
}

// IsRetryable reports whether err carries a retryable provider error
func IsRetryable(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable()
	}
	return false
}
