package notifications

import "errors"

// Store errors.
var (
	ErrNotInProcessing = errors.New("notification not in processing")
	ErrDrainActive     = errors.New("drain in progress")
	ErrCorruptItem     = errors.New("undecodable queue item moved to failed")
)

// Target errors.
var (
	ErrInvalidTarget  = errors.New("invalid notification target")
	ErrTargetMismatch = errors.New("notification fields do not match kind")
	ErrUnknownKind    = errors.New("unknown notification kind")
)

// Delivery errors.
var (
	ErrTokenNotFound  = errors.New("no delivery token on file")
	ErrNoRecipients   = errors.New("no recipient has a delivery token")
	ErrAllFailed      = errors.New("all deliveries failed")
	ErrInvalidLimit   = errors.New("limit must be between 1 and 1000")
	ErrMissingContent = errors.New("notification has no content")
)

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// IsRetryable reports whether err is classified as transient.
// Errors without a classification are treated as retryable.
func IsRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
