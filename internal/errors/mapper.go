package errors

import (
	"context"
	"errors"
)

// ErrorMapper classifies errors for the provisioning boundary and the daemon.
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

// DefaultErrorMapper implements the kanri taxonomy.
type DefaultErrorMapper struct{}

func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError tags untagged errors. Tagged errors pass through unchanged.
func (m *DefaultErrorMapper) MapError(err error) error {
	return MapContextError(err)
}

func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

func (m *DefaultErrorMapper) Category(err error) string {
	return Category(err)
}

// MapContextError converts a context deadline into a transient error and
// wraps any other untagged error as internal.
func MapContextError(err error) error {
	if err == nil {
		return nil
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}

	// Propagate cancellation as-is
	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("", "deadline exceeded", err)
	}

	return Internal("", "", err)
}

// Category returns the taxonomy name of err, or "" for nil.
func Category(err error) string {
	if err == nil {
		return ""
	}
	var tagged *Error
	if !errors.As(err, &tagged) {
		return "Unknown"
	}
	return tagged.Kind.String()
}

// IsRetryable reports whether the caller may retry the same request.
// The orchestrator itself never retries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindLockTimeout, KindExternalToolTimeout, KindTransient:
		return true
	default:
		return false
	}
}
