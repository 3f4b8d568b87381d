// Package errors defines the error taxonomy shared across the collection
// and alerting pipeline.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	// ErrSourceUnreachable marks a transient failure reaching a source.
	// The cycle is retried next tick; alert persistence state is preserved.
	ErrSourceUnreachable = errors.New("source unreachable")
	// ErrSourceNotFound marks a source identity that does not resolve.
	ErrSourceNotFound = errors.New("source not found")
	// ErrRuleStoreUnavailable aborts the current evaluation cycle only.
	ErrRuleStoreUnavailable = errors.New("rule store unavailable")
	// ErrNotificationFailed is logged and never affects alert state.
	ErrNotificationFailed = errors.New("notification delivery failed")
	ErrTimeout            = errors.New("timeout")
	ErrInvalidInput       = errors.New("invalid input")
)

// CollectError is a structured error for collection and evaluation
// operations against a single source.
type CollectError struct {
	Op        string // operation that failed, e.g. "collect_container"
	SourceID  string
	TenantID  string
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *CollectError) Error() string {
	if e.SourceID != "" {
		return fmt.Sprintf("%s failed for source %s: %v", e.Op, e.SourceID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *CollectError) Unwrap() error {
	return e.Err
}

// NewCollectError wraps err with the failing operation and source identity.
// Retryability follows the sentinel: unreachable and timeout are transient,
// a missing source is not.
func NewCollectError(op, tenantID, sourceID string, err error) *CollectError {
	return &CollectError{
		Op:        op,
		SourceID:  sourceID,
		TenantID:  tenantID,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(err),
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSourceNotFound) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	return true
}

// WrapUnreachable marks err as a transient reachability failure.
func WrapUnreachable(op, tenantID, sourceID string, err error) error {
	return NewCollectError(op, tenantID, sourceID, fmt.Errorf("%w: %w", ErrSourceUnreachable, err))
}
