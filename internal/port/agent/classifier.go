package agent

import (
	"context"
	"errors"
)

// ErrorClassifier decides whether an adapter failure is transient (retryable)
// or permanent. The exact classification is deployment-specific, so it is a
// pluggable seam on the step executor.
type ErrorClassifier interface {
	// Transient reports whether the failure may succeed on retry.
	// Either res or err may be nil, never both.
	Transient(res *Result, err error) bool
}

// DefaultClassifier treats adapter-reported transient errors, timeouts, and
// context cancellation from deadline expiry as transient; everything else is
// permanent.
type DefaultClassifier struct{}

func (DefaultClassifier) Transient(res *Result, err error) bool {
	if res != nil && res.Status == StatusTransientError {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
