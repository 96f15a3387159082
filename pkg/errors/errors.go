// Package errors provides the error taxonomy shared by the coordinator
// services and the consistency strategies.
package errors

import (
	"errors"
	"fmt"
)

// Operation errors. They travel inside domain.Result values and are
// compared with errors.Is; none of them is ever raised as a panic.
var (
	// ErrAccountNotFound is terminal; retrying cannot help.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientBalance is terminal and checked before any mutation.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrServiceUnavailable means the primary could not be reached; callers may retry later.
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
	// ErrPrepareRejected means at least one participant voted NO. Nothing was mutated.
	ErrPrepareRejected = errors.New("prepare phase failed")
	// ErrTimeout means a phase deadline was exceeded.
	ErrTimeout = errors.New("timeout")
	// ErrProviderFailure means the external provider call failed and the debit was rolled back.
	ErrProviderFailure = errors.New("provider api failed")
	// ErrPartitionLimit rejects large payments while the primary is unreachable.
	ErrPartitionLimit = errors.New("large payments temporarily unavailable")
)

// Simulator misuse.
var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrPrimaryRequired = errors.New("primary node required for CP strategy")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnknownMode     = errors.New("unknown network mode")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Retryable reports whether a caller may sensibly retry the whole operation later.
func Retryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrPrepareRejected) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrProviderFailure) ||
		errors.Is(err, ErrPartitionLimit)
}
