package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound no intent row for the given refId.
	ErrNotFound = errors.New("intent not found")

	// ErrAlreadyDone the intent reached terminal success; nothing to do.
	ErrAlreadyDone = errors.New("intent already settled")

	// ErrLeaseLost the caller no longer owns the processing lease.
	ErrLeaseLost = errors.New("processing lease lost")

	// ErrDuplicateRef the refId exists with a different signed payload.
	ErrDuplicateRef = errors.New("refId already used with a different payload")

	// ErrSignatureReused the digest or signature already backs another refId.
	ErrSignatureReused = errors.New("digest or signature already used under a different refId")
)

// LockBusyError reports a failed tryLock against a live lease. The current
// status is included so polling UIs can show the pipeline stage.
type LockBusyError struct {
	Status string
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("already processing (status %s)", e.Status)
}

// ImmutableFieldError reports a conflicting write to a write-once field.
type ImmutableFieldError struct {
	Field string
}

func (e *ImmutableFieldError) Error() string {
	return fmt.Sprintf("immutable field already set: %s", e.Field)
}

// AdvanceOutcome is the explicit result of a guarded status advance.
// Refused outcomes are surfaced to the caller instead of being swallowed.
type AdvanceOutcome int

const (
	// OutcomeAdvanced the guarded transition was applied.
	OutcomeAdvanced AdvanceOutcome = iota
	// OutcomeAlreadyAhead current status equals or outranks the target;
	// the patch, if any, was still applied.
	OutcomeAlreadyAhead
	// OutcomeRefused current status does not match the expected from-state.
	OutcomeRefused
)

func (o AdvanceOutcome) String() string {
	switch o {
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeAlreadyAhead:
		return "already-ahead"
	case OutcomeRefused:
		return "refused"
	default:
		return "unknown"
	}
}
