package engine

import (
	"errors"
	"fmt"

	"livestory/internal/domain"
)

var (
	// ErrStaleChange matches *StaleChangeError.
	ErrStaleChange = errors.New("stale change")
	// ErrNotApplied is returned when undo targets a change that is not
	// applied or was already undone.
	ErrNotApplied = errors.New("change not applied")
	// ErrNotPending is returned when accept or reject targets a change that
	// already left the pending state.
	ErrNotPending = errors.New("change not pending")
	// ErrConcurrentWrite is returned when the project lock stays contended
	// after one retry. Callers may retry.
	ErrConcurrentWrite = errors.New("concurrent write conflict")
)

// StaleChangeError reports a failed compare-and-swap: the live value of the
// field no longer matches the value the change expected.
type StaleChangeError struct {
	ChangeID string
	Phase    domain.Phase
	Field    string
	Expected string
	Actual   string
}

func (e *StaleChangeError) Error() string {
	return fmt.Sprintf("change %s is stale: %s.%s is %q, expected %q", e.ChangeID, e.Phase, e.Field, e.Actual, e.Expected)
}

func (e *StaleChangeError) Is(target error) bool {
	return target == ErrStaleChange
}
