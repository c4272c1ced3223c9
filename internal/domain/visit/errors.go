package visit

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict marks a request that would duplicate or contradict
	// existing records: a second result for an item, a second diagnosis
	// for an episode, completing an already completed visit.
	ErrConflict = errors.New("conflict")

	// ErrAmbiguousEpisode is returned when the Unique tie-break finds more
	// than one candidate order for a visit.
	ErrAmbiguousEpisode = errors.New("patient has more than one candidate service order")

	errNilInput = errors.New("classify: nil waitlist entry or snapshot")
)

// ValidationError reports a violated precondition. It is always returned
// before the first write of an operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DependencyFailure reports a failed repository call inside a saga step.
// Steps completed before Step are not rolled back.
type DependencyFailure struct {
	Operation string
	Step      string
	RunID     uuid.UUID
	Err       error
}

func (e *DependencyFailure) Error() string {
	return fmt.Sprintf("%s: step %s failed: %v", e.Operation, e.Step, e.Err)
}

func (e *DependencyFailure) Unwrap() error { return e.Err }

// InconsistentSnapshot reports a waitlist entry whose (status, visit_type)
// pair matches none of the workflow stages.
type InconsistentSnapshot struct {
	WaitlistID uuid.UUID
	Status     WaitlistStatus
	VisitType  VisitType
}

func (e *InconsistentSnapshot) Error() string {
	return fmt.Sprintf("waitlist entry %s has no workflow stage for status=%q visit_type=%q",
		e.WaitlistID, e.Status, e.VisitType)
}

func conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
