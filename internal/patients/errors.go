package patients

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("patients: not found")

	// ErrRaceLost is returned by CompareAndSwap when the stored status no
	// longer matches the expected one.
	ErrRaceLost = errors.New("patients: status changed concurrently")

	// ErrDuplicateID is returned when creating a record whose id exists.
	ErrDuplicateID = errors.New("patients: duplicate id")

	// ErrStatusImmutable is returned when Upsert tries to change status.
	ErrStatusImmutable = errors.New("patients: status may only change through a transition")
)

// ValidationError reports a malformed or missing record field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("patients: invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
