package lifecycle

import (
	"errors"
	"fmt"

	"github.com/wolfman30/recall-engine/internal/patients"
)

// InvalidTransitionError is returned when event is not accepted from the
// patient's current status. Nothing is written.
type InvalidTransitionError struct {
	PatientID string
	From      patients.Status
	Event     Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("lifecycle: %s cannot %s from %s", e.PatientID, e.Event, e.From)
}

// IsInvalidTransition reports whether err carries an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
