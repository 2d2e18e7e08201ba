package promotion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/recall-engine/internal/lifecycle"
)

// OutcomeKind classifies how a cascade ended.
type OutcomeKind string

const (
	OutcomePromoted  OutcomeKind = "promoted"
	OutcomeEmpty     OutcomeKind = "empty"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeDuplicate OutcomeKind = "duplicate"
)

// Outcome is the result of one cascade.
type Outcome struct {
	Kind            OutcomeKind     `json:"kind"`
	CancellationKey string          `json:"cancellation_key"`
	CancelledID     string          `json:"cancelled_id"`
	Specialty       string          `json:"specialty"`
	Slot            *lifecycle.Slot `json:"slot,omitempty"`
	PromotedID      string          `json:"promoted_id,omitempty"`
	PromotedName    string          `json:"promoted_name,omitempty"`
	Score           int             `json:"score,omitempty"`
	Attempts        int             `json:"attempts"`
	At              time.Time       `json:"at"`
	Err             error           `json:"-"`
}

// FailedPromotionError means every attempt lost its race. The slot stays
// open and an operator has to act.
type FailedPromotionError struct {
	CancellationKey string
	Specialty       string
	Attempts        int
	Last            error
}

func (e *FailedPromotionError) Error() string {
	return fmt.Sprintf("promotion: %s slot from %s not filled after %d attempts: %v", e.Specialty, e.CancellationKey, e.Attempts, e.Last)
}

func (e *FailedPromotionError) Unwrap() error { return e.Last }

// IsFailedPromotion reports whether err carries a FailedPromotionError.
func IsFailedPromotion(err error) bool {
	var fpe *FailedPromotionError
	return errors.As(err, &fpe)
}

// Reporter receives every non-duplicate outcome.
type Reporter interface {
	Report(ctx context.Context, outcome Outcome)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, outcome Outcome)

func (f ReporterFunc) Report(ctx context.Context, outcome Outcome) { f(ctx, outcome) }
