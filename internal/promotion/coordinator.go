// Package promotion turns a cancellation into an offer for the best waiting
// patient of the same specialty.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/queue"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

var tracer = otel.Tracer("recall.internal.promotion")

// DefaultMaxAttempts bounds the candidates tried per cascade.
const DefaultMaxAttempts = 3

// Candidates lists the ordered queue for a specialty.
type Candidates interface {
	List(ctx context.Context, specialty string) ([]queue.Entry, error)
}

// Offerer applies the offer_slot transition.
type Offerer interface {
	Apply(ctx context.Context, req lifecycle.Request) (lifecycle.Transition, error)
}

// CancellationKey identifies one cancellation. The version is the one the
// cancel transition produced, so a later cancel of the same patient after
// reinstatement gets a new key.
func CancellationKey(cancelled patients.Record) string {
	return fmt.Sprintf("%s:v%d", cancelled.ID, cancelled.Version)
}

// Coordinator runs cascades. Runs for the same specialty are serialized.
type Coordinator struct {
	ledger      Ledger
	candidates  Candidates
	offerer     Offerer
	maxAttempts int
	metrics     *metrics.RecallMetrics
	logger      *logging.Logger
	now         func() time.Time

	locks     sync.Map
	mu        sync.RWMutex
	reporters []Reporter
}

// NewCoordinator wires a coordinator. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewCoordinator(ledger Ledger, candidates Candidates, offerer Offerer, maxAttempts int, m *metrics.RecallMetrics, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Coordinator{
		ledger:      ledger,
		candidates:  candidates,
		offerer:     offerer,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// AddReporter registers r for every cascade outcome except duplicates.
func (c *Coordinator) AddReporter(r Reporter) {
	if r == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reporters = append(c.reporters, r)
}

// OnCancellation runs the cascade for a CANCELLED record. Calling it again
// for the same cancellation returns OutcomeDuplicate without side effects.
// A *FailedPromotionError is returned alongside OutcomeFailed, including
// when the ledger itself could not record the claim.
func (c *Coordinator) OnCancellation(ctx context.Context, cancelled patients.Record) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "promotion.cascade")
	defer span.End()

	key := CancellationKey(cancelled)
	span.SetAttributes(
		attribute.String("recall.cancellation_key", key),
		attribute.String("recall.specialty", cancelled.Specialty),
	)
	outcome := Outcome{
		CancellationKey: key,
		CancelledID:     cancelled.ID,
		Specialty:       cancelled.Specialty,
	}
	if cancelled.Status != patients.StatusCancelled {
		return outcome, fmt.Errorf("promotion: %s is %s, not CANCELLED", cancelled.ID, cancelled.Status)
	}
	if !cancelled.HasSlot() {
		return outcome, &patients.ValidationError{Field: "appointment_date", Reason: "cancelled record has no slot to offer"}
	}
	outcome.Slot = &lifecycle.Slot{Date: *cancelled.AppointmentDate, Time: cancelled.AppointmentTime}

	claimed, err := c.ledger.Claim(ctx, key)
	if err != nil {
		// The slot is still open and nobody was offered it; operators hear
		// about it the same way as a cascade that ran out of candidates.
		span.RecordError(err)
		outcome.Kind = OutcomeFailed
		outcome.At = c.now().UTC()
		outcome.Err = &FailedPromotionError{
			CancellationKey: key,
			Specialty:       cancelled.Specialty,
			Last:            fmt.Errorf("claim: %w", err),
		}
		c.metrics.ObservePromotion(string(outcome.Kind), 0)
		c.log(outcome)
		c.report(ctx, outcome)
		return outcome, outcome.Err
	}
	if !claimed {
		outcome.Kind = OutcomeDuplicate
		outcome.At = c.now().UTC()
		c.logger.Info("promotion: cascade already ran", "cancellation_key", key)
		return outcome, nil
	}

	lock := c.lockFor(cancelled.Specialty)
	lock.Lock()
	outcome = c.run(ctx, outcome)
	lock.Unlock()

	outcome.At = c.now().UTC()
	span.SetAttributes(
		attribute.String("recall.outcome", string(outcome.Kind)),
		attribute.Int("recall.attempts", outcome.Attempts),
	)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
	}
	c.metrics.ObservePromotion(string(outcome.Kind), outcome.Attempts)
	c.log(outcome)
	c.report(ctx, outcome)
	return outcome, outcome.Err
}

func (c *Coordinator) run(ctx context.Context, outcome Outcome) Outcome {
	tried := make(map[string]bool)
	var last error
	for outcome.Attempts < c.maxAttempts {
		entries, err := c.candidates.List(ctx, outcome.Specialty)
		if err != nil {
			last = err
			outcome.Attempts++
			continue
		}
		head, ok := firstUntried(entries, tried)
		if !ok {
			if outcome.Attempts == 0 {
				outcome.Kind = OutcomeEmpty
				return outcome
			}
			break
		}
		outcome.Attempts++
		tried[head.PatientID] = true

		t, err := c.offerer.Apply(ctx, lifecycle.Request{
			PatientID: head.PatientID,
			Event:     lifecycle.EventOfferSlot,
			Actor:     lifecycle.ActorPromotion,
			Slot:      outcome.Slot,
			Expect:    patients.StatusWaitlisted,
		})
		if err == nil {
			outcome.Kind = OutcomePromoted
			outcome.PromotedID = t.After.ID
			outcome.PromotedName = t.After.Name
			outcome.Score = head.Score
			return outcome
		}
		last = err
		if !isRace(err) {
			c.logger.Error("promotion: offer failed", "patient_id", head.PatientID, "error", err)
		}
	}
	if last == nil {
		last = errors.New("no candidate could be claimed")
	}
	outcome.Kind = OutcomeFailed
	outcome.Err = &FailedPromotionError{
		CancellationKey: outcome.CancellationKey,
		Specialty:       outcome.Specialty,
		Attempts:        outcome.Attempts,
		Last:            last,
	}
	return outcome
}

func firstUntried(entries []queue.Entry, tried map[string]bool) (queue.Entry, bool) {
	for _, e := range entries {
		if !tried[e.PatientID] {
			return e, true
		}
	}
	return queue.Entry{}, false
}

func isRace(err error) bool {
	return errors.Is(err, patients.ErrRaceLost) || lifecycle.IsInvalidTransition(err)
}

func (c *Coordinator) lockFor(specialty string) *sync.Mutex {
	key := strings.ToLower(strings.TrimSpace(specialty))
	lockAny, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	return lockAny.(*sync.Mutex)
}

func (c *Coordinator) log(o Outcome) {
	switch o.Kind {
	case OutcomePromoted:
		c.logger.Info("promotion: slot offered",
			"cancellation_key", o.CancellationKey,
			"specialty", o.Specialty,
			"patient_id", o.PromotedID,
			"score", o.Score,
			"attempts", o.Attempts,
		)
	case OutcomeEmpty:
		c.logger.Info("promotion: queue empty", "cancellation_key", o.CancellationKey, "specialty", o.Specialty)
	case OutcomeFailed:
		c.logger.Error("promotion: cascade failed",
			"cancellation_key", o.CancellationKey,
			"specialty", o.Specialty,
			"attempts", o.Attempts,
			"error", o.Err,
		)
	}
}

func (c *Coordinator) report(ctx context.Context, o Outcome) {
	c.mu.RLock()
	reporters := append([]Reporter(nil), c.reporters...)
	c.mu.RUnlock()
	for _, r := range reporters {
		r.Report(ctx, o)
	}
}
