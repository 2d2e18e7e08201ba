package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// Actors recorded on transitions.
const (
	ActorSystem    = "system"
	ActorPatient   = "patient"
	ActorOperator  = "operator"
	ActorPromotion = "promotion"
)

// Slot is an appointment slot offered to a waiting patient.
type Slot struct {
	Date time.Time `json:"date"`
	Time string    `json:"time,omitempty"`
}

// Request asks the machine to apply Event to one patient.
type Request struct {
	PatientID string
	Event     Event
	Actor     string
	// Slot is required for offer_slot.
	Slot *Slot
	// Expect rejects the request with ErrRaceLost unless the patient is
	// currently in this status.
	Expect patients.Status
	// ExpectVersion pins the record version the request was made for. Zero
	// skips the check.
	ExpectVersion int64
}

// Transition describes a committed status change.
type Transition struct {
	Event  Event
	Actor  string
	From   patients.Status
	To     patients.Status
	Before patients.Record
	After  patients.Record
	At     time.Time
}

// Effect runs after a transition is committed. Effects must not block for
// long; outbound work belongs on the dispatcher.
type Effect interface {
	AfterTransition(ctx context.Context, t Transition)
}

// EffectFunc adapts a function to Effect.
type EffectFunc func(ctx context.Context, t Transition)

func (f EffectFunc) AfterTransition(ctx context.Context, t Transition) { f(ctx, t) }

// Machine applies events to patients.
type Machine struct {
	store   patients.Store
	locks   sync.Map
	logger  *logging.Logger
	metrics *metrics.RecallMetrics
	now     func() time.Time

	mu      sync.RWMutex
	effects []Effect
}

// NewMachine creates a machine over store.
func NewMachine(store patients.Store, m *metrics.RecallMetrics, logger *logging.Logger) *Machine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Machine{
		store:   store,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock overrides the transition timestamp source (tests).
func (m *Machine) WithClock(now func() time.Time) *Machine {
	if now != nil {
		m.now = now
	}
	return m
}

// Use registers effects run after every committed transition, in order.
func (m *Machine) Use(effects ...Effect) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range effects {
		if e != nil {
			m.effects = append(m.effects, e)
		}
	}
}

// Apply validates and commits one transition. Requests for the same patient
// are serialized; effects run after the patient lock is released.
func (m *Machine) Apply(ctx context.Context, req Request) (Transition, error) {
	if req.PatientID == "" {
		return Transition{}, &patients.ValidationError{Field: "id", Reason: "required"}
	}
	if req.Actor == "" {
		req.Actor = ActorSystem
	}

	lock := m.lockFor(req.PatientID)
	lock.Lock()
	t, err := m.apply(ctx, req)
	lock.Unlock()

	if err != nil {
		m.metrics.ObserveRejected(string(req.Event), rejectReason(err))
		m.logger.Warn("lifecycle: transition rejected",
			"patient_id", req.PatientID,
			"event", req.Event,
			"actor", req.Actor,
			"error", err,
		)
		return Transition{}, err
	}

	m.metrics.ObserveTransition(string(t.Event), string(t.From), string(t.To))
	m.logger.Info("lifecycle: transition applied",
		"patient_id", req.PatientID,
		"event", t.Event,
		"from", t.From,
		"to", t.To,
		"actor", t.Actor,
		"version", t.After.Version,
	)

	m.mu.RLock()
	effects := append([]Effect(nil), m.effects...)
	m.mu.RUnlock()
	for _, e := range effects {
		e.AfterTransition(ctx, t)
	}
	return t, nil
}

func (m *Machine) apply(ctx context.Context, req Request) (Transition, error) {
	current, err := m.store.Get(ctx, req.PatientID)
	if err != nil {
		return Transition{}, err
	}
	if req.Expect != "" && current.Status != req.Expect {
		return Transition{}, fmt.Errorf("%w: %s is %s, expected %s", patients.ErrRaceLost, current.ID, current.Status, req.Expect)
	}
	if err := checkVersion(current, req.ExpectVersion); err != nil {
		return Transition{}, err
	}
	to, ok := Next(current.Status, req.Event)
	if !ok {
		return Transition{}, &InvalidTransitionError{PatientID: current.ID, From: current.Status, Event: req.Event}
	}
	if req.Event == EventOfferSlot && (req.Slot == nil || req.Slot.Date.IsZero()) {
		return Transition{}, &patients.ValidationError{Field: "slot", Reason: "required for offer_slot"}
	}

	at := m.now().UTC()
	after, err := m.store.CompareAndSwap(ctx, current.ID, current.Status, func(r *patients.Record) error {
		if err := checkVersion(*r, req.ExpectVersion); err != nil {
			return err
		}
		r.Status = to
		switch req.Event {
		case EventDispatchReminder:
			r.SentAt = &at
		case EventOfferSlot:
			day := patients.DateOnly(req.Slot.Date)
			r.AppointmentDate = &day
			r.AppointmentTime = req.Slot.Time
			r.QueueEnrollmentDate = nil
			r.SentAt = &at
		case EventReinstate, EventWaitlist:
			r.QueueEnrollmentDate = &at
			r.AppointmentDate = nil
			r.AppointmentTime = ""
			r.SentAt = nil
		}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}
	return Transition{
		Event:  req.Event,
		Actor:  req.Actor,
		From:   current.Status,
		To:     to,
		Before: current,
		After:  after,
		At:     at,
	}, nil
}

func checkVersion(rec patients.Record, want int64) error {
	if want == 0 || rec.Version == want {
		return nil
	}
	return fmt.Errorf("%w: %s is at version %d, expected %d", patients.ErrRaceLost, rec.ID, rec.Version, want)
}

func (m *Machine) lockFor(id string) *sync.Mutex {
	lockAny, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return lockAny.(*sync.Mutex)
}

func rejectReason(err error) string {
	switch {
	case IsInvalidTransition(err):
		return "invalid_transition"
	case errors.Is(err, patients.ErrRaceLost):
		return "race_lost"
	case errors.Is(err, patients.ErrNotFound):
		return "not_found"
	case patients.IsValidation(err):
		return "validation"
	default:
		return "error"
	}
}
