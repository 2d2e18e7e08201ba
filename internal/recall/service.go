// Package recall is the facade the HTTP layer and workers talk to. It wires
// the store, scoring, queue, lifecycle machine and promotion cascade into
// the operations operators and patients trigger.
package recall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/recall-engine/internal/audit"
	"github.com/wolfman30/recall-engine/internal/events"
	"github.com/wolfman30/recall-engine/internal/intent"
	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/internal/messaging"
	"github.com/wolfman30/recall-engine/internal/messaging/compliance"
	"github.com/wolfman30/recall-engine/internal/notify"
	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/promotion"
	"github.com/wolfman30/recall-engine/internal/queue"
	"github.com/wolfman30/recall-engine/internal/scoring"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// Enqueuer accepts outbound messages. messaging.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(msg messaging.Message) error
}

// OutboxAppender persists canonical events. events.OutboxStore satisfies it.
type OutboxAppender interface {
	Append(ctx context.Context, evt events.Event) (events.Envelope, error)
}

// Deps are the collaborators of a Service. Store, Machine and Coordinator
// are required; everything else has a working default or is optional.
type Deps struct {
	Store       patients.Store
	Engine      *scoring.Engine
	Queue       *queue.Queue
	Machine     *lifecycle.Machine
	Coordinator *promotion.Coordinator
	Classifier  intent.Classifier
	Detector    *compliance.Detector
	Composer    *messaging.Composer
	Outbound    Enqueuer
	Notifier    *notify.Service
	Audit       audit.Recorder
	Outbox      OutboxAppender
	Metrics     *metrics.RecallMetrics
	Logger      *logging.Logger
	Now         func() time.Time
}

// Service implements the recall operations.
type Service struct {
	store       patients.Store
	engine      *scoring.Engine
	queue       *queue.Queue
	machine     *lifecycle.Machine
	coordinator *promotion.Coordinator
	classifier  intent.Classifier
	detector    *compliance.Detector
	composer    *messaging.Composer
	outbound    Enqueuer
	notifier    *notify.Service
	audit       audit.Recorder
	outbox      OutboxAppender
	metrics     *metrics.RecallMetrics
	logger      *logging.Logger
	now         func() time.Time
}

// NewService wires d and registers the service's effects on the machine
// and reporters on the coordinator. Call it once per machine.
func NewService(d Deps) (*Service, error) {
	if d.Store == nil || d.Machine == nil || d.Coordinator == nil {
		return nil, errors.New("recall: store, machine and coordinator are required")
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Engine == nil {
		d.Engine = scoring.MustDefault()
	}
	if d.Queue == nil {
		d.Queue = queue.New(d.Store, d.Engine)
	}
	if d.Classifier == nil {
		d.Classifier = intent.NewKeywordClassifier().WithMetrics(d.Metrics)
	}
	if d.Detector == nil {
		d.Detector = compliance.NewDetector()
	}
	if d.Composer == nil {
		d.Composer = messaging.NewComposer(nil, "")
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewService(nil, nil, "", d.Logger)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Service{
		store:       d.Store,
		engine:      d.Engine,
		queue:       d.Queue,
		machine:     d.Machine,
		coordinator: d.Coordinator,
		classifier:  d.Classifier,
		detector:    d.Detector,
		composer:    d.Composer,
		outbound:    d.Outbound,
		notifier:    d.Notifier,
		audit:       d.Audit,
		outbox:      d.Outbox,
		metrics:     d.Metrics,
		logger:      d.Logger,
		now:         d.Now,
	}

	s.machine.Use(lifecycle.EffectFunc(s.sendForTransition), s.notifier)
	if s.audit != nil {
		s.machine.Use(audit.Effect(s.audit, s.logger))
	}
	s.coordinator.AddReporter(s.notifier)
	if s.outbox != nil {
		s.machine.Use(lifecycle.EffectFunc(s.publishTransition))
		s.coordinator.AddReporter(promotion.ReporterFunc(s.publishOutcome))
	}
	return s, nil
}

// IntakeRequest registers a patient.
type IntakeRequest struct {
	ID              string
	Name            string
	Phone           string
	Age             *int
	Specialty       string
	ExamType        string
	AppointmentDate *time.Time
	AppointmentTime string
	ClinicalUrgency bool
	VulnerableGroup bool
	// Waitlist enrolls the patient in the queue instead of booking a slot.
	// A request without a slot is always waitlisted.
	Waitlist bool
}

// Intake validates and stores a new patient. Patients with a slot start
// PENDING; the rest are enrolled in the queue through the waitlist event.
func (s *Service) Intake(ctx context.Context, req IntakeRequest) (patients.Record, error) {
	if req.Age == nil {
		return patients.Record{}, &patients.ValidationError{Field: "age", Reason: "required"}
	}
	waitlist := req.Waitlist || req.AppointmentDate == nil
	if req.Waitlist && req.AppointmentDate != nil {
		return patients.Record{}, &patients.ValidationError{Field: "appointment_date", Reason: "waitlisted intake cannot carry a slot"}
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	rec := patients.Record{
		ID:              id,
		Name:            strings.TrimSpace(req.Name),
		Phone:           req.Phone,
		Age:             *req.Age,
		Specialty:       strings.TrimSpace(req.Specialty),
		ExamType:        strings.TrimSpace(req.ExamType),
		AppointmentTime: strings.TrimSpace(req.AppointmentTime),
		ClinicalUrgency: req.ClinicalUrgency,
		VulnerableGroup: req.VulnerableGroup,
		Status:          patients.StatusPending,
	}
	if req.AppointmentDate != nil {
		day := patients.DateOnly(*req.AppointmentDate)
		rec.AppointmentDate = &day
	}
	if _, err := s.engine.Score(rec, s.now()); err != nil {
		return patients.Record{}, err
	}

	stored, err := s.store.Insert(ctx, rec)
	if err != nil {
		return patients.Record{}, err
	}
	s.logger.Info("recall: patient registered", "patient_id", stored.ID, "specialty", stored.Specialty, "waitlist", waitlist)
	if !waitlist {
		return s.cacheScore(ctx, stored), nil
	}
	t, err := s.machine.Apply(ctx, lifecycle.Request{
		PatientID: stored.ID,
		Event:     lifecycle.EventWaitlist,
		Actor:     lifecycle.ActorOperator,
		Expect:    patients.StatusPending,
	})
	if err != nil {
		return stored, fmt.Errorf("recall: enroll %s: %w", stored.ID, err)
	}
	return s.cacheScore(ctx, t.After), nil
}

// UpdateRequest replaces the demographic fields of an existing patient.
type UpdateRequest struct {
	Name            string
	Phone           string
	Age             int
	Specialty       string
	ExamType        string
	ClinicalUrgency bool
	VulnerableGroup bool
}

// UpdatePatient edits demographics. Status and slot only change through
// transitions.
func (s *Service) UpdatePatient(ctx context.Context, id string, req UpdateRequest) (patients.Record, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return patients.Record{}, err
	}
	current.Name = strings.TrimSpace(req.Name)
	current.Phone = req.Phone
	current.Age = req.Age
	current.Specialty = strings.TrimSpace(req.Specialty)
	current.ExamType = strings.TrimSpace(req.ExamType)
	current.ClinicalUrgency = req.ClinicalUrgency
	current.VulnerableGroup = req.VulnerableGroup
	updated, err := s.store.Upsert(ctx, current)
	if err != nil {
		return patients.Record{}, err
	}
	return s.cacheScore(ctx, updated), nil
}

// Get returns one patient.
func (s *Service) Get(ctx context.Context, id string) (patients.Record, error) {
	return s.store.Get(ctx, id)
}

// TransitionResult is a committed transition plus the cascade it caused.
type TransitionResult struct {
	Transition lifecycle.Transition `json:"transition"`
	Promotion  *promotion.Outcome   `json:"promotion,omitempty"`
}

// EnqueueTransition applies event to a patient on an operator's behalf.
// Validation and transition errors are returned as is. A cancellation runs
// the promotion cascade before returning; a failed cascade is reported to
// operators and carried in the result, not returned as an error.
func (s *Service) EnqueueTransition(ctx context.Context, id string, event lifecycle.Event) (TransitionResult, error) {
	return s.apply(ctx, lifecycle.Request{PatientID: id, Event: event, Actor: lifecycle.ActorOperator})
}

// OfferSlot promotes a specific waiting patient into slot by hand.
func (s *Service) OfferSlot(ctx context.Context, id string, slot lifecycle.Slot) (TransitionResult, error) {
	return s.apply(ctx, lifecycle.Request{
		PatientID: id,
		Event:     lifecycle.EventOfferSlot,
		Actor:     lifecycle.ActorOperator,
		Slot:      &slot,
		Expect:    patients.StatusWaitlisted,
	})
}

func (s *Service) apply(ctx context.Context, req lifecycle.Request) (TransitionResult, error) {
	t, err := s.machine.Apply(ctx, req)
	if err != nil {
		return TransitionResult{}, err
	}
	res := TransitionResult{Transition: t}
	switch t.To {
	case patients.StatusCancelled:
		res.Promotion = s.cascade(ctx, t.After)
	case patients.StatusWaitlisted:
		res.Transition.After = s.cacheScore(ctx, t.After)
	}
	return res, nil
}

// DispatchPending sends the first reminder to every PENDING patient with a
// slot and returns how many moved to SENT.
func (s *Service) DispatchPending(ctx context.Context) (int, error) {
	pending, err := s.store.ListByStatus(ctx, patients.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("recall: list pending: %w", err)
	}
	sent := 0
	for _, rec := range pending {
		if !rec.HasSlot() {
			continue
		}
		_, err := s.machine.Apply(ctx, lifecycle.Request{
			PatientID: rec.ID,
			Event:     lifecycle.EventDispatchReminder,
			Actor:     lifecycle.ActorSystem,
			Expect:    patients.StatusPending,
		})
		switch {
		case err == nil:
			sent++
		case errors.Is(err, patients.ErrRaceLost) || lifecycle.IsInvalidTransition(err):
		default:
			s.logger.Error("recall: dispatch reminder failed", "patient_id", rec.ID, "error", err)
		}
	}
	return sent, nil
}

// GetScoreBreakdown scores a patient as of asOf (now when zero).
func (s *Service) GetScoreBreakdown(ctx context.Context, id string, asOf time.Time) (scoring.Breakdown, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return scoring.Breakdown{}, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	return s.engine.Score(rec, asOf)
}

// ListQueue returns the ordered queue, optionally for one specialty.
func (s *Service) ListQueue(ctx context.Context, specialty string) ([]queue.Entry, error) {
	return s.queue.ListAsOf(ctx, specialty, s.now())
}

// Notifications lists the operator feed, newest first.
func (s *Service) Notifications() []notify.Notification {
	return s.notifier.Recent()
}

// ErrAuditDisabled is returned by History when no recorder is wired.
var ErrAuditDisabled = errors.New("recall: audit trail not configured")

// History lists the applied transitions of one patient, oldest first.
func (s *Service) History(ctx context.Context, id string, limit int) ([]audit.Entry, error) {
	if s.audit == nil {
		return nil, ErrAuditDisabled
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.History(ctx, audit.Filter{PatientID: id, Limit: limit})
}

// RefreshScores recomputes the cached score of every waiting patient.
func (s *Service) RefreshScores(ctx context.Context) (int, error) {
	return s.queue.RefreshScores(ctx, s.now())
}

func (s *Service) cascade(ctx context.Context, cancelled patients.Record) *promotion.Outcome {
	outcome, err := s.coordinator.OnCancellation(ctx, cancelled)
	if err != nil && !promotion.IsFailedPromotion(err) {
		s.logger.Error("recall: cascade not run", "patient_id", cancelled.ID, "error", err)
		return nil
	}
	return &outcome
}

func (s *Service) cacheScore(ctx context.Context, rec patients.Record) patients.Record {
	b, err := s.engine.Score(rec, s.now())
	if err != nil || b.Total == rec.Score {
		return rec
	}
	if err := s.store.SetScore(ctx, rec.ID, b.Total); err != nil {
		s.logger.Warn("recall: cache score failed", "patient_id", rec.ID, "error", err)
		return rec
	}
	rec.Score = b.Total
	return rec
}
