package recall

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/recall-engine/internal/audit"
	"github.com/wolfman30/recall-engine/internal/events"
	"github.com/wolfman30/recall-engine/internal/inbound"
	"github.com/wolfman30/recall-engine/internal/intent"
	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/internal/messaging"
	"github.com/wolfman30/recall-engine/internal/notify"
	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/promotion"
	"github.com/wolfman30/recall-engine/internal/queue"
	"github.com/wolfman30/recall-engine/internal/scoring"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

type captureQueue struct {
	mu   sync.Mutex
	msgs []messaging.Message
}

func (q *captureQueue) Enqueue(msg messaging.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *captureQueue) kindsFor(patientID string) []messaging.Kind {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []messaging.Kind
	for _, m := range q.msgs {
		if m.PatientID == patientID {
			out = append(out, m.Kind)
		}
	}
	return out
}

type memOutbox struct {
	mu    sync.Mutex
	types []string
}

func (o *memOutbox) Append(_ context.Context, evt events.Event) (events.Envelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.types = append(o.types, evt.EventType())
	return events.Seal(evt, time.Now())
}

func (o *memOutbox) has(eventType string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type fixture struct {
	mu      sync.Mutex
	now     time.Time
	store   *patients.MemoryStore
	svc     *Service
	out     *captureQueue
	outbox  *memOutbox
	audit   *audit.MemoryLog
	metrics *metrics.RecallMetrics
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLedger(t, promotion.NewMemoryLedger())
}

func newFixtureWithLedger(t *testing.T, ledger promotion.Ledger) *fixture {
	t.Helper()
	f := &fixture{
		now:     time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
		out:     &captureQueue{},
		outbox:  &memOutbox{},
		audit:   audit.NewMemoryLog(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	log := logging.Discard()
	f.store = patients.NewMemoryStore().WithClock(f.clock)
	engine := scoring.MustDefault()
	q := queue.New(f.store, engine).WithClock(f.clock)
	machine := lifecycle.NewMachine(f.store, f.metrics, log).WithClock(f.clock)
	coord := promotion.NewCoordinator(ledger, q, machine, 3, f.metrics, log)

	svc, err := NewService(Deps{
		Store:       f.store,
		Engine:      engine,
		Queue:       q,
		Machine:     machine,
		Coordinator: coord,
		Outbound:    f.out,
		Notifier:    notify.NewService(notify.NewFeed(10), nil, "", log),
		Audit:       f.audit,
		Outbox:      f.outbox,
		Metrics:     f.metrics,
		Logger:      log,
		Now:         f.clock,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func age(n int) *int { return &n }

func (f *fixture) slotPatient(t *testing.T, id, phone, specialty string) patients.Record {
	t.Helper()
	day := time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)
	rec, err := f.svc.Intake(context.Background(), IntakeRequest{
		ID: id, Name: "Paciente " + id, Phone: phone, Age: age(50), Specialty: specialty,
		ExamType: "routine", AppointmentDate: &day, AppointmentTime: "10:00",
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) sentPatient(t *testing.T, id, phone, specialty string) patients.Record {
	t.Helper()
	f.slotPatient(t, id, phone, specialty)
	res, err := f.svc.EnqueueTransition(context.Background(), id, lifecycle.EventDispatchReminder)
	require.NoError(t, err)
	require.Equal(t, patients.StatusSent, res.Transition.To)
	return res.Transition.After
}

func (f *fixture) waiting(t *testing.T, id, phone, specialty string, years int, exam string) patients.Record {
	t.Helper()
	rec, err := f.svc.Intake(context.Background(), IntakeRequest{
		ID: id, Name: "Espera " + id, Phone: phone, Age: age(years), Specialty: specialty, ExamType: exam,
	})
	require.NoError(t, err)
	return rec
}

func TestIntakeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)

	_, err := f.svc.Intake(ctx, IntakeRequest{Name: "A", Phone: "11999990000", Specialty: "cardiologia"})
	assert.True(t, patients.IsValidation(err))

	_, err = f.svc.Intake(ctx, IntakeRequest{Name: "A", Phone: "11999990000", Age: age(-1), Specialty: "cardiologia"})
	assert.True(t, patients.IsValidation(err))

	_, err = f.svc.Intake(ctx, IntakeRequest{Name: " ", Phone: "11999990000", Age: age(30), Specialty: "cardiologia"})
	assert.True(t, patients.IsValidation(err))

	_, err = f.svc.Intake(ctx, IntakeRequest{Name: "A", Phone: "11999990000", Age: age(30), Specialty: "cardiologia", Waitlist: true, AppointmentDate: &day})
	assert.True(t, patients.IsValidation(err))

	f.slotPatient(t, "dup", "11999990001", "cardiologia")
	_, err = f.svc.Intake(ctx, IntakeRequest{ID: "dup", Name: "B", Phone: "11999990002", Age: age(30), Specialty: "cardiologia", AppointmentDate: &day})
	assert.ErrorIs(t, err, patients.ErrDuplicateID)
}

func TestIntakeStartsPendingOrWaitlisted(t *testing.T) {
	f := newFixture(t)
	pending := f.slotPatient(t, "p1", "11999990001", "cardiologia")
	assert.Equal(t, patients.StatusPending, pending.Status)
	assert.Nil(t, pending.QueueEnrollmentDate)

	waiting := f.waiting(t, "w1", "11999990002", "cardiologia", 82, "urgent-biopsy")
	assert.Equal(t, patients.StatusWaitlisted, waiting.Status)
	require.NotNil(t, waiting.QueueEnrollmentDate)
	assert.Equal(t, 45, waiting.Score)
	assert.Equal(t, "11999990002", waiting.Phone)
}

func TestScoreBreakdownForEightyTwoYearOld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.svc.Intake(ctx, IntakeRequest{
		ID: "idoso", Name: "José", Phone: "11988887777", Age: age(82), Specialty: "oncologia",
		ExamType: "urgent-biopsy", ClinicalUrgency: true,
	})
	require.NoError(t, err)

	b, err := f.svc.GetScoreBreakdown(ctx, rec.ID, rec.QueueEnrollmentDate.AddDate(0, 0, 40))
	require.NoError(t, err)
	assert.Equal(t, 25, b.AgePoints)
	assert.Equal(t, 20, b.ExamPoints)
	assert.Equal(t, 8, b.WaitTimePoints)
	assert.Equal(t, 5, b.BonusPoints)
	assert.Equal(t, 58, b.Total)
	assert.Equal(t, scoring.BandHigh, b.Band)

	_, err = f.svc.GetScoreBreakdown(ctx, "missing", time.Time{})
	assert.ErrorIs(t, err, patients.ErrNotFound)
}

func TestConfirmReply(t *testing.T) {
	f := newFixture(t)
	f.sentPatient(t, "p1", "11999990001", "cardiologia")

	res, err := f.svc.HandleReply(context.Background(), "p1", "Sim, confirmo")
	require.NoError(t, err)
	assert.Equal(t, intent.Confirm, res.Intent)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, patients.StatusConfirmed, res.Transitions[0].To)
	assert.Nil(t, res.Promotion)
	assert.Equal(t, []messaging.Kind{messaging.KindReminder, messaging.KindConfirmAck}, f.out.kindsFor("p1"))
	assert.True(t, f.outbox.has("recall.reply.received.v1"))
}

func TestCancelPromotesBestCandidate(t *testing.T) {
	f := newFixture(t)
	f.sentPatient(t, "p1", "11999990001", "cardiologia")
	f.waiting(t, "low", "11999990002", "cardiologia", 30, "routine")
	f.waiting(t, "high", "11999990003", "cardiologia", 82, "urgent-biopsy")
	f.waiting(t, "other", "11999990004", "ortopedia", 90, "urgent-biopsy")

	res, err := f.svc.HandleReply(context.Background(), "p1", "2")
	require.NoError(t, err)
	assert.Equal(t, intent.Cancel, res.Intent)
	require.NotNil(t, res.Promotion)
	assert.Equal(t, promotion.OutcomePromoted, res.Promotion.Kind)
	assert.Equal(t, "high", res.Promotion.PromotedID)

	promoted, err := f.svc.Get(context.Background(), "high")
	require.NoError(t, err)
	assert.Equal(t, patients.StatusSent, promoted.Status)
	assert.Nil(t, promoted.QueueEnrollmentDate)
	assert.Equal(t, "20/07/2026 10:00", promoted.SlotLabel())

	assert.Equal(t, []messaging.Kind{messaging.KindReminder, messaging.KindCancelAck}, f.out.kindsFor("p1"))
	assert.Equal(t, []messaging.Kind{messaging.KindOffer}, f.out.kindsFor("high"))
	assert.True(t, f.outbox.has("recall.patient.cancelled.v1"))
	assert.True(t, f.outbox.has("recall.slot.offered.v1"))

	kinds := map[notify.Kind]bool{}
	for _, n := range f.svc.Notifications() {
		kinds[n.Kind] = true
	}
	assert.True(t, kinds[notify.KindCancellation])
	assert.True(t, kinds[notify.KindPromoted])
}

func TestCancelWithEmptyQueue(t *testing.T) {
	f := newFixture(t)
	f.sentPatient(t, "p1", "11999990001", "cardiologia")

	res, err := f.svc.EnqueueTransition(context.Background(), "p1", lifecycle.EventCancel)
	require.NoError(t, err)
	assert.Equal(t, patients.StatusCancelled, res.Transition.To)
	require.NotNil(t, res.Promotion)
	assert.Equal(t, promotion.OutcomeEmpty, res.Promotion.Kind)
	assert.True(t, f.outbox.has("recall.promotion.empty.v1"))
}

type brokenLedger struct{}

func (brokenLedger) Claim(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestCancelWithUnavailableLedgerAlertsOperators(t *testing.T) {
	f := newFixtureWithLedger(t, brokenLedger{})
	f.sentPatient(t, "p1", "11999990001", "cardiologia")
	f.waiting(t, "w1", "11999990002", "cardiologia", 70, "routine")

	res, err := f.svc.HandleReply(context.Background(), "p1", "2")
	require.NoError(t, err)
	require.NotNil(t, res.Promotion)
	assert.Equal(t, promotion.OutcomeFailed, res.Promotion.Kind)
	assert.True(t, promotion.IsFailedPromotion(res.Promotion.Err))
	assert.True(t, f.outbox.has("recall.promotion.failed.v1"))
	assert.Equal(t, notify.KindPromotionFailed, f.svc.Notifications()[0].Kind)

	w, _ := f.svc.Get(context.Background(), "w1")
	assert.Equal(t, patients.StatusWaitlisted, w.Status)
}

func TestRescheduleFreesSlotBeforeRejoiningQueue(t *testing.T) {
	f := newFixture(t)
	f.sentPatient(t, "p1", "11999990001", "cardiologia")

	res, err := f.svc.HandleReply(context.Background(), "p1", "quero remarcar")
	require.NoError(t, err)
	assert.Equal(t, intent.Reschedule, res.Intent)
	require.Len(t, res.Transitions, 2)
	assert.Equal(t, patients.StatusCancelled, res.Transitions[0].To)
	assert.Equal(t, patients.StatusWaitlisted, res.Transitions[1].To)
	require.NotNil(t, res.Promotion)
	assert.Equal(t, promotion.OutcomeEmpty, res.Promotion.Kind, "patient must not be offered their own slot")

	rec, err := f.svc.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, patients.StatusWaitlisted, rec.Status)
	assert.False(t, rec.HasSlot())
	assert.Equal(t, []messaging.Kind{messaging.KindReminder, messaging.KindRescheduleAck}, f.out.kindsFor("p1"))
}

func TestUnknownReplyKeepsPatientSent(t *testing.T) {
	f := newFixture(t)
	f.sentPatient(t, "p1", "11999990001", "cardiologia")

	res, err := f.svc.HandleReply(context.Background(), "p1", "qual o endereço da clínica")
	require.NoError(t, err)
	assert.Equal(t, intent.Unknown, res.Intent)
	assert.Empty(t, res.Transitions)

	rec, _ := f.svc.Get(context.Background(), "p1")
	assert.Equal(t, patients.StatusSent, rec.Status)
	assert.Equal(t, []messaging.Kind{messaging.KindReminder, messaging.KindHelp}, f.out.kindsFor("p1"))
	assert.Equal(t, notify.KindUnknownReply, f.svc.Notifications()[0].Kind)
}

func TestStopAndHelpSkipClassification(t *testing.T) {
	f := newFixture(t)
	f.sentPatient(t, "p1", "11999990001", "cardiologia")

	res, err := f.svc.HandleReply(context.Background(), "p1", "PARAR")
	require.NoError(t, err)
	assert.True(t, res.OptOut)
	assert.Empty(t, res.Intent)

	res, err = f.svc.HandleReply(context.Background(), "p1", "ajuda")
	require.NoError(t, err)
	assert.True(t, res.Help)

	rec, _ := f.svc.Get(context.Background(), "p1")
	assert.Equal(t, patients.StatusSent, rec.Status)
	assert.Equal(t, notify.KindOptOut, f.svc.Notifications()[0].Kind)
}

func TestHandleInboundByPhone(t *testing.T) {
	f := newFixture(t)
	f.sentPatient(t, "p1", "(11) 99999-0001", "cardiologia")

	res, err := f.svc.HandleInboundByPhone(context.Background(), inbound.Reply{MessageID: "SM1", From: "+5511999990001", Body: "1", Source: "twilio"})
	require.NoError(t, err)
	assert.Equal(t, "p1", res.PatientID)
	assert.Equal(t, intent.Confirm, res.Intent)

	err = f.svc.HandleInbound(context.Background(), inbound.Reply{MessageID: "SM2", From: "+5511999990001", Body: "1"})
	assert.ErrorIs(t, err, patients.ErrNotFound, "confirmed patient is no longer awaiting a reply")

	res, err = f.svc.HandleInboundByPhone(context.Background(), inbound.Reply{MessageID: "SM3", From: "+5511999990001", Body: "sair"})
	require.NoError(t, err)
	assert.True(t, res.OptOut)
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	f := newFixture(t)
	f.slotPatient(t, "p1", "11999990001", "cardiologia")

	_, err := f.svc.EnqueueTransition(context.Background(), "p1", lifecycle.EventConfirm)
	assert.True(t, lifecycle.IsInvalidTransition(err))

	rec, _ := f.svc.Get(context.Background(), "p1")
	assert.Equal(t, patients.StatusPending, rec.Status)

	_, err = f.svc.HandleReply(context.Background(), "p1", "sim")
	assert.True(t, lifecycle.IsInvalidTransition(err))

	_, err = f.svc.EnqueueTransition(context.Background(), "ghost", lifecycle.EventConfirm)
	assert.ErrorIs(t, err, patients.ErrNotFound)
}

func TestReinstateReturnsPatientToQueue(t *testing.T) {
	f := newFixture(t)
	f.sentPatient(t, "p1", "11999990001", "cardiologia")
	_, err := f.svc.EnqueueTransition(context.Background(), "p1", lifecycle.EventTimeout)
	require.NoError(t, err)

	res, err := f.svc.EnqueueTransition(context.Background(), "p1", lifecycle.EventReinstate)
	require.NoError(t, err)
	assert.Equal(t, patients.StatusWaitlisted, res.Transition.To)

	entries, err := f.svc.ListQueue(context.Background(), "CARDIOLOGIA")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p1", entries[0].PatientID)
}

func TestQueueTieBreakByEnrollment(t *testing.T) {
	f := newFixture(t)
	f.waiting(t, "b", "11999990002", "cardiologia", 70, "routine")
	f.advance(time.Hour)
	f.waiting(t, "a", "11999990001", "cardiologia", 70, "routine")

	entries, err := f.svc.ListQueue(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].PatientID)
	assert.Equal(t, 1, entries[0].Position)
}

func TestOfferSlotByHand(t *testing.T) {
	f := newFixture(t)
	f.waiting(t, "w1", "11999990001", "cardiologia", 40, "routine")

	_, err := f.svc.OfferSlot(context.Background(), "w1", lifecycle.Slot{})
	assert.True(t, patients.IsValidation(err))

	res, err := f.svc.OfferSlot(context.Background(), "w1", lifecycle.Slot{Date: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), Time: "08:00"})
	require.NoError(t, err)
	assert.Equal(t, patients.StatusSent, res.Transition.To)
	assert.Equal(t, []messaging.Kind{messaging.KindOffer}, f.out.kindsFor("w1"))
}

func TestDispatchPending(t *testing.T) {
	f := newFixture(t)
	f.slotPatient(t, "p1", "11999990001", "cardiologia")
	f.slotPatient(t, "p2", "11999990002", "cardiologia")
	f.waiting(t, "w1", "11999990003", "cardiologia", 40, "routine")

	n, err := f.svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = f.svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConcurrentCancellationsPromoteOnce(t *testing.T) {
	f := newFixture(t)
	f.sentPatient(t, "a", "11999990001", "cardiologia")
	f.sentPatient(t, "b", "11999990002", "cardiologia")
	f.waiting(t, "w1", "11999990003", "cardiologia", 70, "routine")

	var wg sync.WaitGroup
	outcomes := make(chan promotion.OutcomeKind, 2)
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := f.svc.HandleReply(context.Background(), id, "cancelar")
			if err == nil && res.Promotion != nil {
				outcomes <- res.Promotion.Kind
			}
		}(id)
	}
	wg.Wait()
	close(outcomes)

	counts := map[promotion.OutcomeKind]int{}
	for k := range outcomes {
		counts[k]++
	}
	assert.Equal(t, 1, counts[promotion.OutcomePromoted])
	assert.Equal(t, 1, counts[promotion.OutcomeEmpty])
}

func TestStatsAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sentPatient(t, "c", "11999990001", "cardiologia")
	f.sentPatient(t, "x", "11999990002", "cardiologia")
	f.sentPatient(t, "s", "11999990003", "cardiologia")
	f.waiting(t, "w1", "11999990004", "cardiologia", 82, "urgent-biopsy")
	f.waiting(t, "w2", "11999990005", "cardiologia", 30, "routine")

	_, err := f.svc.HandleReply(ctx, "c", "1")
	require.NoError(t, err)
	_, err = f.svc.HandleReply(ctx, "x", "2")
	require.NoError(t, err)

	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Confirmed)
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, 1, st.Waitlisted)
	assert.Equal(t, 2, st.ByStatus[patients.StatusSent])
	assert.Equal(t, 4, st.TotalSent)
	assert.Equal(t, 25.0, st.ConfirmationRate)
	assert.Equal(t, 1, st.PromotionsToday)
	assert.Equal(t, 1.0, st.Promotions["promoted"])
	assert.Equal(t, 0, st.HighPriority)

	hist, err := f.svc.History(ctx, "x", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "dispatch_reminder", hist[0].Event)
	assert.Equal(t, "cancel", hist[1].Event)
	assert.Equal(t, lifecycle.ActorPatient, hist[1].Actor)
}

func TestNewServiceRequiresCore(t *testing.T) {
	_, err := NewService(Deps{})
	assert.Error(t, err)
}

func TestHistoryWithoutAudit(t *testing.T) {
	store := patients.NewMemoryStore()
	machine := lifecycle.NewMachine(store, nil, logging.Discard())
	coord := promotion.NewCoordinator(nil, queue.New(store, nil), machine, 0, nil, logging.Discard())
	svc, err := NewService(Deps{Store: store, Machine: machine, Coordinator: coord, Logger: logging.Discard()})
	require.NoError(t, err)
	_, err = svc.History(context.Background(), "p1", 0)
	assert.True(t, errors.Is(err, ErrAuditDisabled))
}
