package promotion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/queue"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

var now = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	store   *patients.MemoryStore
	machine *lifecycle.Machine
	queue   *queue.Queue
	coord   *Coordinator
	reports []Outcome
	mu      sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: patients.NewMemoryStore()}
	m := metrics.New(prometheus.NewRegistry())
	h.machine = lifecycle.NewMachine(h.store, m, logging.Discard()).WithClock(func() time.Time { return now })
	h.queue = queue.New(h.store, nil).WithClock(func() time.Time { return now })
	h.coord = NewCoordinator(NewMemoryLedger(), h.queue, h.machine, 3, m, logging.Discard())
	h.coord.AddReporter(ReporterFunc(func(_ context.Context, o Outcome) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.reports = append(h.reports, o)
	}))
	return h
}

func (h *harness) waiting(t *testing.T, id, specialty string, age, daysAgo int) {
	t.Helper()
	enrolled := now.AddDate(0, 0, -daysAgo)
	_, err := h.store.Insert(context.Background(), patients.Record{
		ID: id, Name: "W " + id, Phone: "1190000" + id, Age: age,
		Specialty: specialty, ExamType: "routine",
		Status: patients.StatusWaitlisted, QueueEnrollmentDate: &enrolled,
	})
	require.NoError(t, err)
}

func (h *harness) cancelled(t *testing.T, id, specialty string) patients.Record {
	t.Helper()
	slot := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	_, err := h.store.Insert(context.Background(), patients.Record{
		ID: id, Name: "C " + id, Phone: "1180000" + id, Age: 50,
		Specialty: specialty, ExamType: "routine",
		AppointmentDate: &slot, AppointmentTime: "10:00",
		Status: patients.StatusSent,
	})
	require.NoError(t, err)
	tr, err := h.machine.Apply(context.Background(), lifecycle.Request{PatientID: id, Event: lifecycle.EventCancel})
	require.NoError(t, err)
	return tr.After
}

func TestCascadePromotesHighestScore(t *testing.T) {
	h := newHarness(t)
	h.waiting(t, "young", "cardio", 30, 5)
	h.waiting(t, "elder", "cardio", 85, 5)
	h.waiting(t, "other", "derm", 95, 90)
	rec := h.cancelled(t, "c1", "cardio")

	out, err := h.coord.OnCancellation(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomePromoted, out.Kind)
	assert.Equal(t, "elder", out.PromotedID)
	assert.Equal(t, 1, out.Attempts)

	promoted, _ := h.store.Get(context.Background(), "elder")
	assert.Equal(t, patients.StatusSent, promoted.Status)
	assert.Equal(t, "15/07/2026 10:00", promoted.SlotLabel())
	assert.Nil(t, promoted.QueueEnrollmentDate)

	other, _ := h.store.Get(context.Background(), "other")
	assert.Equal(t, patients.StatusWaitlisted, other.Status)
}

func TestCascadeIsIdempotentPerCancellation(t *testing.T) {
	h := newHarness(t)
	h.waiting(t, "w1", "cardio", 70, 10)
	h.waiting(t, "w2", "cardio", 70, 3)
	rec := h.cancelled(t, "c1", "cardio")

	first, err := h.coord.OnCancellation(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, OutcomePromoted, first.Kind)

	second, err := h.coord.OnCancellation(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Kind)

	w2, _ := h.store.Get(context.Background(), "w2")
	assert.Equal(t, patients.StatusWaitlisted, w2.Status, "retry must not promote a second patient")
	assert.Len(t, h.reports, 1)
}

func TestCascadeTieBreaksOnEarlierEnrollment(t *testing.T) {
	h := newHarness(t)
	// both score 15 (age) + 0 (exam) + 2 (wait)
	h.waiting(t, "later", "onco", 70, 10)
	h.waiting(t, "earlier", "onco", 70, 14)
	rec := h.cancelled(t, "c1", "onco")

	out, err := h.coord.OnCancellation(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "earlier", out.PromotedID)
}

func TestCascadeWithEmptyQueueReportsEmpty(t *testing.T) {
	h := newHarness(t)
	rec := h.cancelled(t, "c1", "cardio")

	out, err := h.coord.OnCancellation(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, out.Kind)
	assert.Equal(t, 0, out.Attempts)

	got, _ := h.store.Get(context.Background(), "c1")
	assert.Equal(t, patients.StatusCancelled, got.Status)
	require.Len(t, h.reports, 1)
	assert.Equal(t, OutcomeEmpty, h.reports[0].Kind)
}

func TestCascadeRejectsNonCancelledRecord(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.OnCancellation(context.Background(), patients.Record{ID: "x", Status: patients.StatusSent})
	assert.Error(t, err)
}

type scriptedOfferer struct {
	mu      sync.Mutex
	errs    []error
	calls   []string
	machine *lifecycle.Machine
}

func (s *scriptedOfferer) Apply(ctx context.Context, req lifecycle.Request) (lifecycle.Transition, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.PatientID)
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return lifecycle.Transition{}, err
	}
	return s.machine.Apply(ctx, req)
}

func TestCascadeMovesToNextCandidateOnRace(t *testing.T) {
	h := newHarness(t)
	h.waiting(t, "a", "cardio", 85, 1)
	h.waiting(t, "b", "cardio", 65, 1)
	rec := h.cancelled(t, "c1", "cardio")

	offerer := &scriptedOfferer{errs: []error{fmt.Errorf("%w: a", patients.ErrRaceLost)}, machine: h.machine}
	coord := NewCoordinator(NewMemoryLedger(), h.queue, offerer, 3, nil, logging.Discard())

	out, err := coord.OnCancellation(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomePromoted, out.Kind)
	assert.Equal(t, "b", out.PromotedID)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, []string{"a", "b"}, offerer.calls)
}

func TestCascadeFailsAfterBoundedAttempts(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.waiting(t, fmt.Sprintf("w%d", i), "cardio", 70, i)
	}
	rec := h.cancelled(t, "c1", "cardio")

	race := fmt.Errorf("%w: taken", patients.ErrRaceLost)
	offerer := &scriptedOfferer{errs: []error{race, race, race, race, race}, machine: h.machine}
	var reported []Outcome
	coord := NewCoordinator(NewMemoryLedger(), h.queue, offerer, 3, nil, logging.Discard())
	coord.AddReporter(ReporterFunc(func(_ context.Context, o Outcome) { reported = append(reported, o) }))

	out, err := coord.OnCancellation(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, IsFailedPromotion(err))
	assert.True(t, errors.Is(err, patients.ErrRaceLost))
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, offerer.calls, 3)
	require.Len(t, reported, 1)
	assert.Equal(t, OutcomeFailed, reported[0].Kind)
}

func TestConcurrentCascadesClaimHeadOnce(t *testing.T) {
	h := newHarness(t)
	h.waiting(t, "only", "cardio", 80, 30)
	first := h.cancelled(t, "c1", "cardio")
	second := h.cancelled(t, "c2", "cardio")

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i, rec := range []patients.Record{first, second} {
		wg.Add(1)
		go func(i int, rec patients.Record) {
			defer wg.Done()
			outcomes[i], _ = h.coord.OnCancellation(context.Background(), rec)
		}(i, rec)
	}
	wg.Wait()

	promoted := 0
	for _, o := range outcomes {
		if o.Kind == OutcomePromoted {
			promoted++
			assert.Equal(t, "only", o.PromotedID)
		} else {
			assert.Equal(t, OutcomeEmpty, o.Kind)
		}
	}
	assert.Equal(t, 1, promoted)
}

func TestCancellationKeyChangesWithVersion(t *testing.T) {
	rec := patients.Record{ID: "p1", Version: 4}
	assert.Equal(t, "p1:v4", CancellationKey(rec))
	rec.Version = 9
	assert.Equal(t, "p1:v9", CancellationKey(rec))
}

type failingLedger struct{ err error }

func (l failingLedger) Claim(context.Context, string) (bool, error) { return false, l.err }

func TestCascadeReportsLedgerFailure(t *testing.T) {
	h := newHarness(t)
	h.coord.ledger = failingLedger{err: errors.New("redis: i/o timeout")}
	h.waiting(t, "w1", "cardio", 80, 30)
	rec := h.cancelled(t, "c1", "cardio")

	out, err := h.coord.OnCancellation(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, IsFailedPromotion(err))
	assert.Contains(t, err.Error(), "i/o timeout")
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Zero(t, out.Attempts)

	require.Len(t, h.reports, 1)
	assert.Equal(t, OutcomeFailed, h.reports[0].Kind)
	assert.Equal(t, CancellationKey(rec), h.reports[0].CancellationKey)

	w, _ := h.store.Get(context.Background(), "w1")
	assert.Equal(t, patients.StatusWaitlisted, w.Status)
}
