package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

func TestDeadlineExpiresSilentPatient(t *testing.T) {
	m, store := newMachine(t)
	insert(t, store, "p1", patients.StatusPending)

	deadlines := NewDeadlines(20*time.Millisecond, ExpireWith(m, logging.Discard()), logging.Discard())
	deadlines.now = func() time.Time { return clock }
	defer deadlines.Stop()
	m.Use(deadlines)

	_, err := m.Apply(context.Background(), Request{PatientID: "p1", Event: EventDispatchReminder})
	require.NoError(t, err)
	assert.True(t, deadlines.Armed("p1"))

	require.Eventually(t, func() bool {
		rec, err := store.Get(context.Background(), "p1")
		return err == nil && rec.Status == patients.StatusNoShow
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, deadlines.Pending())
}

func TestReplyDisarmsDeadline(t *testing.T) {
	m, store := newMachine(t)
	insert(t, store, "p1", patients.StatusPending)

	deadlines := NewDeadlines(time.Hour, ExpireWith(m, logging.Discard()), logging.Discard())
	deadlines.now = func() time.Time { return clock }
	defer deadlines.Stop()
	m.Use(deadlines)

	_, err := m.Apply(context.Background(), Request{PatientID: "p1", Event: EventDispatchReminder})
	require.NoError(t, err)
	require.True(t, deadlines.Armed("p1"))

	_, err = m.Apply(context.Background(), Request{PatientID: "p1", Event: EventConfirm})
	require.NoError(t, err)
	assert.False(t, deadlines.Armed("p1"))
}

func TestLateDeadlineAfterReplyIsHarmless(t *testing.T) {
	m, store := newMachine(t)
	confirmed := insert(t, store, "p1", patients.StatusConfirmed)

	ExpireWith(m, logging.Discard())(context.Background(), "p1", confirmed.Version)

	rec, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, patients.StatusConfirmed, rec.Status)
}

func TestSweeperExpiresAndRearms(t *testing.T) {
	m, store := newMachine(t)
	ctx := context.Background()

	old := insert(t, store, "old", patients.StatusPending)
	fresh := insert(t, store, "fresh", patients.StatusPending)
	for _, id := range []string{old.ID, fresh.ID} {
		_, err := m.Apply(ctx, Request{PatientID: id, Event: EventDispatchReminder})
		require.NoError(t, err)
	}
	oldSent := clock.Add(-72 * time.Hour)
	_, err := store.CompareAndSwap(ctx, "old", patients.StatusSent, func(r *patients.Record) error {
		r.SentAt = &oldSent
		return nil
	})
	require.NoError(t, err)

	deadlines := NewDeadlines(48*time.Hour, nil, logging.Discard())
	deadlines.now = func() time.Time { return clock }
	defer deadlines.Stop()
	sweeper := NewSweeper(store, m, deadlines, 48*time.Hour, time.Minute, logging.Discard())
	sweeper.now = func() time.Time { return clock }

	res, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Rearmed)
	assert.True(t, deadlines.Armed("fresh"))

	rec, _ := store.Get(ctx, "old")
	assert.Equal(t, patients.StatusNoShow, rec.Status)

	res, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestStaleDeadlineFromAnotherProcessSparesFreshOffer(t *testing.T) {
	store := patients.NewMemoryStore()
	ctx := context.Background()
	insert(t, store, "p1", patients.StatusPending)

	// Two machines over one store stand in for the API and the inbound
	// worker, each with its own timers.
	api := NewMachine(store, nil, logging.Discard())
	worker := NewMachine(store, nil, logging.Discard())
	apiDeadlines := NewDeadlines(400*time.Millisecond, ExpireWith(api, logging.Discard()), logging.Discard())
	workerDeadlines := NewDeadlines(400*time.Millisecond, ExpireWith(worker, logging.Discard()), logging.Discard())
	defer apiDeadlines.Stop()
	defer workerDeadlines.Stop()
	api.Use(apiDeadlines)
	worker.Use(workerDeadlines)

	_, err := api.Apply(ctx, Request{PatientID: "p1", Event: EventDispatchReminder})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	_, err = worker.Apply(ctx, Request{PatientID: "p1", Event: EventCancel, Expect: patients.StatusSent})
	require.NoError(t, err)
	_, err = worker.Apply(ctx, Request{PatientID: "p1", Event: EventReinstate})
	require.NoError(t, err)
	slot := Slot{Date: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), Time: "09:00"}
	offered, err := worker.Apply(ctx, Request{PatientID: "p1", Event: EventOfferSlot, Slot: &slot})
	require.NoError(t, err)
	require.Equal(t, patients.StatusSent, offered.To)

	// The API timer still fires at 400ms; the fresh offer must survive it.
	time.Sleep(330 * time.Millisecond)
	rec, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, patients.StatusSent, rec.Status)
	assert.False(t, apiDeadlines.Armed("p1"))
	assert.True(t, workerDeadlines.Armed("p1"))

	require.Eventually(t, func() bool {
		rec, err := store.Get(ctx, "p1")
		return err == nil && rec.Status == patients.StatusNoShow
	}, time.Second, 10*time.Millisecond)
}

func TestExpectVersionRejectsMovedRecord(t *testing.T) {
	m, store := newMachine(t)
	sent := insert(t, store, "p1", patients.StatusSent)

	_, err := m.Apply(context.Background(), Request{
		PatientID:     "p1",
		Event:         EventTimeout,
		Expect:        patients.StatusSent,
		ExpectVersion: sent.Version + 1,
	})
	assert.ErrorIs(t, err, patients.ErrRaceLost)

	_, err = m.Apply(context.Background(), Request{
		PatientID:     "p1",
		Event:         EventTimeout,
		Expect:        patients.StatusSent,
		ExpectVersion: sent.Version,
	})
	require.NoError(t, err)
}
