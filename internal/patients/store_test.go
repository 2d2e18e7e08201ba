package patients

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(id string) Record {
	slot := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	return Record{
		ID:              id,
		Name:            "Maria Souza",
		Phone:           "(11) 98888-7777",
		Age:             67,
		Specialty:       "cardiology",
		ExamType:        "echocardiogram",
		AppointmentDate: &slot,
		AppointmentTime: "09:30",
		Status:          StatusPending,
	}
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestMemoryStoreInsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(fixedClock())

	saved, err := store.Insert(ctx, sampleRecord("p1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)
	assert.Equal(t, "11988887777", saved.Phone)

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, saved, got)

	_, err = store.Insert(ctx, sampleRecord("p1"))
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Insert(ctx, sampleRecord("p1"))
	require.NoError(t, err)

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	*got.AppointmentDate = got.AppointmentDate.AddDate(1, 0, 0)

	again, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2026, again.AppointmentDate.Year())
}

func TestMemoryStoreInsertValidates(t *testing.T) {
	store := NewMemoryStore()
	rec := sampleRecord("p1")
	rec.Age = -1
	_, err := store.Insert(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	rec = sampleRecord("p2")
	rec.Status = StatusWaitlisted
	_, err = store.Insert(context.Background(), rec)
	assert.True(t, IsValidation(err), "waitlisted without enrollment date must be rejected")
}

func TestMemoryStoreUpsertKeepsStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Insert(ctx, sampleRecord("p1"))
	require.NoError(t, err)

	update := sampleRecord("p1")
	update.Name = "Maria S. Souza"
	update.Status = ""
	saved, err := store.Upsert(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, "Maria S. Souza", saved.Name)
	assert.Equal(t, StatusPending, saved.Status)
	assert.Equal(t, int64(2), saved.Version)

	update.Status = StatusConfirmed
	_, err = store.Upsert(ctx, update)
	assert.ErrorIs(t, err, ErrStatusImmutable)
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Insert(ctx, sampleRecord("p1"))
	require.NoError(t, err)

	updated, err := store.CompareAndSwap(ctx, "p1", StatusPending, func(r *Record) error {
		r.Status = StatusSent
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, updated.Status)
	assert.Equal(t, int64(2), updated.Version)

	_, err = store.CompareAndSwap(ctx, "p1", StatusPending, func(r *Record) error {
		r.Status = StatusSent
		return nil
	})
	assert.ErrorIs(t, err, ErrRaceLost)

	_, err = store.CompareAndSwap(ctx, "nope", StatusPending, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	boom := errors.New("boom")
	_, err = store.CompareAndSwap(ctx, "p1", StatusSent, func(*Record) error { return boom })
	assert.ErrorIs(t, err, boom)
	got, _ := store.Get(ctx, "p1")
	assert.Equal(t, StatusSent, got.Status, "failed mutation must not be written")
}

func TestMemoryStoreCompareAndSwapSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := sampleRecord("p1")
	rec.Status = StatusSent
	_, err := store.Insert(ctx, rec)
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CompareAndSwap(ctx, "p1", StatusSent, func(r *Record) error {
				r.Status = StatusConfirmed
				return nil
			})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryStoreFindByPhone(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})

	first := sampleRecord("p1")
	first.Status = StatusSent
	_, err := store.Insert(ctx, first)
	require.NoError(t, err)
	second := sampleRecord("p2")
	second.Status = StatusConfirmed
	_, err = store.Insert(ctx, second)
	require.NoError(t, err)

	got, err := store.FindByPhone(ctx, "+55 11 98888-7777", StatusSent)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)

	got, err = store.FindByPhone(ctx, "11988887777")
	require.NoError(t, err)
	assert.Equal(t, "p2", got.ID, "most recently updated wins without a status filter")

	_, err = store.FindByPhone(ctx, "11988887777", StatusWaitlisted)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListByStatusAndScore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	enrolled := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := sampleRecord("w1")
	w.Status = StatusWaitlisted
	w.QueueEnrollmentDate = &enrolled
	_, err := store.Insert(ctx, w)
	require.NoError(t, err)
	_, err = store.Insert(ctx, sampleRecord("p1"))
	require.NoError(t, err)

	list, err := store.ListByStatus(ctx, StatusWaitlisted)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "w1", list[0].ID)

	require.NoError(t, store.SetScore(ctx, "w1", 42))
	got, _ := store.Get(ctx, "w1")
	assert.Equal(t, 42, got.Score)
	assert.ErrorIs(t, store.SetScore(ctx, "nope", 1), ErrNotFound)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" no-show ")
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, s)
	assert.True(t, s.Terminal())

	_, err = ParseStatus("archived")
	assert.True(t, IsValidation(err))
}

func TestPhoneHelpers(t *testing.T) {
	assert.Equal(t, "+5511988887777", NormalizePhone(" +55 (11) 98888-7777 "))
	assert.Equal(t, "11988887777", NationalNumber("+5511988887777"))
	assert.Equal(t, "+5511988887777", E164("11988887777"))
	assert.Equal(t, "+5511988887777", E164("5511988887777"))
	assert.True(t, PhonesMatch("+55 11 98888 7777", "11988887777"))
	assert.False(t, PhonesMatch("", ""))
}

func TestSlotLabel(t *testing.T) {
	rec := sampleRecord("p1")
	assert.Equal(t, "10/03/2026 09:30", rec.SlotLabel())
	rec.AppointmentDate = nil
	assert.Equal(t, "", rec.SlotLabel())
}
