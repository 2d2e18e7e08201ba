// Package queue derives the ordered recall queue from WAITLISTED patients.
// Nothing here is persisted: every read rescans the store and rescores, so
// the order always reflects current records.
package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/scoring"
)

// Entry is one waiting patient as seen by the queue.
type Entry struct {
	PatientID           string            `json:"patient_id"`
	Name                string            `json:"name"`
	Specialty           string            `json:"specialty"`
	ExamType            string            `json:"exam_type"`
	Score               int               `json:"score"`
	Band                scoring.Band      `json:"band"`
	QueueEnrollmentDate time.Time         `json:"queue_enrollment_date"`
	DaysWaiting         int               `json:"days_waiting"`
	Position            int               `json:"position"`
	Breakdown           scoring.Breakdown `json:"breakdown"`
}

// Less is the total order of the queue: higher score first, then earlier
// enrollment, then lower id.
func Less(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.QueueEnrollmentDate.Equal(b.QueueEnrollmentDate) {
		return a.QueueEnrollmentDate.Before(b.QueueEnrollmentDate)
	}
	return a.PatientID < b.PatientID
}

// Sort orders entries in place and assigns 1-based positions.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return Less(entries[i], entries[j]) })
	for i := range entries {
		entries[i].Position = i + 1
	}
}

// Queue reads the store and scores waiting patients.
type Queue struct {
	store  patients.Store
	engine *scoring.Engine
	now    func() time.Time
}

// New builds a queue view. A nil engine uses the default scoring table.
func New(store patients.Store, engine *scoring.Engine) *Queue {
	if engine == nil {
		engine = scoring.MustDefault()
	}
	return &Queue{store: store, engine: engine, now: time.Now}
}

// WithClock overrides the evaluation date source (tests).
func (q *Queue) WithClock(now func() time.Time) *Queue {
	if now != nil {
		q.now = now
	}
	return q
}

// List returns the ordered queue as of now. An empty specialty lists every
// specialty; otherwise matching is case-insensitive.
func (q *Queue) List(ctx context.Context, specialty string) ([]Entry, error) {
	return q.ListAsOf(ctx, specialty, q.now())
}

// ListAsOf is List evaluated at an explicit date.
func (q *Queue) ListAsOf(ctx context.Context, specialty string, asOf time.Time) ([]Entry, error) {
	records, err := q.store.ListByStatus(ctx, patients.StatusWaitlisted)
	if err != nil {
		return nil, fmt.Errorf("queue: list waitlisted: %w", err)
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		if !SameSpecialty(specialty, rec.Specialty) {
			continue
		}
		entry, err := q.entryFor(rec, asOf)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	Sort(entries)
	return entries, nil
}

// Next returns the head of the queue for specialty, or false when empty.
func (q *Queue) Next(ctx context.Context, specialty string) (Entry, bool, error) {
	entries, err := q.List(ctx, specialty)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[0], true, nil
}

func (q *Queue) entryFor(rec patients.Record, asOf time.Time) (Entry, error) {
	b, err := q.engine.Score(rec, asOf)
	if err != nil {
		return Entry{}, fmt.Errorf("queue: score %s: %w", rec.ID, err)
	}
	var enrolled time.Time
	if rec.QueueEnrollmentDate != nil {
		enrolled = *rec.QueueEnrollmentDate
	}
	return Entry{
		PatientID:           rec.ID,
		Name:                rec.Name,
		Specialty:           rec.Specialty,
		ExamType:            rec.ExamType,
		Score:               b.Total,
		Band:                b.Band,
		QueueEnrollmentDate: enrolled,
		DaysWaiting:         b.DaysWaiting,
		Breakdown:           b,
	}, nil
}

// SameSpecialty reports whether candidate matches filter. An empty filter
// matches everything.
func SameSpecialty(filter, candidate string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	return strings.EqualFold(filter, strings.TrimSpace(candidate))
}

// RefreshScores recomputes every waiting patient's score and stores it as
// the cached value on the record. It returns how many scores changed.
func (q *Queue) RefreshScores(ctx context.Context, asOf time.Time) (int, error) {
	records, err := q.store.ListByStatus(ctx, patients.StatusWaitlisted)
	if err != nil {
		return 0, fmt.Errorf("queue: list waitlisted: %w", err)
	}
	changed := 0
	for _, rec := range records {
		b, err := q.engine.Score(rec, asOf)
		if err != nil {
			return changed, fmt.Errorf("queue: score %s: %w", rec.ID, err)
		}
		if b.Total == rec.Score {
			continue
		}
		if err := q.store.SetScore(ctx, rec.ID, b.Total); err != nil {
			return changed, fmt.Errorf("queue: cache score %s: %w", rec.ID, err)
		}
		changed++
	}
	return changed, nil
}
