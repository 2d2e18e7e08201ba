package scoring

import (
	"fmt"
	"time"

	"github.com/wolfman30/recall-engine/internal/patients"
)

// Breakdown itemizes a score. Total is always the sum of the four parts.
type Breakdown struct {
	PatientID      string    `json:"patient_id"`
	AsOf           time.Time `json:"as_of"`
	AgePoints      int       `json:"age_points"`
	ExamPoints     int       `json:"exam_points"`
	WaitTimePoints int       `json:"wait_time_points"`
	BonusPoints    int       `json:"bonus_points"`
	DaysWaiting    int       `json:"days_waiting"`
	Total          int       `json:"total"`
	Band           Band      `json:"band"`
}

// Engine scores records against an immutable table.
type Engine struct {
	table Table
}

// NewEngine validates table and returns an engine bound to a private copy.
func NewEngine(table Table) (*Engine, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Engine{table: table.normalized()}, nil
}

// MustDefault returns an engine over DefaultTable.
func MustDefault() *Engine {
	e, err := NewEngine(DefaultTable())
	if err != nil {
		panic(err)
	}
	return e
}

// Table returns a copy of the weights in use.
func (e *Engine) Table() Table {
	return e.table.normalized()
}

// Score computes the breakdown for rec as of asOf. It reads nothing but its
// arguments and the table, so equal inputs give equal output.
func (e *Engine) Score(rec patients.Record, asOf time.Time) (Breakdown, error) {
	if rec.Age < 0 {
		return Breakdown{}, &patients.ValidationError{Field: "age", Reason: fmt.Sprintf("cannot score negative age %d", rec.Age)}
	}
	b := Breakdown{
		PatientID:  rec.ID,
		AsOf:       patients.DateOnly(asOf),
		AgePoints:  e.agePoints(rec.Age),
		ExamPoints: e.table.ExamPoints[normalizeExam(rec.ExamType)],
	}
	if rec.Status == patients.StatusWaitlisted && rec.QueueEnrollmentDate != nil {
		b.DaysWaiting = DaysBetween(*rec.QueueEnrollmentDate, asOf)
	}
	b.WaitTimePoints = e.waitPoints(b.DaysWaiting)
	if rec.ClinicalUrgency {
		b.BonusPoints += e.table.UrgencyBonus
	}
	if rec.VulnerableGroup {
		b.BonusPoints += e.table.VulnerableBonus
	}
	b.Total = b.AgePoints + b.ExamPoints + b.WaitTimePoints + b.BonusPoints
	b.Band = BandFor(b.Total)
	return b, nil
}

func (e *Engine) agePoints(age int) int {
	points := 0
	for _, bracket := range e.table.AgeBrackets {
		if age >= bracket.MinAge {
			points = bracket.Points
		}
	}
	return points
}

func (e *Engine) waitPoints(days int) int {
	if days <= 0 {
		return 0
	}
	points := (days / e.table.DaysPerPoint) * e.table.PointsPerStep
	if points > e.table.WaitCap {
		return e.table.WaitCap
	}
	return points
}

// DaysBetween counts whole calendar days from start to end, never negative.
func DaysBetween(start, end time.Time) int {
	days := int(patients.DateOnly(end).Sub(patients.DateOnly(start)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
