// Package patients holds patient records and their appointment state. The
// store is the single source of truth for every other component; status is
// only ever changed through CompareAndSwap.
package patients

import (
	"fmt"
	"strings"
	"time"
)

// Status is the appointment lifecycle state of a patient.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSent       Status = "SENT"
	StatusConfirmed  Status = "CONFIRMED"
	StatusCancelled  Status = "CANCELLED"
	StatusNoShow     Status = "NO_SHOW"
	StatusWaitlisted Status = "WAITLISTED"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusPending,
	StatusSent,
	StatusConfirmed,
	StatusCancelled,
	StatusNoShow,
	StatusWaitlisted,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s only accepts administrative reinstatement.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusCancelled || s == StatusNoShow
}

// ParseStatus accepts any casing and "no-show"/"no_show" spellings.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_")))
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw)}
	}
	return s, nil
}

// Record is a patient together with their appointment state.
type Record struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Age       int    `json:"age"`
	Specialty string `json:"specialty"`
	ExamType  string `json:"exam_type"`

	// AppointmentDate is the calendar day of the slot (UTC midnight).
	AppointmentDate *time.Time `json:"appointment_date,omitempty"`
	// AppointmentTime is the slot start as HH:MM.
	AppointmentTime string `json:"appointment_time,omitempty"`

	Status              Status     `json:"status"`
	QueueEnrollmentDate *time.Time `json:"queue_enrollment_date,omitempty"`

	ClinicalUrgency bool `json:"clinical_urgency"`
	VulnerableGroup bool `json:"vulnerable_group"`

	// Score is the last computed priority score. It is a cache.
	Score int `json:"score"`

	SentAt    *time.Time `json:"sent_at,omitempty"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// HasSlot reports whether an appointment slot is attached.
func (r Record) HasSlot() bool {
	return r.AppointmentDate != nil
}

// Clone returns a deep copy so callers never share pointer fields with the store.
func (r Record) Clone() Record {
	out := r
	out.AppointmentDate = cloneTime(r.AppointmentDate)
	out.QueueEnrollmentDate = cloneTime(r.QueueEnrollmentDate)
	out.SentAt = cloneTime(r.SentAt)
	return out
}

// Validate checks required fields and the enrollment invariant.
func (r Record) Validate() error {
	if err := r.ValidateDemographics(); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if (r.Status == StatusWaitlisted) != (r.QueueEnrollmentDate != nil) {
		return &ValidationError{Field: "queue_enrollment_date", Reason: "must be set iff status is WAITLISTED"}
	}
	return nil
}

// ValidateDemographics checks the fields an operator may edit freely.
func (r Record) ValidateDemographics() error {
	if strings.TrimSpace(r.ID) == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if strings.TrimSpace(r.Phone) == "" {
		return &ValidationError{Field: "phone", Reason: "required"}
	}
	if r.Age < 0 {
		return &ValidationError{Field: "age", Reason: "must be >= 0"}
	}
	if strings.TrimSpace(r.Specialty) == "" {
		return &ValidationError{Field: "specialty", Reason: "required"}
	}
	if r.AppointmentTime != "" {
		if _, err := time.Parse("15:04", r.AppointmentTime); err != nil {
			return &ValidationError{Field: "appointment_time", Reason: "must be HH:MM"}
		}
	}
	return nil
}

// SlotLabel renders the slot as "02/01/2006 15:04" for messages.
func (r Record) SlotLabel() string {
	if r.AppointmentDate == nil {
		return ""
	}
	label := r.AppointmentDate.Format("02/01/2006")
	if r.AppointmentTime != "" {
		label += " " + r.AppointmentTime
	}
	return label
}

// DateOnly truncates t to UTC midnight.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
