package messaging

import (
	"fmt"

	"github.com/wolfman30/recall-engine/internal/messaging/templates"
	"github.com/wolfman30/recall-engine/internal/patients"
)

// Composer renders catalog messages for a patient record.
type Composer struct {
	renderer *templates.Renderer
	clinic   string
}

// NewComposer uses the default catalog when renderer is nil.
func NewComposer(renderer *templates.Renderer, clinic string) *Composer {
	if renderer == nil {
		renderer = templates.MustDefault()
	}
	return &Composer{renderer: renderer, clinic: clinic}
}

// Compose renders kind for rec. daysBefore only matters for pre-appointment
// reminders.
func (c *Composer) Compose(kind Kind, rec patients.Record, daysBefore int) (Message, error) {
	body, err := c.renderer.Render(string(kind), templates.Data{
		Name:       rec.Name,
		Clinic:     c.clinic,
		Specialty:  rec.Specialty,
		ExamType:   rec.ExamType,
		Slot:       rec.SlotLabel(),
		DaysBefore: daysBefore,
	})
	if err != nil {
		return Message{}, fmt.Errorf("messaging: compose %s for %s: %w", kind, rec.ID, err)
	}
	return Message{
		PatientID: rec.ID,
		To:        NormalizeE164(rec.Phone),
		Body:      body,
		Kind:      kind,
	}, nil
}
