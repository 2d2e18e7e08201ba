package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// Deadlines keeps one in-process no-show timer per SENT patient. It is an
// Effect: entering SENT arms the timer and leaving SENT disarms it. Each
// timer carries the record version it was armed for, so a timer that
// outlives its SENT period (another process moved the patient on and back)
// cannot expire the newer offer.
type Deadlines struct {
	window time.Duration
	expire ExpireFunc
	logger *logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// ExpireFunc is called when a deadline fires. version is the record version
// the deadline was armed for.
type ExpireFunc func(ctx context.Context, patientID string, version int64)

// NewDeadlines creates a timer set that calls expire window after a patient
// enters SENT.
func NewDeadlines(window time.Duration, expire ExpireFunc, logger *logging.Logger) *Deadlines {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deadlines{
		window: window,
		expire: expire,
		logger: logger,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
}

// Window is the reply window after which a SENT patient is a no-show.
func (d *Deadlines) Window() time.Duration { return d.window }

func (d *Deadlines) AfterTransition(_ context.Context, t Transition) {
	switch {
	case t.To == patients.StatusSent:
		d.Arm(t.After.ID, t.After.Version, t.At.Add(d.window))
	case t.From == patients.StatusSent:
		d.Disarm(t.After.ID)
	}
}

// Arm schedules expiry of patientID at the given instant, replacing any
// earlier timer for the same patient.
func (d *Deadlines) Arm(patientID string, version int64, at time.Time) {
	delay := at.Sub(d.now())
	if delay < 0 {
		delay = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.timers[patientID]; ok {
		existing.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.timers[patientID] == timer {
			delete(d.timers, patientID)
		}
		d.mu.Unlock()
		if d.expire != nil {
			d.expire(context.Background(), patientID, version)
		}
	})
	d.timers[patientID] = timer
}

// Disarm cancels the pending deadline for patientID, if any.
func (d *Deadlines) Disarm(patientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.timers[patientID]; ok {
		timer.Stop()
		delete(d.timers, patientID)
	}
}

// Armed reports whether a deadline is pending for patientID.
func (d *Deadlines) Armed(patientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[patientID]
	return ok
}

// Pending returns the number of armed deadlines.
func (d *Deadlines) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels every pending deadline.
func (d *Deadlines) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
}

// ExpireWith returns a deadline callback that applies timeout through m,
// pinned to the armed version. A patient who replied in the meantime, or
// whose record moved on since, is left alone; that outcome is expected and
// only logged at debug level.
func ExpireWith(m *Machine, logger *logging.Logger) ExpireFunc {
	if logger == nil {
		logger = logging.Default()
	}
	return func(ctx context.Context, patientID string, version int64) {
		_, err := m.Apply(ctx, Request{
			PatientID:     patientID,
			Event:         EventTimeout,
			Actor:         ActorSystem,
			Expect:        patients.StatusSent,
			ExpectVersion: version,
		})
		if err == nil {
			return
		}
		if errors.Is(err, patients.ErrRaceLost) || IsInvalidTransition(err) {
			logger.Debug("lifecycle: stale deadline ignored", "patient_id", patientID, "armed_version", version)
			return
		}
		logger.Error("lifecycle: deadline expiry failed", "patient_id", patientID, "error", err)
	}
}
