// Package reminders sends pre-appointment reminders to confirmed patients.
package reminders

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wolfman30/recall-engine/internal/messaging"
	"github.com/wolfman30/recall-engine/internal/messaging/compliance"
	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// SentScope namespaces reminder keys in the processed-events table.
const SentScope = "reminder"

// Enqueuer accepts outbound messages. messaging.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(msg messaging.Message) error
}

// SentLog remembers which reminders went out. events.ProcessedStore
// satisfies it.
type SentLog interface {
	AlreadyProcessed(ctx context.Context, scope, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, scope, eventID string) (bool, error)
}

// Key identifies one reminder for one patient, e.g. "p1_D3".
func Key(patientID string, daysBefore int) string {
	return patientID + "_D" + strconv.Itoa(daysBefore)
}

// Config tunes the worker.
type Config struct {
	OffsetsDays []int
	Interval    time.Duration
	Location    *time.Location
	QuietHours  compliance.QuietHours
}

// Result counts what one pass did.
type Result struct {
	Checked    int
	Sent       int
	Skipped    int
	Suppressed bool
}

// Worker scans CONFIRMED patients and sends the reminder matching the
// number of days left before their slot. Status never changes.
type Worker struct {
	store    patients.Store
	composer *messaging.Composer
	out      Enqueuer
	sent     SentLog
	cfg      Config
	offsets  map[int]bool
	metrics  *metrics.RecallMetrics
	logger   *logging.Logger
	now      func() time.Time
}

func NewWorker(store patients.Store, composer *messaging.Composer, out Enqueuer, sent SentLog, cfg Config, m *metrics.RecallMetrics, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Default()
	}
	if sent == nil {
		sent = NewMemorySentLog()
	}
	if composer == nil {
		composer = messaging.NewComposer(nil, "")
	}
	if len(cfg.OffsetsDays) == 0 {
		cfg.OffsetsDays = []int{7, 5, 3, 1}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	offsets := make(map[int]bool, len(cfg.OffsetsDays))
	for _, d := range cfg.OffsetsDays {
		offsets[d] = true
	}
	return &Worker{
		store:    store,
		composer: composer,
		out:      out,
		sent:     sent,
		cfg:      cfg,
		offsets:  offsets,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	if now != nil {
		w.now = now
	}
	return w
}

// Offsets returns the configured offsets, largest first.
func (w *Worker) Offsets() []int {
	out := append([]int(nil), w.cfg.OffsetsDays...)
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// DaysLeft counts calendar days from now, in the clinic's zone, to the
// appointment day.
func DaysLeft(appointment time.Time, now time.Time, loc *time.Location) int {
	y, m, d := now.In(loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return int(patients.DateOnly(appointment).Sub(today).Hours() / 24)
}

// RunOnce performs a single pass.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	now := w.now()
	if w.cfg.QuietHours.Suppress(now, compliance.PurposeCourtesy) {
		res.Suppressed = true
		w.logger.Debug("reminders: quiet hours, pass skipped", "reopens_in", w.cfg.QuietHours.Remaining(now).String())
		return res, nil
	}
	confirmed, err := w.store.ListByStatus(ctx, patients.StatusConfirmed)
	if err != nil {
		return res, fmt.Errorf("reminders: list confirmed: %w", err)
	}
	for _, rec := range confirmed {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !rec.HasSlot() {
			continue
		}
		res.Checked++
		days := DaysLeft(*rec.AppointmentDate, now, w.cfg.Location)
		if !w.offsets[days] {
			continue
		}
		sent, err := w.send(ctx, rec, days)
		if err != nil {
			w.logger.Error("reminders: send failed", "patient_id", rec.ID, "days_before", days, "error", err)
			continue
		}
		if sent {
			res.Sent++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

func (w *Worker) send(ctx context.Context, rec patients.Record, days int) (bool, error) {
	key := Key(rec.ID, days)
	done, err := w.sent.AlreadyProcessed(ctx, SentScope, key)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	if done {
		return false, nil
	}
	msg, err := w.composer.Compose(messaging.KindPreAppointment, rec, days)
	if err != nil {
		return false, err
	}
	msg.Key = key
	if err := w.out.Enqueue(msg); err != nil {
		return false, fmt.Errorf("enqueue %s: %w", key, err)
	}
	if _, err := w.sent.MarkProcessed(ctx, SentScope, key); err != nil {
		return true, fmt.Errorf("mark %s: %w", key, err)
	}
	w.metrics.ObserveReminder("D" + strconv.Itoa(days))
	w.logger.Info("reminders: reminder queued", "patient_id", rec.ID, "days_before", days)
	return true, nil
}

// Run passes immediately and then every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		if res, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("reminders: pass failed", "error", err)
		} else if res.Sent > 0 {
			w.logger.Info("reminders: pass complete", "checked", res.Checked, "sent", res.Sent)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// MemorySentLog is an in-process SentLog.
type MemorySentLog struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemorySentLog() *MemorySentLog {
	return &MemorySentLog{keys: make(map[string]struct{})}
}

func (l *MemorySentLog) AlreadyProcessed(_ context.Context, scope, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[scope+"|"+key]
	return ok, nil
}

func (l *MemorySentLog) MarkProcessed(_ context.Context, scope, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[scope+"|"+key]; ok {
		return false, nil
	}
	l.keys[scope+"|"+key] = struct{}{}
	return true, nil
}
