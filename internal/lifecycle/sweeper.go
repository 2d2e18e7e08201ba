package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// Sweeper is the restart-safe half of no-show detection. On every pass it
// expires SENT patients whose reply window already closed and re-arms the
// in-process deadline for the rest.
type Sweeper struct {
	store     patients.Store
	machine   *Machine
	deadlines *Deadlines
	window    time.Duration
	interval  time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper. deadlines may be nil.
func NewSweeper(store patients.Store, machine *Machine, deadlines *Deadlines, window, interval time.Duration, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:     store,
		machine:   machine,
		deadlines: deadlines,
		window:    window,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Expired int
	Rearmed int
}

// Sweep runs a single pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	sent, err := s.store.ListByStatus(ctx, patients.StatusSent)
	if err != nil {
		return res, fmt.Errorf("lifecycle: sweep list sent: %w", err)
	}
	now := s.now().UTC()
	for _, rec := range sent {
		if rec.SentAt == nil {
			continue
		}
		deadline := rec.SentAt.Add(s.window)
		if deadline.After(now) {
			if s.deadlines != nil && !s.deadlines.Armed(rec.ID) {
				s.deadlines.Arm(rec.ID, rec.Version, deadline)
				res.Rearmed++
			}
			continue
		}
		_, err := s.machine.Apply(ctx, Request{
			PatientID:     rec.ID,
			Event:         EventTimeout,
			Actor:         ActorSystem,
			Expect:        patients.StatusSent,
			ExpectVersion: rec.Version,
		})
		switch {
		case err == nil:
			res.Expired++
		case errors.Is(err, patients.ErrRaceLost) || IsInvalidTransition(err):
			// reply landed between list and apply
		default:
			s.logger.Error("lifecycle: sweep expire failed", "patient_id", rec.ID, "error", err)
		}
	}
	return res, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if res, err := s.Sweep(ctx); err != nil {
			s.logger.Error("lifecycle: sweep failed", "error", err)
		} else if res.Expired > 0 || res.Rearmed > 0 {
			s.logger.Info("lifecycle: sweep complete", "expired", res.Expired, "rearmed", res.Rearmed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
