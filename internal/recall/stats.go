package recall

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/wolfman30/recall-engine/internal/audit"
	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/scoring"
)

// Stats is the dashboard summary.
type Stats struct {
	ByStatus         map[patients.Status]int `json:"by_status"`
	TotalSent        int                     `json:"total_sent"`
	Confirmed        int                     `json:"confirmed"`
	Cancelled        int                     `json:"cancelled"`
	NoShow           int                     `json:"no_show"`
	Waitlisted       int                     `json:"waitlisted"`
	ConfirmationRate float64                 `json:"confirmation_rate"`
	AvgDaysWaiting   float64                 `json:"avg_days_waiting"`
	HighPriority     int                     `json:"high_priority"`
	PromotionsToday  int                     `json:"promotions_today"`
	Promotions       map[string]float64      `json:"promotions"`
	Intents          map[string]float64      `json:"intents"`
	GeneratedAt      time.Time               `json:"generated_at"`
}

// Stats tallies the store. TotalSent counts every patient who has been
// messaged, which is the denominator of ConfirmationRate (a percentage
// with one decimal).
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	now := s.now()
	st := Stats{ByStatus: make(map[patients.Status]int, len(patients.AllStatuses)), GeneratedAt: now.UTC()}
	for _, status := range patients.AllStatuses {
		recs, err := s.store.ListByStatus(ctx, status)
		if err != nil {
			return Stats{}, fmt.Errorf("recall: stats %s: %w", status, err)
		}
		st.ByStatus[status] = len(recs)
	}
	st.Confirmed = st.ByStatus[patients.StatusConfirmed]
	st.Cancelled = st.ByStatus[patients.StatusCancelled]
	st.NoShow = st.ByStatus[patients.StatusNoShow]
	st.Waitlisted = st.ByStatus[patients.StatusWaitlisted]
	st.TotalSent = st.ByStatus[patients.StatusSent] + st.Confirmed + st.Cancelled + st.NoShow
	if st.TotalSent > 0 {
		st.ConfirmationRate = math.Round(float64(st.Confirmed)/float64(st.TotalSent)*1000) / 10
	}

	entries, err := s.queue.ListAsOf(ctx, "", now)
	if err != nil {
		return Stats{}, err
	}
	days := 0
	for _, e := range entries {
		days += e.DaysWaiting
		if e.Score >= scoring.HighPriorityThreshold {
			st.HighPriority++
		}
	}
	if len(entries) > 0 {
		st.AvgDaysWaiting = math.Round(float64(days)/float64(len(entries))*10) / 10
	}

	snap := s.metrics.Snapshot()
	st.Promotions = snap.Promotions
	st.Intents = snap.Intents
	st.PromotionsToday = s.promotionsSince(ctx, patients.DateOnly(now), snap.Promotions)
	return st, nil
}

// promotionsSince counts offer_slot transitions made by the cascade. The
// audit trail is authoritative; without it the process counters are used.
func (s *Service) promotionsSince(ctx context.Context, since time.Time, counters map[string]float64) int {
	if s.audit == nil {
		return int(counters["promoted"])
	}
	entries, err := s.audit.History(ctx, audit.Filter{Event: string(lifecycle.EventOfferSlot), Since: since})
	if err != nil {
		s.logger.Warn("recall: promotions today unavailable", "error", err)
		return int(counters["promoted"])
	}
	n := 0
	for _, e := range entries {
		if e.Actor == lifecycle.ActorPromotion {
			n++
		}
	}
	return n
}
