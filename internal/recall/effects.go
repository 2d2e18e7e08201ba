package recall

import (
	"context"
	"strconv"

	"github.com/wolfman30/recall-engine/internal/events"
	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/internal/messaging"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/promotion"
)

type ackKindKey struct{}

// withAckKind overrides the acknowledgement sent for transitions applied
// with ctx. An empty kind suppresses it.
func withAckKind(ctx context.Context, kind messaging.Kind) context.Context {
	return context.WithValue(ctx, ackKindKey{}, kind)
}

func ackKindFrom(ctx context.Context, fallback messaging.Kind) messaging.Kind {
	if kind, ok := ctx.Value(ackKindKey{}).(messaging.Kind); ok {
		return kind
	}
	return fallback
}

// sendForTransition queues the message a transition owes the patient.
func (s *Service) sendForTransition(ctx context.Context, t lifecycle.Transition) {
	var kind messaging.Kind
	switch t.Event {
	case lifecycle.EventDispatchReminder:
		kind = messaging.KindReminder
	case lifecycle.EventOfferSlot:
		kind = messaging.KindOffer
	case lifecycle.EventConfirm:
		kind = ackKindFrom(ctx, messaging.KindConfirmAck)
	case lifecycle.EventCancel:
		kind = ackKindFrom(ctx, messaging.KindCancelAck)
	default:
		return
	}
	if kind == "" {
		return
	}
	s.send(kind, t.After, t.Event)
}

func (s *Service) send(kind messaging.Kind, rec patients.Record, event lifecycle.Event) {
	if s.outbound == nil {
		return
	}
	msg, err := s.composer.Compose(kind, rec, 0)
	if err != nil {
		s.logger.Error("recall: compose failed", "patient_id", rec.ID, "kind", kind, "error", err)
		return
	}
	msg.Key = string(kind) + ":" + rec.ID + ":v" + strconv.FormatInt(rec.Version, 10)
	if err := s.outbound.Enqueue(msg); err != nil {
		s.logger.Error("recall: enqueue failed", "patient_id", rec.ID, "kind", kind, "event", event, "error", err)
	}
}

// publishTransition appends the cancellation event to the outbox.
func (s *Service) publishTransition(ctx context.Context, t lifecycle.Transition) {
	if t.Event != lifecycle.EventCancel {
		return
	}
	rec := t.After
	s.appendEvent(ctx, events.PatientCancelledV1{
		PatientID:       rec.ID,
		Specialty:       rec.Specialty,
		AppointmentDate: rec.AppointmentDate,
		AppointmentTime: rec.AppointmentTime,
		CancellationKey: promotion.CancellationKey(rec),
		Reason:          t.Actor,
		OccurredAt:      t.At,
	})
}

// publishOutcome appends the cascade result to the outbox.
func (s *Service) publishOutcome(ctx context.Context, o promotion.Outcome) {
	switch o.Kind {
	case promotion.OutcomePromoted:
		evt := events.SlotOfferedV1{
			PatientID:       o.PromotedID,
			Specialty:       o.Specialty,
			Score:           o.Score,
			CancellationKey: o.CancellationKey,
			Attempts:        o.Attempts,
			OccurredAt:      o.At,
		}
		if o.Slot != nil {
			evt.AppointmentDate = o.Slot.Date
			evt.AppointmentTime = o.Slot.Time
		}
		s.appendEvent(ctx, evt)
	case promotion.OutcomeEmpty:
		s.appendEvent(ctx, events.PromotionEmptyV1{
			Specialty:       o.Specialty,
			CancellationKey: o.CancellationKey,
			OccurredAt:      o.At,
		})
	case promotion.OutcomeFailed:
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		s.appendEvent(ctx, events.PromotionFailedV1{
			Specialty:       o.Specialty,
			CancellationKey: o.CancellationKey,
			Attempts:        o.Attempts,
			Error:           msg,
			OccurredAt:      o.At,
		})
	}
}

func (s *Service) appendEvent(ctx context.Context, evt events.Event) {
	if s.outbox == nil {
		return
	}
	if _, err := s.outbox.Append(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Error("recall: outbox append failed", "aggregate", evt.AggregateID(), "event_type", evt.EventType(), "error", err)
	}
}
