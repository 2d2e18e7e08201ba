package recall

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/recall-engine/internal/events"
	"github.com/wolfman30/recall-engine/internal/inbound"
	"github.com/wolfman30/recall-engine/internal/intent"
	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/internal/messaging"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/promotion"
)

// ReplyResult describes what a patient reply did.
type ReplyResult struct {
	PatientID   string                 `json:"patient_id"`
	Intent      intent.Intent          `json:"intent,omitempty"`
	Transitions []lifecycle.Transition `json:"transitions,omitempty"`
	Promotion   *promotion.Outcome     `json:"promotion,omitempty"`
	OptOut      bool                   `json:"opt_out,omitempty"`
	Help        bool                   `json:"help,omitempty"`
}

// HandleReply classifies text from a patient and applies the mapped events.
// Opt-out and help requests are handled before classification and never
// change status. An Unknown intent leaves the patient SENT, answers with
// the reply menu and is queued for manual review.
func (s *Service) HandleReply(ctx context.Context, patientID, text string) (ReplyResult, error) {
	rec, err := s.store.Get(ctx, patientID)
	if err != nil {
		return ReplyResult{}, err
	}
	return s.handleReply(ctx, rec, text, inbound.Reply{Body: text, Source: "api"})
}

// HandleInboundByPhone resolves the sender to the patient currently
// awaiting a reply and handles the message as HandleReply does.
func (s *Service) HandleInboundByPhone(ctx context.Context, msg inbound.Reply) (ReplyResult, error) {
	rec, err := s.store.FindByPhone(ctx, msg.From, patients.StatusSent)
	if err != nil {
		if errors.Is(err, patients.ErrNotFound) && s.detector.IsStop(msg.Body) {
			if known, findErr := s.store.FindByPhone(ctx, msg.From); findErr == nil {
				s.notifier.OptOut(known)
				return ReplyResult{PatientID: known.ID, OptOut: true}, nil
			}
		}
		return ReplyResult{}, fmt.Errorf("recall: no patient awaiting reply from %s: %w", patients.E164(msg.From), err)
	}
	return s.handleReply(ctx, rec, msg.Body, msg)
}

// HandleInbound lets the service consume queued replies directly.
func (s *Service) HandleInbound(ctx context.Context, msg inbound.Reply) error {
	_, err := s.HandleInboundByPhone(ctx, msg)
	return err
}

var _ inbound.Handler = (*Service)(nil)

func (s *Service) handleReply(ctx context.Context, rec patients.Record, text string, msg inbound.Reply) (ReplyResult, error) {
	res := ReplyResult{PatientID: rec.ID}
	text = strings.TrimSpace(text)

	switch {
	case s.detector.IsStop(text):
		res.OptOut = true
		s.notifier.OptOut(rec)
		s.logger.Info("recall: patient opted out", "patient_id", rec.ID)
		return res, nil
	case s.detector.IsHelp(text):
		res.Help = true
		s.send(messaging.KindHelp, rec, "")
		return res, nil
	}

	in, err := s.classifier.Classify(ctx, rec.ID, text)
	if err != nil {
		s.logger.Warn("recall: classifier failed", "patient_id", rec.ID, "error", err)
		in = intent.Unknown
	}
	res.Intent = in
	s.recordReply(ctx, rec, text, in, msg)

	action, ok := intent.Map(in)
	if !ok {
		s.send(messaging.KindHelp, rec, "")
		s.notifier.UnknownReply(rec, text)
		s.logger.Info("recall: reply needs manual review", "patient_id", rec.ID, "status", rec.Status)
		return res, nil
	}

	if in == intent.Reschedule {
		ctx = withAckKind(ctx, messaging.KindRescheduleAck)
	}
	expect := rec.Status
	for _, event := range action.Events {
		t, err := s.machine.Apply(ctx, lifecycle.Request{
			PatientID: rec.ID,
			Event:     event,
			Actor:     lifecycle.ActorPatient,
			Expect:    expect,
		})
		if err != nil {
			return res, err
		}
		res.Transitions = append(res.Transitions, t)
		expect = t.To
		// The freed slot cascades before a rescheduling patient rejoins the
		// queue, so they can never be offered their own slot back.
		if t.To == patients.StatusCancelled {
			res.Promotion = s.cascade(ctx, t.After)
		}
		if t.To == patients.StatusWaitlisted {
			res.Transitions[len(res.Transitions)-1].After = s.cacheScore(ctx, t.After)
		}
	}
	return res, nil
}

func (s *Service) recordReply(ctx context.Context, rec patients.Record, text string, in intent.Intent, msg inbound.Reply) {
	if s.outbox == nil {
		return
	}
	received := msg.ReceivedAt
	if received.IsZero() {
		received = s.now().UTC()
	}
	s.appendEvent(ctx, events.ReplyReceivedV1{
		MessageID:  msg.MessageID,
		PatientID:  rec.ID,
		FromE164:   patients.E164(rec.Phone),
		Body:       text,
		Intent:     string(in),
		Source:     msg.Source,
		ReceivedAt: received,
	})
}
