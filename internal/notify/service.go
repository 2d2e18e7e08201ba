package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/promotion"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// Service turns lifecycle transitions and cascade outcomes into feed
// entries, and emails operators when a cascade fails.
type Service struct {
	feed          *Feed
	email         EmailSender
	operatorEmail string
	emailTimeout  time.Duration
	logger        *logging.Logger
}

// NewService creates the notifier. email may be nil, which disables alerts.
func NewService(feed *Feed, email EmailSender, operatorEmail string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if feed == nil {
		feed = NewFeed(DefaultFeedSize)
	}
	return &Service{
		feed:          feed,
		email:         email,
		operatorEmail: operatorEmail,
		emailTimeout:  10 * time.Second,
		logger:        logger,
	}
}

// Feed exposes the underlying feed.
func (s *Service) Feed() *Feed { return s.feed }

// Recent lists the latest notifications, newest first.
func (s *Service) Recent() []Notification { return s.feed.Recent() }

var _ lifecycle.Effect = (*Service)(nil)
var _ promotion.Reporter = (*Service)(nil)

// AfterTransition records cancellations, confirmations and no-shows.
func (s *Service) AfterTransition(_ context.Context, t lifecycle.Transition) {
	rec := t.After
	switch t.Event {
	case lifecycle.EventCancel:
		s.feed.Add(Notification{
			Kind:      KindCancellation,
			PatientID: rec.ID,
			Specialty: rec.Specialty,
			Message:   fmt.Sprintf("%s cancelou; vaga liberada em %s", rec.Name, rec.SlotLabel()),
			At:        t.At,
		})
	case lifecycle.EventConfirm:
		s.feed.Add(Notification{
			Kind:      KindConfirmed,
			PatientID: rec.ID,
			Specialty: rec.Specialty,
			Message:   fmt.Sprintf("%s confirmou %s", rec.Name, rec.SlotLabel()),
			At:        t.At,
		})
	case lifecycle.EventTimeout:
		s.feed.Add(Notification{
			Kind:      KindNoShow,
			PatientID: rec.ID,
			Specialty: rec.Specialty,
			Message:   fmt.Sprintf("%s não respondeu a tempo", rec.Name),
			At:        t.At,
		})
	}
}

// Report records a cascade outcome. Failed cascades are also emailed.
func (s *Service) Report(ctx context.Context, o promotion.Outcome) {
	switch o.Kind {
	case promotion.OutcomePromoted:
		s.feed.Add(Notification{
			Kind:      KindPromoted,
			PatientID: o.PromotedID,
			Specialty: o.Specialty,
			Message:   fmt.Sprintf("%s convocado(a) para a vaga de %s (pontuação %d)", o.PromotedName, o.Specialty, o.Score),
			At:        o.At,
		})
	case promotion.OutcomeEmpty:
		s.feed.Add(Notification{
			Kind:      KindPromotionEmpty,
			PatientID: o.CancelledID,
			Specialty: o.Specialty,
			Message:   fmt.Sprintf("Fila de %s vazia; vaga liberada por %s sem substituto", o.Specialty, o.CancelledID),
			At:        o.At,
		})
	case promotion.OutcomeFailed:
		n := s.feed.Add(Notification{
			Kind:      KindPromotionFailed,
			PatientID: o.CancelledID,
			Specialty: o.Specialty,
			Message:   failedMessage(o),
			At:        o.At,
		})
		s.alert(ctx, n, o.Err)
	}
}

func failedMessage(o promotion.Outcome) string {
	if o.Attempts == 0 {
		return fmt.Sprintf("Vaga de %s não foi ofertada: falha ao registrar a promoção", o.Specialty)
	}
	return fmt.Sprintf("Falha ao preencher vaga de %s após %d tentativas", o.Specialty, o.Attempts)
}

// UnknownReply records a reply that needs manual review.
func (s *Service) UnknownReply(rec patients.Record, text string) {
	s.feed.Add(Notification{
		Kind:      KindUnknownReply,
		PatientID: rec.ID,
		Specialty: rec.Specialty,
		Message:   fmt.Sprintf("Resposta não reconhecida de %s: %q", rec.Name, truncate(text, 80)),
	})
}

// OptOut records a request to stop messages.
func (s *Service) OptOut(rec patients.Record) {
	s.feed.Add(Notification{
		Kind:      KindOptOut,
		PatientID: rec.ID,
		Specialty: rec.Specialty,
		Message:   fmt.Sprintf("%s pediu para não receber mais mensagens", rec.Name),
	})
}

func (s *Service) alert(ctx context.Context, n Notification, cause error) {
	if s.email == nil || s.operatorEmail == "" {
		return
	}
	body := n.Message
	if cause != nil {
		body += "\n\n" + cause.Error()
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.emailTimeout)
	defer cancel()
	if err := s.email.Send(sendCtx, EmailMessage{
		To:      s.operatorEmail,
		Subject: fmt.Sprintf("[recall] promoção falhou: %s", n.Specialty),
		Body:    body,
	}); err != nil {
		s.logger.Error("notify: operator alert failed", "error", err, "specialty", n.Specialty)
	}
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
