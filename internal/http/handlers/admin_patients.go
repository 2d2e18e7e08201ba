package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/recall-engine/internal/audit"
	"github.com/wolfman30/recall-engine/internal/http/middleware"
	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/internal/notify"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/promotion"
	"github.com/wolfman30/recall-engine/internal/queue"
	"github.com/wolfman30/recall-engine/internal/recall"
	"github.com/wolfman30/recall-engine/internal/scoring"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// RecallService is what the admin API needs from recall.Service.
type RecallService interface {
	Intake(ctx context.Context, req recall.IntakeRequest) (patients.Record, error)
	UpdatePatient(ctx context.Context, id string, req recall.UpdateRequest) (patients.Record, error)
	Get(ctx context.Context, id string) (patients.Record, error)
	EnqueueTransition(ctx context.Context, id string, event lifecycle.Event) (recall.TransitionResult, error)
	OfferSlot(ctx context.Context, id string, slot lifecycle.Slot) (recall.TransitionResult, error)
	HandleReply(ctx context.Context, id, text string) (recall.ReplyResult, error)
	GetScoreBreakdown(ctx context.Context, id string, asOf time.Time) (scoring.Breakdown, error)
	History(ctx context.Context, id string, limit int) ([]audit.Entry, error)
	ListQueue(ctx context.Context, specialty string) ([]queue.Entry, error)
	Stats(ctx context.Context) (recall.Stats, error)
	Notifications() []notify.Notification
	DispatchPending(ctx context.Context) (int, error)
}

// AdminHandler serves the operator API.
type AdminHandler struct {
	svc    RecallService
	logger *logging.Logger
}

func NewAdminHandler(svc RecallService, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{svc: svc, logger: logger}
}

type intakePayload struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	Age             *int   `json:"age"`
	Specialty       string `json:"specialty"`
	ExamType        string `json:"exam_type"`
	AppointmentDate string `json:"appointment_date"`
	AppointmentTime string `json:"appointment_time"`
	ClinicalUrgency bool   `json:"clinical_urgency"`
	VulnerableGroup bool   `json:"vulnerable_group"`
	Waitlist        bool   `json:"waitlist"`
}

type updatePayload struct {
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	Age             int    `json:"age"`
	Specialty       string `json:"specialty"`
	ExamType        string `json:"exam_type"`
	ClinicalUrgency bool   `json:"clinical_urgency"`
	VulnerableGroup bool   `json:"vulnerable_group"`
}

type slotPayload struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

type transitionPayload struct {
	Event string       `json:"event"`
	Slot  *slotPayload `json:"slot,omitempty"`
}

type replyPayload struct {
	Text string `json:"text"`
}

type transitionView struct {
	Patient        patients.Record    `json:"patient"`
	Event          lifecycle.Event    `json:"event"`
	From           patients.Status    `json:"from"`
	To             patients.Status    `json:"to"`
	Actor          string             `json:"actor"`
	At             time.Time          `json:"at"`
	Promotion      *promotion.Outcome `json:"promotion,omitempty"`
	PromotionError string             `json:"promotion_error,omitempty"`
}

func viewOf(t lifecycle.Transition, outcome *promotion.Outcome) transitionView {
	v := transitionView{Patient: t.After, Event: t.Event, From: t.From, To: t.To, Actor: t.Actor, At: t.At, Promotion: outcome}
	if outcome != nil && outcome.Err != nil {
		v.PromotionError = outcome.Err.Error()
	}
	return v
}

// parseDate accepts ISO dates and the dd/mm/yyyy format clinics use.
func parseDate(field, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", "02/01/2006"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, &patients.ValidationError{Field: field, Reason: "must be YYYY-MM-DD or DD/MM/YYYY"}
}

func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin request failed", "path", r.URL.Path, "error", err)
		jsonError(w, "internal error", status)
		return
	}
	jsonError(w, err.Error(), status)
}

// CreatePatient registers a patient.
// POST /api/v1/patients
func (h *AdminHandler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var p intakePayload
	if err := decodeJSON(r, &p); err != nil {
		h.fail(w, r, err)
		return
	}
	day, err := parseDate("appointment_date", p.AppointmentDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err := h.svc.Intake(r.Context(), recall.IntakeRequest{
		ID:              p.ID,
		Name:            p.Name,
		Phone:           p.Phone,
		Age:             p.Age,
		Specialty:       p.Specialty,
		ExamType:        p.ExamType,
		AppointmentDate: day,
		AppointmentTime: p.AppointmentTime,
		ClinicalUrgency: p.ClinicalUrgency,
		VulnerableGroup: p.VulnerableGroup,
		Waitlist:        p.Waitlist,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if op, ok := middleware.OperatorFromContext(r.Context()); ok {
		h.logger.Info("patient registered by operator", "patient_id", rec.ID, "operator", op.Subject)
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetPatient returns one patient.
// GET /api/v1/patients/{id}
func (h *AdminHandler) GetPatient(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdatePatient replaces demographics.
// PUT /api/v1/patients/{id}
func (h *AdminHandler) UpdatePatient(w http.ResponseWriter, r *http.Request) {
	var p updatePayload
	if err := decodeJSON(r, &p); err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err := h.svc.UpdatePatient(r.Context(), chi.URLParam(r, "id"), recall.UpdateRequest(p))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Transition applies a lifecycle event. offer_slot needs a slot.
// POST /api/v1/patients/{id}/transitions
func (h *AdminHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var p transitionPayload
	if err := decodeJSON(r, &p); err != nil {
		h.fail(w, r, err)
		return
	}
	event, err := lifecycle.ParseEvent(p.Event)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")

	var res recall.TransitionResult
	if event == lifecycle.EventOfferSlot {
		if p.Slot == nil {
			h.fail(w, r, &patients.ValidationError{Field: "slot", Reason: "required for offer_slot"})
			return
		}
		day, err := parseDate("slot.date", p.Slot.Date)
		if err != nil || day == nil {
			h.fail(w, r, &patients.ValidationError{Field: "slot.date", Reason: "must be YYYY-MM-DD or DD/MM/YYYY"})
			return
		}
		res, err = h.svc.OfferSlot(r.Context(), id, lifecycle.Slot{Date: *day, Time: strings.TrimSpace(p.Slot.Time)})
		if err != nil {
			h.fail(w, r, err)
			return
		}
	} else {
		res, err = h.svc.EnqueueTransition(r.Context(), id, event)
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, viewOf(res.Transition, res.Promotion))
}

// Reply feeds a patient reply typed in by an operator.
// POST /api/v1/patients/{id}/replies
func (h *AdminHandler) Reply(w http.ResponseWriter, r *http.Request) {
	var p replyPayload
	if err := decodeJSON(r, &p); err != nil {
		h.fail(w, r, err)
		return
	}
	if strings.TrimSpace(p.Text) == "" {
		h.fail(w, r, &patients.ValidationError{Field: "text", Reason: "required"})
		return
	}
	res, err := h.svc.HandleReply(r.Context(), chi.URLParam(r, "id"), p.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]transitionView, 0, len(res.Transitions))
	for _, t := range res.Transitions {
		views = append(views, viewOf(t, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patient_id":  res.PatientID,
		"intent":      res.Intent,
		"transitions": views,
		"promotion":   res.Promotion,
		"opt_out":     res.OptOut,
		"help":        res.Help,
	})
}

// Score returns the breakdown as of ?as_of (today by default).
// GET /api/v1/patients/{id}/score
func (h *AdminHandler) Score(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseDate("as_of", r.URL.Query().Get("as_of"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var at time.Time
	if asOf != nil {
		at = *asOf
	}
	b, err := h.svc.GetScoreBreakdown(r.Context(), chi.URLParam(r, "id"), at)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// History lists applied transitions.
// GET /api/v1/patients/{id}/history
func (h *AdminHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
