package handlers

import (
	"net/http"
)

// Queue lists the ordered queue.
// GET /api/v1/queue?specialty=
func (h *AdminHandler) Queue(w http.ResponseWriter, r *http.Request) {
	specialty := r.URL.Query().Get("specialty")
	entries, err := h.svc.ListQueue(r.Context(), specialty)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"specialty": specialty,
		"count":     len(entries),
		"entries":   entries,
	})
}

// Stats returns the dashboard summary.
// GET /api/v1/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Notifications returns the operator feed.
// GET /api/v1/notifications
func (h *AdminHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": h.svc.Notifications()})
}

// DispatchReminders sends the first reminder to every pending patient.
// POST /api/v1/reminders/dispatch
func (h *AdminHandler) DispatchReminders(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.DispatchPending(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"dispatched": n})
}
