// Package notify keeps the operator notification feed and emails alerts.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notification.
type Kind string

const (
	KindCancellation    Kind = "cancellation"
	KindPromoted        Kind = "promoted"
	KindPromotionEmpty  Kind = "promotion_empty"
	KindPromotionFailed Kind = "promotion_failed"
	KindNoShow          Kind = "no_show"
	KindConfirmed       Kind = "confirmed"
	KindUnknownReply    Kind = "unknown_reply"
	KindOptOut          Kind = "opt_out"
)

// Notification is one entry in the operator feed.
type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	PatientID string    `json:"patient_id,omitempty"`
	Specialty string    `json:"specialty,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// DefaultFeedSize is how many notifications the feed keeps.
const DefaultFeedSize = 10

// Feed is a fixed-size ring of the most recent notifications.
type Feed struct {
	mu    sync.Mutex
	items []Notification
	next  int
	full  bool
}

func NewFeed(size int) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Feed{items: make([]Notification, size)}
}

// Add stores n, evicting the oldest entry when the feed is full.
func (f *Feed) Add(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[f.next] = n
	f.next = (f.next + 1) % len(f.items)
	if f.next == 0 {
		f.full = true
	}
	return n
}

// Recent returns the stored notifications, newest first.
func (f *Feed) Recent() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := f.next
	if f.full {
		count = len(f.items)
	}
	out := make([]Notification, 0, count)
	for i := 1; i <= count; i++ {
		idx := (f.next - i + len(f.items)) % len(f.items)
		out = append(out, f.items[idx])
	}
	return out
}
