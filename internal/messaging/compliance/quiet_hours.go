// Package compliance decides when and whether a patient may be messaged.
package compliance

import (
	"fmt"
	"strings"
	"time"
)

// Purpose separates replies the patient is waiting for (acks, offers) from
// reminders the clinic starts on its own.
type Purpose string

const (
	PurposeTransactional Purpose = "transactional"
	PurposeCourtesy      Purpose = "courtesy"
)

// QuietHours is a daily window, in clinic local time, during which courtesy
// messages are held back. The zero value never suppresses.
type QuietHours struct {
	start time.Duration
	end   time.Duration
	loc   *time.Location
}

// ParseQuietHours reads "HH:MM" bounds in tz. Both empty disables the window.
func ParseQuietHours(start, end, tz string) (QuietHours, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return QuietHours{}, nil
	}
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return QuietHours{}, fmt.Errorf("compliance: quiet hours timezone %q: %w", tz, err)
		}
		loc = l
	}
	from, err := sinceMidnight(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("compliance: quiet hours start: %w", err)
	}
	to, err := sinceMidnight(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("compliance: quiet hours end: %w", err)
	}
	return QuietHours{start: from, end: to, loc: loc}, nil
}

func sinceMidnight(clock string) (time.Duration, error) {
	if clock == "" {
		return 0, fmt.Errorf("missing HH:MM")
	}
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Enabled reports whether the window can suppress anything.
func (q QuietHours) Enabled() bool { return q.loc != nil && q.start != q.end }

// Suppress reports whether a send for purpose must wait at now.
// Transactional sends always go out.
func (q QuietHours) Suppress(now time.Time, purpose Purpose) bool {
	if purpose != PurposeCourtesy {
		return false
	}
	return q.Remaining(now) > 0
}

// Remaining is how long the window stays closed from now; zero when open.
func (q QuietHours) Remaining(now time.Time) time.Duration {
	if !q.Enabled() {
		return 0
	}
	local := now.In(q.loc)
	y, m, d := local.Date()
	tod := local.Sub(time.Date(y, m, d, 0, 0, 0, 0, q.loc))
	const day = 24 * time.Hour
	switch {
	case q.start < q.end:
		if tod >= q.start && tod < q.end {
			return q.end - tod
		}
	case tod >= q.start:
		return day - tod + q.end
	case tod < q.end:
		return q.end - tod
	}
	return 0
}
