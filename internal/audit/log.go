// Package audit keeps an append-only history of applied transitions so
// promotion order can be reconstructed after the fact.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// Entry is one applied transition.
type Entry struct {
	ID        string          `json:"id"`
	PatientID string          `json:"patient_id"`
	Event     string          `json:"event"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Actor     string          `json:"actor"`
	Version   int64           `json:"version"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Filter narrows History.
type Filter struct {
	PatientID string
	Event     string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Recorder stores and lists audit entries.
type Recorder interface {
	Append(ctx context.Context, e Entry) error
	History(ctx context.Context, f Filter) ([]Entry, error)
}

type details struct {
	Slot string `json:"slot,omitempty"`
	// Score is the cached priority at the time of the transition.
	Score int `json:"score,omitempty"`
}

// FromTransition builds the entry for t.
func FromTransition(t lifecycle.Transition) Entry {
	d := details{Slot: t.After.SlotLabel(), Score: t.After.Score}
	if d.Slot == "" {
		d.Slot = t.Before.SlotLabel()
	}
	raw, _ := json.Marshal(d)
	return Entry{
		PatientID: t.After.ID,
		Event:     string(t.Event),
		From:      string(t.From),
		To:        string(t.To),
		Actor:     t.Actor,
		Version:   t.After.Version,
		Details:   raw,
		CreatedAt: t.At,
	}
}

// Effect appends every committed transition to r. Failures are logged; the
// transition itself has already been persisted.
func Effect(r Recorder, logger *logging.Logger) lifecycle.Effect {
	if logger == nil {
		logger = logging.Default()
	}
	return lifecycle.EffectFunc(func(ctx context.Context, t lifecycle.Transition) {
		if err := r.Append(ctx, FromTransition(t)); err != nil {
			logger.Error("audit: append failed", "patient_id", t.After.ID, "event", t.Event, "error", err)
		}
	})
}

// Log is the database/sql recorder over the transition_audit table.
type Log struct {
	db *sql.DB
}

func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

func (l *Log) Append(ctx context.Context, e Entry) error {
	e = withDefaults(e)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO transition_audit (
			id, patient_id, event, from_status, to_status, actor, version, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		e.ID, e.PatientID, e.Event, e.From, e.To, e.Actor, e.Version, nullJSON(e.Details), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// History lists entries oldest first, which is the order they were applied.
func (l *Log) History(ctx context.Context, f Filter) ([]Entry, error) {
	query := `
		SELECT id, patient_id, event, from_status, to_status, actor, version, details, created_at
		FROM transition_audit
		WHERE 1=1
	`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.Event != "" {
		add("event = $%d", f.Event)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	query += " ORDER BY created_at ASC, version ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var raw []byte
		if err := rows.Scan(&e.ID, &e.PatientID, &e.Event, &e.From, &e.To, &e.Actor, &e.Version, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if len(raw) > 0 {
			e.Details = json.RawMessage(raw)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return out, nil
}

// MemoryLog keeps entries in process for deployments without a database.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (m *MemoryLog) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, withDefaults(e))
	return nil
}

func (m *MemoryLog) History(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if f.PatientID != "" && e.PatientID != f.PatientID {
			continue
		}
		if f.Event != "" && e.Event != f.Event {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func withDefaults(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
