package patients

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists patient records. Implementations return copies so a reader
// never observes a record mid-write.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	Insert(ctx context.Context, rec Record) (Record, error)
	Upsert(ctx context.Context, rec Record) (Record, error)
	ListByStatus(ctx context.Context, status Status) ([]Record, error)
	FindByPhone(ctx context.Context, phone string, statuses ...Status) (Record, error)
	// CompareAndSwap applies mutate only when the stored status equals
	// expected. It returns ErrRaceLost otherwise.
	CompareAndSwap(ctx context.Context, id string, expected Status, mutate func(*Record) error) (Record, error)
	SetScore(ctx context.Context, id string, score int) error
}

// MemoryStore is an in-process Store guarded by a single RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source (tests).
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	if now != nil {
		s.now = now
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) (Record, error) {
	rec = rec.Clone()
	rec.Phone = NormalizePhone(rec.Phone)
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	return s.insertLocked(rec), nil
}

func (s *MemoryStore) insertLocked(rec Record) Record {
	now := s.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Version = 1
	s.records[rec.ID] = rec
	return rec.Clone()
}

// Upsert inserts a new record or replaces the demographic fields of an
// existing one. Status and enrollment date are left to CompareAndSwap.
func (s *MemoryStore) Upsert(_ context.Context, rec Record) (Record, error) {
	rec = rec.Clone()
	rec.Phone = NormalizePhone(rec.Phone)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.records[rec.ID]
	if !exists {
		if err := rec.Validate(); err != nil {
			return Record{}, err
		}
		return s.insertLocked(rec), nil
	}
	if rec.Status != "" && rec.Status != current.Status {
		return Record{}, ErrStatusImmutable
	}
	rec.Status = current.Status
	rec.QueueEnrollmentDate = cloneTime(current.QueueEnrollmentDate)
	rec.SentAt = cloneTime(current.SentAt)
	rec.Score = current.Score
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = current.CreatedAt
	rec.UpdatedAt = s.now().UTC()
	rec.Version = current.Version + 1
	s.records[rec.ID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0)
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) FindByPhone(_ context.Context, phone string, statuses ...Status) (Record, error) {
	phone = NormalizePhone(phone)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []Record
	for _, rec := range s.records {
		if !PhonesMatch(rec.Phone, phone) {
			continue
		}
		if len(statuses) > 0 && !statusIn(rec.Status, statuses) {
			continue
		}
		matches = append(matches, rec)
	}
	if len(matches) == 0 {
		return Record{}, fmt.Errorf("%w: phone %s", ErrNotFound, phone)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].UpdatedAt.Equal(matches[j].UpdatedAt) {
			return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	return matches[0].Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, id string, expected Status, mutate func(*Record) error) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current.Status != expected {
		return Record{}, fmt.Errorf("%w: %s is %s, expected %s", ErrRaceLost, id, current.Status, expected)
	}
	next := current.Clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return Record{}, err
		}
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if err := next.Validate(); err != nil {
		return Record{}, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = s.now().UTC()
	s.records[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) SetScore(_ context.Context, id string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.Score = score
	s.records[id] = rec
	return nil
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
