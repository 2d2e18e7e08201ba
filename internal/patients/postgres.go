package patients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx pool so the store can be driven by pgxmock.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const patientColumns = `id, name, phone, age, specialty, exam_type, appointment_date, appointment_time,
	status, queue_enrollment_date, clinical_urgency, vulnerable_group, score, sent_at, version, created_at, updated_at`

// PostgresStore persists records in the patients table.
type PostgresStore struct {
	db  DB
	now func() time.Time
}

// NewPostgresStore wraps a pgx pool (or anything satisfying DB).
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("patients: get: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) (Record, error) {
	rec = rec.Clone()
	rec.Phone = NormalizePhone(rec.Phone)
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	now := s.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Version = 1

	tag, err := s.db.Exec(ctx, `
		INSERT INTO patients (`+patientColumns+`, phone_national)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Name, rec.Phone, rec.Age, rec.Specialty, rec.ExamType,
		rec.AppointmentDate, rec.AppointmentTime, string(rec.Status), rec.QueueEnrollmentDate,
		rec.ClinicalUrgency, rec.VulnerableGroup, rec.Score, rec.SentAt,
		rec.Version, rec.CreatedAt, rec.UpdatedAt, NationalNumber(rec.Phone),
	)
	if err != nil {
		return Record{}, fmt.Errorf("patients: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	return rec, nil
}

// Upsert inserts the record or refreshes its demographic fields. The status
// column is only compared, never written, on the update path.
func (s *PostgresStore) Upsert(ctx context.Context, rec Record) (Record, error) {
	rec = rec.Clone()
	rec.Phone = NormalizePhone(rec.Phone)
	if err := rec.ValidateDemographics(); err != nil {
		return Record{}, err
	}
	if rec.Status == "" {
		current, err := s.Get(ctx, rec.ID)
		switch {
		case err == nil:
			rec.Status = current.Status
			rec.QueueEnrollmentDate = current.QueueEnrollmentDate
		case errors.Is(err, ErrNotFound):
			return Record{}, &ValidationError{Field: "status", Reason: "required for new patients"}
		default:
			return Record{}, err
		}
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	now := s.now().UTC()

	row := s.db.QueryRow(ctx, `
		INSERT INTO patients (`+patientColumns+`, phone_national)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			phone_national = EXCLUDED.phone_national,
			age = EXCLUDED.age,
			specialty = EXCLUDED.specialty,
			exam_type = EXCLUDED.exam_type,
			appointment_date = EXCLUDED.appointment_date,
			appointment_time = EXCLUDED.appointment_time,
			clinical_urgency = EXCLUDED.clinical_urgency,
			vulnerable_group = EXCLUDED.vulnerable_group,
			version = patients.version + 1,
			updated_at = EXCLUDED.updated_at
		WHERE patients.status = EXCLUDED.status
		RETURNING `+patientColumns,
		rec.ID, rec.Name, rec.Phone, rec.Age, rec.Specialty, rec.ExamType,
		rec.AppointmentDate, rec.AppointmentTime, string(rec.Status), rec.QueueEnrollmentDate,
		rec.ClinicalUrgency, rec.VulnerableGroup, rec.Score, rec.SentAt,
		now, NationalNumber(rec.Phone),
	)
	saved, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrStatusImmutable
	}
	if err != nil {
		return Record{}, fmt.Errorf("patients: upsert: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE status = $1
		ORDER BY id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("patients: list by status: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// FindByPhone returns the most recently updated patient whose number matches
// and whose status is in statuses (any status when empty).
func (s *PostgresStore) FindByPhone(ctx context.Context, phone string, statuses ...Status) (Record, error) {
	national := NationalNumber(phone)
	if national == "" {
		return Record{}, fmt.Errorf("%w: empty phone", ErrNotFound)
	}
	filter := make([]string, 0, len(statuses))
	for _, st := range statuses {
		filter = append(filter, string(st))
	}
	row := s.db.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE phone_national = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY updated_at DESC, id ASC
		LIMIT 1`, national, filter)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: phone %s", ErrNotFound, phone)
	}
	if err != nil {
		return Record{}, fmt.Errorf("patients: find by phone: %w", err)
	}
	return rec, nil
}

// CompareAndSwap locks the row, checks the status, applies mutate and writes
// the result guarded by the previous version.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, id string, expected Status, mutate func(*Record) error) (Record, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("patients: begin cas: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanRecord(tx.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("patients: lock: %w", err)
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
	next.Phone = NormalizePhone(next.Phone)
	if err := next.Validate(); err != nil {
		return Record{}, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = s.now().UTC()

	tag, err := tx.Exec(ctx, `
		UPDATE patients SET
			name = $3, phone = $4, phone_national = $5, age = $6, specialty = $7, exam_type = $8,
			appointment_date = $9, appointment_time = $10, status = $11, queue_enrollment_date = $12,
			clinical_urgency = $13, vulnerable_group = $14, score = $15, sent_at = $16,
			version = $17, updated_at = $18
		WHERE id = $1 AND version = $2`,
		id, current.Version,
		next.Name, next.Phone, NationalNumber(next.Phone), next.Age, next.Specialty, next.ExamType,
		next.AppointmentDate, next.AppointmentTime, string(next.Status), next.QueueEnrollmentDate,
		next.ClinicalUrgency, next.VulnerableGroup, next.Score, next.SentAt,
		next.Version, next.UpdatedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("patients: cas update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Record{}, fmt.Errorf("%w: %s version moved", ErrRaceLost, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("patients: commit cas: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) SetScore(ctx context.Context, id string, score int) error {
	tag, err := s.db.Exec(ctx, `UPDATE patients SET score = $1 WHERE id = $2`, score, id)
	if err != nil {
		return fmt.Errorf("patients: set score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var status string
	err := row.Scan(
		&rec.ID, &rec.Name, &rec.Phone, &rec.Age, &rec.Specialty, &rec.ExamType,
		&rec.AppointmentDate, &rec.AppointmentTime,
		&status, &rec.QueueEnrollmentDate,
		&rec.ClinicalUrgency, &rec.VulnerableGroup, &rec.Score, &rec.SentAt,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	return rec, nil
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	result := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("patients: scan: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}
