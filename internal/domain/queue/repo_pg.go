package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opd/opd/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the PostgreSQL-backed queue repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const entryCols = `id, appointment_id, patient_id, doctor_id, hospital_id, queue_date,
	token_number, token_identifier, position, status, checked_in_at,
	called_at, started_at, completed_at, created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.AppointmentID, &e.PatientID, &e.DoctorID, &e.HospitalID, &e.QueueDate,
		&e.TokenNumber, &e.TokenIdentifier, &e.Position, &e.Status, &e.CheckedInAt,
		&e.CalledAt, &e.StartedAt, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO opd_queue_entry (
		id, appointment_id, patient_id, doctor_id, hospital_id, queue_date,
		token_number, token_identifier, position, status, checked_in_at,
		called_at, started_at, completed_at, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		e.ID, e.AppointmentID, e.PatientID, e.DoctorID, e.HospitalID, e.QueueDate,
		e.TokenNumber, e.TokenIdentifier, e.Position, e.Status, e.CheckedInAt,
		e.CalledAt, e.StartedAt, e.CompletedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM opd_queue_entry WHERE id = $1`, entryCols), id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return e, nil
}

func (r *repoPG) GetByAppointmentAndDate(ctx context.Context, appointmentID uuid.UUID, date string) (*Entry, error) {
	row := r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM opd_queue_entry WHERE appointment_id = $1 AND queue_date = $2`, entryCols),
		appointmentID, date)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get queue entry by appointment: %w", err)
	}
	return e, nil
}

func (r *repoPG) Update(ctx context.Context, e *Entry) error {
	e.UpdatedAt = time.Now()
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE opd_queue_entry SET
		position=$2, status=$3, called_at=$4, started_at=$5, completed_at=$6, updated_at=$7
		WHERE id=$1`,
		e.ID, e.Position, e.Status, e.CalledAt, e.StartedAt, e.CompletedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListForDoctorOnDate(ctx context.Context, doctorID uuid.UUID, date string, statuses []Status) ([]*Entry, error) {
	q := fmt.Sprintf(`SELECT %s FROM opd_queue_entry WHERE doctor_id = $1 AND queue_date = $2`, entryCols)
	args := []interface{}{doctorID, date}
	if len(statuses) > 0 {
		q += ` AND status = ANY($3)`
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		args = append(args, ss)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

func (r *repoPG) MaxTokenNumber(ctx context.Context, doctorID uuid.UUID, date string) (int, error) {
	var max int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(token_number), 0) FROM opd_queue_entry
		 WHERE doctor_id = $1 AND queue_date = $2`, doctorID, date).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max token number: %w", err)
	}
	return max, nil
}

func (r *repoPG) MaxPosition(ctx context.Context, doctorID uuid.UUID, date string) (int, error) {
	var max int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM opd_queue_entry
		 WHERE doctor_id = $1 AND queue_date = $2`, doctorID, date).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max position: %w", err)
	}
	return max, nil
}
