package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opd/opd/internal/domain/token"
	"github.com/opd/opd/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// listRetries is how many times hospital-wide listings are retried on
// transient connection errors before giving up.
const listRetries = 3

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the PostgreSQL-backed appointment repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, patient_id, doctor_id, hospital_id, visit_date, visit_time,
	time_slot, slot_key, appt_type, status, priority, reason, notes, token_identifier, token_number,
	confirmed_at, checked_in_at, completed_at, cancelled_at, cancel_reason,
	rescheduled_at, rescheduled_from_date, rescheduled_from_slot, reschedule_reason,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.HospitalID, &a.Date, &a.Time,
		&a.TimeSlot, &a.SlotKey, &a.Type, &status, &a.Priority, &a.Reason, &a.Notes, &a.TokenIdentifier, &a.TokenNumber,
		&a.ConfirmedAt, &a.CheckedInAt, &a.CompletedAt, &a.CancelledAt, &a.CancelReason,
		&a.RescheduledAt, &a.RescheduledFromDate, &a.RescheduledFromSlot, &a.RescheduleReason,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = NormalizeStatus(status)
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO appointment (
		id, patient_id, doctor_id, hospital_id, visit_date, visit_time,
		time_slot, slot_key, appt_type, status, priority, reason, notes, token_identifier, token_number,
		confirmed_at, checked_in_at, completed_at, cancelled_at, cancel_reason,
		rescheduled_at, rescheduled_from_date, rescheduled_from_slot, reschedule_reason,
		created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		a.ID, a.PatientID, a.DoctorID, a.HospitalID, a.Date, a.Time,
		a.TimeSlot, a.SlotKey, a.Type, a.Status, a.Priority, a.Reason, a.Notes, a.TokenIdentifier, a.TokenNumber,
		a.ConfirmedAt, a.CheckedInAt, a.CompletedAt, a.CancelledAt, a.CancelReason,
		a.RescheduledAt, a.RescheduledFromDate, a.RescheduledFromSlot, a.RescheduleReason,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM appointment WHERE id = $1`, apptCols), id)
	a, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (r *repoPG) Update(ctx context.Context, a *Appointment) error {
	a.UpdatedAt = time.Now()
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE appointment SET
		visit_date=$2, visit_time=$3, time_slot=$4, slot_key=$5, status=$6,
		priority=$7, reason=$8, notes=$9, token_identifier=$10, token_number=$11,
		confirmed_at=$12, checked_in_at=$13, completed_at=$14, cancelled_at=$15, cancel_reason=$16,
		rescheduled_at=$17, rescheduled_from_date=$18, rescheduled_from_slot=$19, reschedule_reason=$20,
		updated_at=$21
		WHERE id=$1`,
		a.ID, a.Date, a.Time, a.TimeSlot, a.SlotKey, a.Status,
		a.Priority, a.Reason, a.Notes, a.TokenIdentifier, a.TokenNumber,
		a.ConfirmedAt, a.CheckedInAt, a.CompletedAt, a.CancelledAt, a.CancelReason,
		a.RescheduledAt, a.RescheduledFromDate, a.RescheduledFromSlot, a.RescheduleReason,
		a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) CountActiveInSlot(ctx context.Context, doctorID uuid.UUID, date string, key token.SlotKey) (int, error) {
	var count int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointment
		 WHERE doctor_id = $1 AND visit_date = $2 AND slot_key = $3 AND status <> 'cancelled'`,
		doctorID, date, key.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count slot occupancy: %w", err)
	}
	return count, nil
}

func (r *repoPG) ExistsActiveInSlot(ctx context.Context, doctorID uuid.UUID, date string, key token.SlotKey, excludeID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM appointment
			WHERE doctor_id = $1 AND visit_date = $2 AND slot_key = $3
			  AND status <> 'cancelled' AND id <> $4
		)`,
		doctorID, date, key.String(), excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check slot occupancy: %w", err)
	}
	return exists, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.listBy(ctx, "patient_id", patientID, limit, offset)
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.listBy(ctx, "doctor_id", doctorID, limit, offset)
}

// ListByHospital serves the hospital-wide dashboard listing. A freshly
// woken pool occasionally surfaces a transient connection error on the
// first query, so safe-to-retry failures are retried a few times.
func (r *repoPG) ListByHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var (
		appts []*Appointment
		total int
		err   error
	)
	for attempt := 0; attempt < listRetries; attempt++ {
		appts, total, err = r.listBy(ctx, "hospital_id", hospitalID, limit, offset)
		if err == nil || !pgconn.SafeToRetry(err) {
			return appts, total, err
		}
	}
	return appts, total, err
}

func (r *repoPG) listBy(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM appointment WHERE %s = $1`, column)
	if err := r.conn(ctx).QueryRow(ctx, countQ, id).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM appointment WHERE %s = $1
		ORDER BY visit_date DESC, visit_time DESC LIMIT $2 OFFSET $3`, apptCols, column)
	rows, err := r.conn(ctx).Query(ctx, q, id, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var appts []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan appointment: %w", err)
		}
		appts = append(appts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate appointments: %w", err)
	}
	return appts, total, nil
}

func (r *repoPG) ListForDoctorOnDate(ctx context.Context, doctorID uuid.UUID, date string, statuses []Status) ([]*Appointment, error) {
	q := fmt.Sprintf(`SELECT %s FROM appointment WHERE doctor_id = $1 AND visit_date = $2`, apptCols)
	args := []interface{}{doctorID, date}
	if len(statuses) > 0 {
		q += ` AND status = ANY($3)`
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		args = append(args, ss)
	}
	q += ` ORDER BY visit_time ASC`

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments for date: %w", err)
	}
	defer rows.Close()

	var appts []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		appts = append(appts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}
	return appts, nil
}

// =========== Event Repository ===========

type eventRepoPG struct{ pool *pgxpool.Pool }

// NewEventRepoPG returns the PostgreSQL-backed audit trail repository.
func NewEventRepoPG(pool *pgxpool.Pool) EventRepository { return &eventRepoPG{pool: pool} }

func (r *eventRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *eventRepoPG) Append(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now()
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO appointment_event (
		id, appointment_id, action, actor_id, from_status, to_status, detail, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.AppointmentID, e.Action, e.ActorID, e.FromStatus, e.ToStatus, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment event: %w", err)
	}
	return nil
}

func (r *eventRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT
		id, appointment_id, action, actor_id, from_status, to_status, detail, created_at
		FROM appointment_event WHERE appointment_id = $1 ORDER BY created_at ASC`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list appointment events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AppointmentID, &e.Action, &e.ActorID,
			&e.FromStatus, &e.ToStatus, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan appointment event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointment events: %w", err)
	}
	return events, nil
}
