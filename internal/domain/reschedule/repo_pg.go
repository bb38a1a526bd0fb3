package reschedule

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

// NewRepoPG returns the PostgreSQL-backed reschedule request repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const reqCols = `id, appointment_id, hospital_id, requested_by, current_date_val, current_slot,
	new_date, new_time, new_slot, reason, status, reviewed_by, reviewed_at, rejection_reason,
	created_at, updated_at`

func scanRequest(row pgx.Row) (*Request, error) {
	var req Request
	err := row.Scan(&req.ID, &req.AppointmentID, &req.HospitalID, &req.RequestedBy,
		&req.CurrentDate, &req.CurrentSlot, &req.NewDate, &req.NewTime, &req.NewSlot,
		&req.Reason, &req.Status, &req.ReviewedBy, &req.ReviewedAt, &req.RejectionReason,
		&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *repoPG) Create(ctx context.Context, req *Request) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now

	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO reschedule_request (
		id, appointment_id, hospital_id, requested_by, current_date_val, current_slot,
		new_date, new_time, new_slot, reason, status, reviewed_by, reviewed_at, rejection_reason,
		created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		req.ID, req.AppointmentID, req.HospitalID, req.RequestedBy, req.CurrentDate, req.CurrentSlot,
		req.NewDate, req.NewTime, req.NewSlot, req.Reason, req.Status,
		req.ReviewedBy, req.ReviewedAt, req.RejectionReason, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reschedule request: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	row := r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM reschedule_request WHERE id = $1`, reqCols), id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get reschedule request: %w", err)
	}
	return req, nil
}

func (r *repoPG) Update(ctx context.Context, req *Request) error {
	req.UpdatedAt = time.Now()
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE reschedule_request SET
		status=$2, reviewed_by=$3, reviewed_at=$4, rejection_reason=$5, updated_at=$6
		WHERE id=$1`,
		req.ID, req.Status, req.ReviewedBy, req.ReviewedAt, req.RejectionReason, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update reschedule request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) HasOpen(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM reschedule_request
			WHERE appointment_id = $1 AND status = 'requested'
		)`, appointmentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open reschedule request: %w", err)
	}
	return exists, nil
}

func (r *repoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Request, error) {
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM reschedule_request WHERE appointment_id = $1 ORDER BY created_at DESC`, reqCols),
		appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list reschedule requests: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *repoPG) ListByHospital(ctx context.Context, hospitalID uuid.UUID, status Status, limit, offset int) ([]*Request, int, error) {
	countQ := `SELECT COUNT(*) FROM reschedule_request WHERE hospital_id = $1`
	listQ := fmt.Sprintf(`SELECT %s FROM reschedule_request WHERE hospital_id = $1`, reqCols)
	args := []interface{}{hospitalID}

	if status != "" {
		countQ += ` AND status = $2`
		listQ += ` AND status = $2`
		args = append(args, string(status))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reschedule requests: %w", err)
	}

	listQ += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, listQ, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reschedule requests: %w", err)
	}
	defer rows.Close()

	reqs, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return reqs, total, nil
}

func collect(rows pgx.Rows) ([]*Request, error) {
	var reqs []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reschedule request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reschedule requests: %w", err)
	}
	return reqs, nil
}
