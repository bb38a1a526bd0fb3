package reschedule

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the review state of a reschedule request.
type Status string

const (
	StatusRequested Status = "requested"
	StatusApproved  Status = "approved"
	StatusApplied   Status = "applied"
	StatusRejected  Status = "rejected"
)

// ErrNotFound is returned when no request matches the given ID.
var ErrNotFound = errors.New("reschedule request not found")

// ErrStateConflict is returned when a request is reviewed twice or the
// appointment is not eligible for rescheduling.
var ErrStateConflict = errors.New("operation not allowed in current request status")

// ErrOpenRequest is returned when the appointment already has an
// unreviewed request.
var ErrOpenRequest = errors.New("appointment already has an open reschedule request")

// Request maps to the reschedule_request table. It records a patient's
// proposed slot move awaiting reception review.
type Request struct {
	ID            uuid.UUID `db:"id" json:"id"`
	AppointmentID uuid.UUID `db:"appointment_id" json:"appointment_id"`
	HospitalID    uuid.UUID `db:"hospital_id" json:"hospital_id"`
	RequestedBy   uuid.UUID `db:"requested_by" json:"requested_by"`

	CurrentDate string `db:"current_date_val" json:"current_date"`
	CurrentSlot string `db:"current_slot" json:"current_slot"`
	NewDate     string `db:"new_date" json:"new_date"`
	NewTime     string `db:"new_time" json:"new_time"`
	NewSlot     string `db:"new_slot" json:"new_slot"`
	Reason      string `db:"reason" json:"reason"`

	Status          Status     `db:"status" json:"status"`
	ReviewedBy      *uuid.UUID `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	RejectionReason *string    `db:"rejection_reason" json:"rejection_reason,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
