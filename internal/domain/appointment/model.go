package appointment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending        Status = "pending"
	StatusConfirmed      Status = "confirmed"
	StatusCheckedIn      Status = "checked-in"
	StatusInConsultation Status = "in_consultation"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// NormalizeStatus folds legacy stored spellings into the canonical set.
// Older rows carry "attended" or "checked" where "checked-in" is meant.
func NormalizeStatus(s string) Status {
	switch s {
	case "attended", "checked", "checked-in":
		return StatusCheckedIn
	default:
		return Status(s)
	}
}

// Type distinguishes how the appointment was created.
type Type string

const (
	TypeOnline Type = "online"
	TypeWalkIn Type = "walk-in"
)

// Appointment maps to the appointment table.
type Appointment struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	DoctorID   uuid.UUID `db:"doctor_id" json:"doctor_id"`
	HospitalID uuid.UUID `db:"hospital_id" json:"hospital_id"`

	Date     string `db:"visit_date" json:"date"`      // clinic day, "2006-01-02"
	Time     string `db:"visit_time" json:"time"`      // requested start, "HH:mm"
	TimeSlot string `db:"time_slot" json:"time_slot"`  // display slot, may be a range
	SlotKey  string `db:"slot_key" json:"slot_key"`    // 30-minute bucket, e.g. "9A"

	Type     Type   `db:"appt_type" json:"type"`
	Status   Status `db:"status" json:"status"`
	Priority int    `db:"priority" json:"priority"`
	Reason   string `db:"reason" json:"reason"`
	Notes    string `db:"notes" json:"notes,omitempty"`

	TokenIdentifier string `db:"token_identifier" json:"token_identifier,omitempty"`
	// TokenNumber is the legacy sequential display number assigned at
	// arrival. Callers must not order the queue by it.
	TokenNumber *int `db:"token_number" json:"token_number,omitempty"`

	ConfirmedAt  *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CheckedInAt  *time.Time `db:"checked_in_at" json:"checked_in_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt  *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancelReason *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`

	RescheduledAt       *time.Time `db:"rescheduled_at" json:"rescheduled_at,omitempty"`
	RescheduledFromDate *string    `db:"rescheduled_from_date" json:"rescheduled_from_date,omitempty"`
	RescheduledFromSlot *string    `db:"rescheduled_from_slot" json:"rescheduled_from_slot,omitempty"`
	RescheduleReason    *string    `db:"reschedule_reason" json:"reschedule_reason,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the appointment still occupies its slot.
// Cancelled appointments release capacity; everything else holds it.
func (a *Appointment) IsActive() bool {
	return a.Status != StatusCancelled
}

// Event is an append-only audit record of a lifecycle transition.
type Event struct {
	ID            uuid.UUID `db:"id" json:"id"`
	AppointmentID uuid.UUID `db:"appointment_id" json:"appointment_id"`
	Action        string    `db:"action" json:"action"`
	ActorID       uuid.UUID `db:"actor_id" json:"actor_id"`
	FromStatus    string    `db:"from_status" json:"from_status"`
	ToStatus      string    `db:"to_status" json:"to_status"`
	Detail        string    `db:"detail" json:"detail,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Lifecycle event actions.
const (
	EventBooked      = "booked"
	EventConfirmed   = "confirmed"
	EventCheckedIn   = "checked_in"
	EventStarted     = "consultation_started"
	EventCompleted   = "completed"
	EventCancelled   = "cancelled"
	EventRescheduled = "rescheduled"
)
