package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the serving state of a queue entry.
type Status string

const (
	StatusWaiting        Status = "waiting"
	StatusCalled         Status = "called"
	StatusInConsultation Status = "in_consultation"
	StatusCompleted      Status = "completed"
	StatusNoShow         Status = "no_show"
)

// ErrNotFound is returned when no queue entry matches.
var ErrNotFound = errors.New("queue entry not found")

// ErrStateConflict is returned when a serving transition is not legal
// from the entry's current status.
var ErrStateConflict = errors.New("operation not allowed in current queue status")

// Entry maps to the opd_queue_entry table. One entry per appointment
// per clinic day, created at check-in.
type Entry struct {
	ID            uuid.UUID `db:"id" json:"id"`
	AppointmentID uuid.UUID `db:"appointment_id" json:"appointment_id"`
	PatientID     uuid.UUID `db:"patient_id" json:"patient_id"`
	DoctorID      uuid.UUID `db:"doctor_id" json:"doctor_id"`
	HospitalID    uuid.UUID `db:"hospital_id" json:"hospital_id"`

	// QueueDate is the clinic day in the hospital's local calendar,
	// "2006-01-02". Derived from the appointment's visit date, never
	// from a UTC conversion of the check-in instant.
	QueueDate string `db:"queue_date" json:"queue_date"`

	// TokenNumber is the day-wide arrival ordinal for the doctor.
	TokenNumber int `db:"token_number" json:"token_number"`
	// TokenIdentifier is the slot token carried over from the
	// appointment, e.g. "9A-01". Empty for pre-token rows.
	TokenIdentifier string `db:"token_identifier" json:"token_identifier,omitempty"`

	// Position is a display ordinal mutated by reorder and skip. The
	// serving order read path sorts by slot and arrival instead and
	// does not consult it.
	Position int `db:"position" json:"position"`

	Status      Status     `db:"status" json:"status"`
	CheckedInAt time.Time  `db:"checked_in_at" json:"checked_in_at"`
	CalledAt    *time.Time `db:"called_at" json:"called_at,omitempty"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsServed reports whether the entry has left the active queue.
func (e *Entry) IsServed() bool {
	return e.Status == StatusCompleted || e.Status == StatusNoShow
}
