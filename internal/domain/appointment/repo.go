package appointment

import (
	"context"

	"github.com/google/uuid"

	"github.com/opd/opd/internal/domain/token"
)

// Repository is the persistence port for appointments.
type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error

	// CountActiveInSlot counts non-cancelled appointments holding the
	// given doctor/date/slot. Used to derive the next token sequence.
	CountActiveInSlot(ctx context.Context, doctorID uuid.UUID, date string, key token.SlotKey) (int, error)

	// ExistsActiveInSlot reports whether any non-cancelled appointment
	// other than excludeID occupies the doctor/date/slot.
	ExistsActiveInSlot(ctx context.Context, doctorID uuid.UUID, date string, key token.SlotKey, excludeID uuid.UUID) (bool, error)

	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Appointment, int, error)

	// ListForDoctorOnDate returns appointments for a doctor's clinic
	// day, optionally filtered to the given statuses.
	ListForDoctorOnDate(ctx context.Context, doctorID uuid.UUID, date string, statuses []Status) ([]*Appointment, error)
}

// EventRepository is the persistence port for the appointment audit trail.
type EventRepository interface {
	Append(ctx context.Context, e *Event) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Event, error)
}
