package queue

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence port for queue entries.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)

	// GetByAppointmentAndDate returns the entry for an appointment on a
	// clinic day, or ErrNotFound.
	GetByAppointmentAndDate(ctx context.Context, appointmentID uuid.UUID, date string) (*Entry, error)

	Update(ctx context.Context, e *Entry) error

	// ListForDoctorOnDate returns entries for a doctor's clinic day,
	// optionally filtered to the given statuses, in insertion order.
	ListForDoctorOnDate(ctx context.Context, doctorID uuid.UUID, date string, statuses []Status) ([]*Entry, error)

	// MaxTokenNumber returns the highest arrival ordinal issued for the
	// doctor's day, 0 when the queue is empty.
	MaxTokenNumber(ctx context.Context, doctorID uuid.UUID, date string) (int, error)

	// MaxPosition returns the highest display position for the doctor's
	// day, 0 when the queue is empty.
	MaxPosition(ctx context.Context, doctorID uuid.UUID, date string) (int, error)
}
