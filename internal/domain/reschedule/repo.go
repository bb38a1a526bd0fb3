package reschedule

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence port for reschedule requests.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	Update(ctx context.Context, r *Request) error

	// HasOpen reports whether the appointment has a request still in
	// the requested state.
	HasOpen(ctx context.Context, appointmentID uuid.UUID) (bool, error)

	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Request, error)

	// ListByHospital returns requests for a hospital, newest first,
	// optionally filtered by status ("" means all).
	ListByHospital(ctx context.Context, hospitalID uuid.UUID, status Status, limit, offset int) ([]*Request, int, error)
}
