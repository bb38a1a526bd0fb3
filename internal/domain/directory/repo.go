package directory

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence port for users.
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	Update(ctx context.Context, u *User) error

	// ListByRole returns active users with the given role, scoped to a
	// hospital when hospitalID is non-nil.
	ListByRole(ctx context.Context, role string, hospitalID *uuid.UUID, limit, offset int) ([]*User, int, error)
}
