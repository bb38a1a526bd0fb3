package directory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role values known to the OPD.
const (
	RoleAdmin        = "admin"
	RoleDoctor       = "doctor"
	RoleReceptionist = "receptionist"
	RolePatient      = "patient"
)

// ErrNotFound is returned when no user matches the given ID.
var ErrNotFound = errors.New("user not found")

// User maps to the opd_user table.
type User struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Role       string     `db:"role" json:"role"`
	HospitalID *uuid.UUID `db:"hospital_id" json:"hospital_id,omitempty"`
	FullName   string     `db:"full_name" json:"full_name"`
	Email      string     `db:"email" json:"email"`
	Phone      string     `db:"phone" json:"phone,omitempty"`
	Active     bool       `db:"active" json:"active"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}
