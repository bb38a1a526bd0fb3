package directory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/opd/opd/internal/platform/notification"
)

var validRoles = map[string]bool{
	RoleAdmin:        true,
	RoleDoctor:       true,
	RoleReceptionist: true,
	RolePatient:      true,
}

// Service exposes user lookups. It also backs the notification
// dispatcher's contact resolution.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Create(ctx context.Context, u *User) error {
	if u.FullName == "" {
		return fmt.Errorf("full_name is required")
	}
	if u.Email == "" {
		return fmt.Errorf("email is required")
	}
	if !validRoles[u.Role] {
		return fmt.Errorf("invalid role: %s", u.Role)
	}
	u.Active = true
	return s.repo.Create(ctx, u)
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByRole(ctx context.Context, role string, hospitalID *uuid.UUID, limit, offset int) ([]*User, int, error) {
	if !validRoles[role] {
		return nil, 0, fmt.Errorf("invalid role: %s", role)
	}
	return s.repo.ListByRole(ctx, role, hospitalID, limit, offset)
}

// ContactForUser resolves a user's notification contact.
func (s *Service) ContactForUser(ctx context.Context, id uuid.UUID) (notification.Contact, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return notification.Contact{}, err
	}
	return notification.Contact{UserID: u.ID, Name: u.FullName, Email: u.Email, Phone: u.Phone}, nil
}

// StaffContacts resolves a hospital's reception desk contacts.
func (s *Service) StaffContacts(ctx context.Context, hospitalID uuid.UUID) ([]notification.Contact, error) {
	users, _, err := s.repo.ListByRole(ctx, RoleReceptionist, &hospitalID, 100, 0)
	if err != nil {
		return nil, err
	}
	contacts := make([]notification.Contact, 0, len(users))
	for _, u := range users {
		contacts = append(contacts, notification.Contact{UserID: u.ID, Name: u.FullName, Email: u.Email, Phone: u.Phone})
	}
	return contacts, nil
}
