package notification

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Contact is a resolved notification target.
type Contact struct {
	UserID uuid.UUID
	Name   string
	Email  string
	Phone  string
}

// Directory resolves user IDs to contacts. Implemented by the user
// directory service.
type Directory interface {
	ContactForUser(ctx context.Context, id uuid.UUID) (Contact, error)
	StaffContacts(ctx context.Context, hospitalID uuid.UUID) ([]Contact, error)
}

// Dispatcher turns domain-level "notify this user" calls into rendered
// template sends. Every failure is logged and swallowed; callers treat
// dispatch as fire-and-forget.
type Dispatcher struct {
	manager   *Manager
	directory Directory
	logger    zerolog.Logger
}

func NewDispatcher(manager *Manager, directory Directory, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{manager: manager, directory: directory, logger: logger}
}

// NotifyUser renders templateID and sends it to the user's contact
// address. SMS templates go to the phone, email templates to the
// mailbox. Users without the needed address are skipped.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID uuid.UUID, templateID string, data map[string]string) {
	contact, err := d.directory.ContactForUser(ctx, userID)
	if err != nil {
		d.logger.Warn().Err(err).Str("user_id", userID.String()).Str("template", templateID).
			Msg("notification contact lookup failed")
		return
	}
	d.send(ctx, contact, templateID, data)
}

// NotifyHospitalStaff fans templateID out to every reception desk
// contact of the hospital.
func (d *Dispatcher) NotifyHospitalStaff(ctx context.Context, hospitalID uuid.UUID, templateID string, data map[string]string) {
	contacts, err := d.directory.StaffContacts(ctx, hospitalID)
	if err != nil {
		d.logger.Warn().Err(err).Str("hospital_id", hospitalID.String()).Str("template", templateID).
			Msg("staff contact lookup failed")
		return
	}
	for _, contact := range contacts {
		d.send(ctx, contact, templateID, data)
	}
}

func (d *Dispatcher) send(ctx context.Context, contact Contact, templateID string, data map[string]string) {
	recipient := contact.Email
	if d.manager.templates.templateType(templateID) == TypeSMS {
		recipient = contact.Phone
	}
	if recipient == "" {
		d.logger.Debug().Str("user_id", contact.UserID.String()).Str("template", templateID).
			Msg("no recipient address, skipping notification")
		return
	}
	if _, err := d.manager.SendFromTemplate(ctx, templateID, data, recipient); err != nil {
		d.logger.Warn().Err(err).Str("template", templateID).Str("recipient", recipient).
			Msg("notification send failed")
	}
}
