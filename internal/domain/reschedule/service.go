package reschedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/domain/appointment"
)

// Lifecycle is the slice of the appointment service the workflow uses.
type Lifecycle interface {
	GetByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, in appointment.RescheduleInput, actorID uuid.UUID) (*appointment.Appointment, error)
	SlotAvailable(ctx context.Context, doctorID uuid.UUID, date, timeStr, slot string, excludeID uuid.UUID) (bool, error)
}

// Notifier delivers best-effort notifications.
type Notifier interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, template string, data map[string]string)
	NotifyHospitalStaff(ctx context.Context, hospitalID uuid.UUID, template string, data map[string]string)
}

// Service runs the patient-initiated reschedule review workflow.
type Service struct {
	repo      Repository
	lifecycle Lifecycle
	notifier  Notifier
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, lifecycle Lifecycle, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		lifecycle: lifecycle,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetClock overrides the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateInput is the patient's proposed slot move.
type CreateInput struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	NewDate       string    `json:"new_date"`
	NewTime       string    `json:"new_time"`
	NewSlot       string    `json:"new_slot"`
	Reason        string    `json:"reason"`
}

func (in *CreateInput) validate() error {
	var missing []string
	if in.AppointmentID == uuid.Nil {
		missing = append(missing, "appointment_id")
	}
	if in.NewDate == "" {
		missing = append(missing, "new_date")
	} else if _, err := time.Parse("2006-01-02", in.NewDate); err != nil {
		missing = append(missing, "new_date")
	}
	if in.NewTime == "" && in.NewSlot == "" {
		missing = append(missing, "new_time")
	}
	if strings.TrimSpace(in.Reason) == "" {
		missing = append(missing, "reason")
	}
	return appointment.NewValidationError(missing)
}

// Create files a reschedule request. The appointment must still be
// reschedulable, carry no other open request, and the target slot must
// be free at filing time. Reception staff are notified.
func (s *Service) Create(ctx context.Context, in CreateInput, requestedBy uuid.UUID) (*Request, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	a, err := s.lifecycle.GetByID(ctx, in.AppointmentID)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case appointment.StatusCancelled, appointment.StatusCompleted, appointment.StatusInConsultation:
		return nil, fmt.Errorf("appointment is %s: %w", a.Status, ErrStateConflict)
	}
	// ISO dates compare correctly as strings.
	if a.Date < s.now().Format("2006-01-02") {
		return nil, fmt.Errorf("appointment date already passed: %w", ErrStateConflict)
	}

	open, err := s.repo.HasOpen(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrOpenRequest
	}

	free, err := s.lifecycle.SlotAvailable(ctx, a.DoctorID, in.NewDate, in.NewTime, in.NewSlot, a.ID)
	if err != nil {
		return nil, err
	}
	if !free {
		return nil, fmt.Errorf("doctor %s on %s: %w", a.DoctorID, in.NewDate, appointment.ErrSlotConflict)
	}

	req := &Request{
		AppointmentID: a.ID,
		HospitalID:    a.HospitalID,
		RequestedBy:   requestedBy,
		CurrentDate:   a.Date,
		CurrentSlot:   a.TimeSlot,
		NewDate:       in.NewDate,
		NewTime:       in.NewTime,
		NewSlot:       in.NewSlot,
		Reason:        in.Reason,
		Status:        StatusRequested,
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.NotifyHospitalStaff(ctx, a.HospitalID, "reschedule-requested", map[string]string{
			"appointment_id": a.ID.String(),
			"current_date":   req.CurrentDate,
			"new_date":       req.NewDate,
			"new_slot":       req.NewSlot,
			"reason":         req.Reason,
		})
	}
	return req, nil
}

// Approve accepts a request and applies the move. Availability is
// re-checked at review time: a slot taken since filing rejects the
// approval with a conflict. On a successful move the request reads
// applied; if the move itself fails the request stays approved for a
// later retry.
func (s *Service) Approve(ctx context.Context, id, reviewerID uuid.UUID) (*Request, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusRequested {
		return nil, fmt.Errorf("approve from %s: %w", req.Status, ErrStateConflict)
	}

	a, err := s.lifecycle.GetByID(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	free, err := s.lifecycle.SlotAvailable(ctx, a.DoctorID, req.NewDate, req.NewTime, req.NewSlot, a.ID)
	if err != nil {
		return nil, err
	}
	if !free {
		return nil, fmt.Errorf("doctor %s on %s: %w", a.DoctorID, req.NewDate, appointment.ErrSlotConflict)
	}

	now := s.now()
	req.Status = StatusApproved
	req.ReviewedBy = &reviewerID
	req.ReviewedAt = &now
	if err := s.repo.Update(ctx, req); err != nil {
		return nil, err
	}

	if _, err := s.lifecycle.Reschedule(ctx, req.AppointmentID, appointment.RescheduleInput{
		Date:     req.NewDate,
		Time:     req.NewTime,
		TimeSlot: req.NewSlot,
		Reason:   req.Reason,
	}, reviewerID); err != nil {
		s.logger.Error().Err(err).Str("request_id", req.ID.String()).Msg("approved reschedule failed to apply")
		return nil, err
	}

	req.Status = StatusApplied
	if err := s.repo.Update(ctx, req); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.NotifyUser(ctx, req.RequestedBy, "reschedule-approved", map[string]string{
			"appointment_id": req.AppointmentID.String(),
			"new_date":       req.NewDate,
			"new_slot":       req.NewSlot,
		})
	}
	return req, nil
}

// Reject declines a request with a mandatory reason.
func (s *Service) Reject(ctx context.Context, id, reviewerID uuid.UUID, reason string) (*Request, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, appointment.NewValidationError([]string{"reason"})
	}

	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusRequested {
		return nil, fmt.Errorf("reject from %s: %w", req.Status, ErrStateConflict)
	}

	now := s.now()
	req.Status = StatusRejected
	req.ReviewedBy = &reviewerID
	req.ReviewedAt = &now
	req.RejectionReason = &reason
	if err := s.repo.Update(ctx, req); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.NotifyUser(ctx, req.RequestedBy, "reschedule-rejected", map[string]string{
			"appointment_id": req.AppointmentID.String(),
			"reason":         reason,
		})
	}
	return req, nil
}

// GetByID loads a single request.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByAppointment returns an appointment's requests, newest first.
func (s *Service) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Request, error) {
	return s.repo.ListByAppointment(ctx, appointmentID)
}

// ListByHospital returns a hospital's requests for the review screen.
func (s *Service) ListByHospital(ctx context.Context, hospitalID uuid.UUID, status Status, limit, offset int) ([]*Request, int, error) {
	return s.repo.ListByHospital(ctx, hospitalID, status, limit, offset)
}
