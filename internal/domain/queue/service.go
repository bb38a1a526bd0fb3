package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/domain/appointment"
	"github.com/opd/opd/internal/domain/token"
)

// AppointmentGateway is the lifecycle operations the queue drives.
// Satisfied by the appointment service.
type AppointmentGateway interface {
	CheckIn(ctx context.Context, id, actorID uuid.UUID) (*appointment.Appointment, error)
	StartConsultation(ctx context.Context, id, actorID uuid.UUID) error
	Complete(ctx context.Context, id, actorID uuid.UUID) (*appointment.Appointment, error)
	AwaitingArrival(ctx context.Context, doctorID uuid.UUID, date string) ([]*appointment.Appointment, error)
}

// Notifier delivers best-effort patient notifications.
type Notifier interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, template string, data map[string]string)
}

// Publisher fans queue changes out to connected dashboards.
type Publisher interface {
	PublishQueue(action string, e *Entry)
}

// Queue change actions.
const (
	ActionJoined    = "queue_joined"
	ActionCalled    = "called"
	ActionStarted   = "consultation_started"
	ActionCompleted = "completed"
	ActionNoShow    = "no_show"
	ActionReordered = "reordered"
)

// Service manages the per-doctor daily queue.
type Service struct {
	repo  Repository
	appts AppointmentGateway

	notifier  Notifier
	publisher Publisher

	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, appts AppointmentGateway, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		appts:  appts,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) SetNotifier(n Notifier)   { s.notifier = n }
func (s *Service) SetPublisher(p Publisher) { s.publisher = p }

// SetClock overrides the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// RegisterArrival creates the queue entry for a checked-in appointment.
// The clinic day is the appointment's visit date, so a late-evening
// check-in never lands on the next UTC day. The assigned legacy display
// number is written back onto the appointment. Repeated registration
// for the same appointment and day is a no-op.
func (s *Service) RegisterArrival(ctx context.Context, a *appointment.Appointment, actorID uuid.UUID) error {
	date := a.Date
	if existing, err := s.repo.GetByAppointmentAndDate(ctx, a.ID, date); err == nil {
		if a.TokenNumber == nil {
			n := existing.TokenNumber
			a.TokenNumber = &n
		}
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	maxToken, err := s.repo.MaxTokenNumber(ctx, a.DoctorID, date)
	if err != nil {
		return err
	}
	maxPos, err := s.repo.MaxPosition(ctx, a.DoctorID, date)
	if err != nil {
		return err
	}

	checkedInAt := s.now()
	if a.CheckedInAt != nil {
		checkedInAt = *a.CheckedInAt
	}

	e := &Entry{
		AppointmentID:   a.ID,
		PatientID:       a.PatientID,
		DoctorID:        a.DoctorID,
		HospitalID:      a.HospitalID,
		QueueDate:       date,
		TokenNumber:     maxToken + 1,
		TokenIdentifier: a.TokenIdentifier,
		Position:        maxPos + 1,
		Status:          StatusWaiting,
		CheckedInAt:     checkedInAt,
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return err
	}
	n := e.TokenNumber
	a.TokenNumber = &n

	s.publish(ActionJoined, e)
	return nil
}

// CheckIn runs patient arrival end to end: lifecycle check-in, queue
// registration, and returns the resulting entry.
func (s *Service) CheckIn(ctx context.Context, appointmentID, actorID uuid.UUID) (*Entry, error) {
	a, err := s.appts.CheckIn(ctx, appointmentID, actorID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByAppointmentAndDate(ctx, a.ID, a.Date)
}

// QueueFor returns the active queue for a doctor's clinic day in
// serving order: on-time arrivals first, grouped by slot and arrival;
// then late and unslotted arrivals strictly by arrival. Display
// positions set by reorder or skip do not enter into this order.
func (s *Service) QueueFor(ctx context.Context, doctorID uuid.UUID, date string) ([]*Entry, error) {
	entries, err := s.repo.ListForDoctorOnDate(ctx, doctorID, date,
		[]Status{StatusWaiting, StatusCalled, StatusInConsultation})
	if err != nil {
		return nil, err
	}
	sortServingOrder(entries, date)
	return entries, nil
}

// sortServingOrder orders entries for serving. An entry is late when it
// checked in after its slot opened; entries whose token predates the
// slot scheme are grouped with the late arrivals.
func sortServingOrder(entries []*Entry, date string) {
	type rank struct {
		late    bool
		minutes int
	}
	ranks := make(map[uuid.UUID]rank, len(entries))
	for _, e := range entries {
		key, _, ok := token.ParseIdentifier(e.TokenIdentifier)
		if !ok {
			ranks[e.ID] = rank{late: true}
			continue
		}
		ranks[e.ID] = rank{
			late:    token.IsLateArrival(key, date, e.CheckedInAt),
			minutes: key.Minutes(),
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := ranks[entries[i].ID], ranks[entries[j].ID]
		if ri.late != rj.late {
			return !ri.late
		}
		if !ri.late && ri.minutes != rj.minutes {
			return ri.minutes < rj.minutes
		}
		return entries[i].CheckedInAt.Before(entries[j].CheckedInAt)
	})
}

// NotYetCheckedIn returns the doctor's booked appointments for the day
// that have no queue entry yet.
func (s *Service) NotYetCheckedIn(ctx context.Context, doctorID uuid.UUID, date string) ([]*appointment.Appointment, error) {
	expected, err := s.appts.AwaitingArrival(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListForDoctorOnDate(ctx, doctorID, date, nil)
	if err != nil {
		return nil, err
	}

	arrived := make(map[uuid.UUID]bool, len(entries))
	for _, e := range entries {
		arrived[e.AppointmentID] = true
	}

	var pending []*appointment.Appointment
	for _, a := range expected {
		if !arrived[a.ID] {
			pending = append(pending, a)
		}
	}
	return pending, nil
}

// Call announces a waiting patient. Re-calling refreshes the call time.
func (s *Service) Call(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusWaiting && e.Status != StatusCalled {
		return nil, fmt.Errorf("call from %s: %w", e.Status, ErrStateConflict)
	}

	now := s.now()
	e.Status = StatusCalled
	e.CalledAt = &now
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.NotifyUser(ctx, e.PatientID, "token-called", map[string]string{
			"token":        e.TokenIdentifier,
			"token_number": fmt.Sprintf("%d", e.TokenNumber),
			"date":         e.QueueDate,
		})
	}
	s.publish(ActionCalled, e)
	return e, nil
}

// Start moves a called patient into consultation and flips the
// appointment with them.
func (s *Service) Start(ctx context.Context, id, actorID uuid.UUID) (*Entry, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusWaiting && e.Status != StatusCalled {
		return nil, fmt.Errorf("start from %s: %w", e.Status, ErrStateConflict)
	}

	if err := s.appts.StartConsultation(ctx, e.AppointmentID, actorID); err != nil {
		return nil, err
	}

	now := s.now()
	e.Status = StatusInConsultation
	e.StartedAt = &now
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}

	s.publish(ActionStarted, e)
	return e, nil
}

// Complete finishes the consultation for an entry.
func (s *Service) Complete(ctx context.Context, id, actorID uuid.UUID) (*Entry, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusInConsultation {
		return nil, fmt.Errorf("complete from %s: %w", e.Status, ErrStateConflict)
	}

	if _, err := s.appts.Complete(ctx, e.AppointmentID, actorID); err != nil {
		return nil, err
	}

	now := s.now()
	e.Status = StatusCompleted
	e.CompletedAt = &now
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}

	s.publish(ActionCompleted, e)
	return e, nil
}

// NoShow marks a waiting or called patient as absent.
func (s *Service) NoShow(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusWaiting && e.Status != StatusCalled {
		return nil, fmt.Errorf("no-show from %s: %w", e.Status, ErrStateConflict)
	}

	e.Status = StatusNoShow
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}

	s.publish(ActionNoShow, e)
	return e, nil
}

// Reorder sets an entry's display position. The serving order read
// path does not consult positions.
func (s *Service) Reorder(ctx context.Context, id uuid.UUID, position int) (*Entry, error) {
	if position < 1 {
		return nil, fmt.Errorf("position must be >= 1: %w", ErrStateConflict)
	}
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.IsServed() {
		return nil, fmt.Errorf("reorder from %s: %w", e.Status, ErrStateConflict)
	}

	e.Position = position
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}

	s.publish(ActionReordered, e)
	return e, nil
}

// Skip sends an entry to the back of the display order.
func (s *Service) Skip(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.IsServed() {
		return nil, fmt.Errorf("skip from %s: %w", e.Status, ErrStateConflict)
	}

	maxPos, err := s.repo.MaxPosition(ctx, e.DoctorID, e.QueueDate)
	if err != nil {
		return nil, err
	}

	e.Position = maxPos + 1
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}

	s.publish(ActionReordered, e)
	return e, nil
}

func (s *Service) publish(action string, e *Entry) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishQueue(action, e)
}
