package appointment

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/domain/token"
	"github.com/opd/opd/internal/platform/db"
)

// Notifier delivers best-effort notifications. Implementations log and
// swallow delivery failures; they never block the lifecycle.
type Notifier interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, template string, data map[string]string)
	NotifyHospitalStaff(ctx context.Context, hospitalID uuid.UUID, template string, data map[string]string)
}

// Biller is the billing port. Refund execution is delegated; a refund
// failure is reported to the caller as a warning, not an error.
type Biller interface {
	RecordPaidInvoice(ctx context.Context, appointmentID, patientID uuid.UUID, memo string) error
	AmountPaid(ctx context.Context, appointmentID uuid.UUID) (float64, error)
	Refund(ctx context.Context, appointmentID uuid.UUID, amount, fee float64, reason string) error
}

// Publisher fans lifecycle changes out to connected dashboards.
type Publisher interface {
	PublishChange(action string, a *Appointment)
}

// QueueRegistrar places a checked-in appointment onto the doctor's
// daily queue. Implemented by the queue service and injected after
// construction to break the package cycle.
type QueueRegistrar interface {
	RegisterArrival(ctx context.Context, a *Appointment, actorID uuid.UUID) error
}

// Refund percentages by confirmation state.
const (
	refundRateUnconfirmed = 1.0
	refundRateConfirmed   = 0.9
)

// Service implements the appointment lifecycle.
type Service struct {
	repo   Repository
	events EventRepository
	txr    db.TxRunner

	biller    Biller
	notifier  Notifier
	publisher Publisher
	queue     QueueRegistrar

	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates the lifecycle service. Side-effect ports are
// attached via the Set* methods.
func NewService(repo Repository, events EventRepository, txr db.TxRunner, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		events: events,
		txr:    txr,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) SetBiller(b Biller)                 { s.biller = b }
func (s *Service) SetNotifier(n Notifier)             { s.notifier = n }
func (s *Service) SetPublisher(p Publisher)           { s.publisher = p }
func (s *Service) SetQueueRegistrar(q QueueRegistrar) { s.queue = q }

// SetClock overrides the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txr == nil {
		return fn(ctx)
	}
	return s.txr.InTx(ctx, fn)
}

// BookInput is the booking request.
type BookInput struct {
	PatientID  uuid.UUID `json:"patient_id"`
	DoctorID   uuid.UUID `json:"doctor_id"`
	HospitalID uuid.UUID `json:"hospital_id"`
	Date       string    `json:"date"`
	Time       string    `json:"time"`
	TimeSlot   string    `json:"time_slot"`
	Type       Type      `json:"type"`
	Priority   int       `json:"priority"`
	Reason     string    `json:"reason"`
	Notes      string    `json:"notes"`
}

func (in *BookInput) validate() error {
	var missing []string
	if in.PatientID == uuid.Nil {
		missing = append(missing, "patient_id")
	}
	if in.DoctorID == uuid.Nil {
		missing = append(missing, "doctor_id")
	}
	if in.HospitalID == uuid.Nil {
		missing = append(missing, "hospital_id")
	}
	if in.Date == "" {
		missing = append(missing, "date")
	}
	if in.Time == "" {
		missing = append(missing, "time")
	}
	if in.TimeSlot == "" {
		missing = append(missing, "time_slot")
	}
	if in.Reason == "" {
		missing = append(missing, "reason")
	}
	if in.Date != "" {
		if _, err := time.Parse("2006-01-02", in.Date); err != nil {
			missing = append(missing, "date")
		}
	}
	return NewValidationError(missing)
}

// Book creates an appointment and issues its slot token. Walk-ins skip
// the pending stage and are confirmed immediately. Online bookings stay
// pending and the hospital's reception staff are notified.
func (s *Service) Book(ctx context.Context, in BookInput, actorID uuid.UUID) (*Appointment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	apptType := in.Type
	if apptType == "" {
		apptType = TypeOnline
	}
	if apptType != TypeOnline && apptType != TypeWalkIn {
		return nil, NewValidationError([]string{"type"})
	}

	key := token.SlotKeyFromMinutes(token.ParseSlotStartToMinutes(in.Time, in.TimeSlot))
	now := s.now()

	a := &Appointment{
		PatientID:  in.PatientID,
		DoctorID:   in.DoctorID,
		HospitalID: in.HospitalID,
		Date:       in.Date,
		Time:       in.Time,
		TimeSlot:   in.TimeSlot,
		SlotKey:    key.String(),
		Type:       apptType,
		Status:     StatusPending,
		Priority:   in.Priority,
		Reason:     in.Reason,
		Notes:      in.Notes,
	}
	if apptType == TypeWalkIn {
		a.Status = StatusConfirmed
		a.ConfirmedAt = &now
	}

	err := s.inTx(ctx, func(ctx context.Context) error {
		seq, err := s.nextTokenSeq(ctx, in.DoctorID, in.Date, key)
		if err != nil {
			return err
		}
		a.TokenIdentifier = token.FormatIdentifier(key, seq)

		if err := s.repo.Create(ctx, a); err != nil {
			return err
		}
		return s.events.Append(ctx, &Event{
			AppointmentID: a.ID,
			Action:        EventBooked,
			ActorID:       actorID,
			ToStatus:      string(a.Status),
			Detail:        fmt.Sprintf("token %s", a.TokenIdentifier),
		})
	})
	if err != nil {
		return nil, err
	}

	s.afterBook(ctx, a)
	return a, nil
}

// nextTokenSeq derives the next sequence from current slot occupancy.
// A slot past capacity keeps issuing the saturated sequence rather than
// rejecting the booking; reception resolves overbooked slots manually.
// Two concurrent bookings can read the same count and collide on a
// token identifier; the row itself still inserts.
func (s *Service) nextTokenSeq(ctx context.Context, doctorID uuid.UUID, date string, key token.SlotKey) (int, error) {
	count, err := s.repo.CountActiveInSlot(ctx, doctorID, date, key)
	if err != nil {
		return 0, err
	}
	seq := count + 1
	if limit := token.SlotCapacity(doctorID, date); seq > limit {
		seq = limit
	}
	return seq, nil
}

func (s *Service) afterBook(ctx context.Context, a *Appointment) {
	if a.Type == TypeOnline && a.Status == StatusPending && s.notifier != nil {
		s.notifier.NotifyHospitalStaff(ctx, a.HospitalID, "appointment-pending", s.notifyData(a))
	}
	if notesIndicatePaid(a.Notes) && s.biller != nil {
		if err := s.biller.RecordPaidInvoice(ctx, a.ID, a.PatientID, "online payment reported at booking"); err != nil {
			s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("auto-invoice failed")
		}
	}
	s.publish(EventBooked, a)
}

// notesIndicatePaid reports whether free-text booking notes claim an
// already-completed online payment.
func notesIndicatePaid(notes string) bool {
	n := strings.ToLower(notes)
	return strings.Contains(n, "paid") || strings.Contains(n, "payment completed")
}

// GetByID loads a single appointment.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

// History returns the appointment's audit trail, oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*Event, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.events.ListByAppointment(ctx, id)
}

// Confirm moves a pending appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, id, actorID uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("confirm from %s: %w", a.Status, ErrStateConflict)
	}

	now := s.now()
	from := a.Status
	a.Status = StatusConfirmed
	a.ConfirmedAt = &now

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		return s.events.Append(ctx, &Event{
			AppointmentID: a.ID,
			Action:        EventConfirmed,
			ActorID:       actorID,
			FromStatus:    string(from),
			ToStatus:      string(a.Status),
		})
	})
	if err != nil {
		return nil, err
	}

	s.notifyUser(ctx, a.PatientID, "appointment-confirmed", s.notifyData(a))
	s.notifyUser(ctx, a.DoctorID, "appointment-confirmed", s.notifyData(a))
	s.publish(EventConfirmed, a)
	return a, nil
}

// CheckIn marks patient arrival and registers the appointment on the
// doctor's daily queue. Re-checking an already arrived patient is a
// no-op on the appointment but still backfills a missing queue entry.
// Queue registration runs after the status write; its failure is
// returned to the caller even though the appointment already reads
// checked-in.
func (s *Service) CheckIn(ctx context.Context, id, actorID uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch a.Status {
	case StatusConfirmed:
		now := s.now()
		from := a.Status
		a.Status = StatusCheckedIn
		a.CheckedInAt = &now

		err = s.inTx(ctx, func(ctx context.Context) error {
			if a.TokenIdentifier == "" {
				if err := s.backfillToken(ctx, a); err != nil {
					return err
				}
			}
			if err := s.repo.Update(ctx, a); err != nil {
				return err
			}
			return s.events.Append(ctx, &Event{
				AppointmentID: a.ID,
				Action:        EventCheckedIn,
				ActorID:       actorID,
				FromStatus:    string(from),
				ToStatus:      string(a.Status),
				Detail:        fmt.Sprintf("token %s", a.TokenIdentifier),
			})
		})
		if err != nil {
			return nil, err
		}
	case StatusCheckedIn, StatusInConsultation:
		// Already arrived; fall through to queue registration.
	default:
		return nil, fmt.Errorf("check-in from %s: %w", a.Status, ErrStateConflict)
	}

	if s.queue != nil {
		had := a.TokenNumber
		if err := s.queue.RegisterArrival(ctx, a, actorID); err != nil {
			return nil, fmt.Errorf("queue registration: %w", err)
		}
		// The registrar assigns the legacy display number at first
		// arrival. Store it so listings can show it without a queue
		// lookup.
		if a.TokenNumber != had {
			if err := s.repo.Update(ctx, a); err != nil {
				return nil, err
			}
		}
	}

	s.publish(EventCheckedIn, a)
	return a, nil
}

// backfillToken issues a token to a legacy appointment that predates
// the slot token scheme.
func (s *Service) backfillToken(ctx context.Context, a *Appointment) error {
	key, ok := token.ParseSlotKey(a.SlotKey)
	if !ok {
		key = token.SlotKeyFromMinutes(token.ParseSlotStartToMinutes(a.Time, a.TimeSlot))
		a.SlotKey = key.String()
	}
	seq, err := s.nextTokenSeq(ctx, a.DoctorID, a.Date, key)
	if err != nil {
		return err
	}
	a.TokenIdentifier = token.FormatIdentifier(key, seq)
	return nil
}

// CancelResult carries the refund outcome alongside the cancelled
// appointment.
type CancelResult struct {
	Appointment     *Appointment `json:"appointment"`
	RefundAmount    float64      `json:"refund_amount"`
	CancellationFee float64      `json:"cancellation_fee"`
	RefundWarning   bool         `json:"refund_warning,omitempty"`
}

// Cancel cancels an appointment and computes the refund. Unconfirmed
// bookings are refunded in full; confirmed ones forfeit a 10% fee.
// Refund execution is best-effort: a billing failure surfaces as a
// warning flag on the result, the cancellation itself stands.
func (s *Service) Cancel(ctx context.Context, id, actorID uuid.UUID, reason string) (*CancelResult, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusCancelled {
		return nil, fmt.Errorf("already cancelled: %w", ErrStateConflict)
	}
	if a.Status == StatusCompleted {
		return nil, fmt.Errorf("cancel after completion: %w", ErrStateConflict)
	}
	now := s.now()
	if start, err := s.slotStart(a, now.Location()); err == nil && now.After(start) {
		return nil, fmt.Errorf("slot already started: %w", ErrStateConflict)
	}

	wasConfirmed := a.ConfirmedAt != nil || a.Status != StatusPending

	var paid float64
	if s.biller != nil {
		paid, err = s.biller.AmountPaid(ctx, a.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("paid amount lookup failed, assuming zero")
			paid = 0
		}
	}

	rate := refundRateUnconfirmed
	if wasConfirmed {
		rate = refundRateConfirmed
	}
	refund := paid * rate
	fee := paid - refund

	from := a.Status
	a.Status = StatusCancelled
	a.CancelledAt = &now
	a.CancelReason = &reason
	a.Notes = appendNote(a.Notes, now, fmt.Sprintf(
		"cancelled by %s: %s (paid %.2f, refund %.2f, fee %.2f)",
		actorID, reason, paid, refund, fee))

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		return s.events.Append(ctx, &Event{
			AppointmentID: a.ID,
			Action:        EventCancelled,
			ActorID:       actorID,
			FromStatus:    string(from),
			ToStatus:      string(a.Status),
			Detail:        fmt.Sprintf("refund %.2f fee %.2f: %s", refund, fee, reason),
		})
	})
	if err != nil {
		return nil, err
	}

	result := &CancelResult{Appointment: a, RefundAmount: refund, CancellationFee: fee}
	if s.biller != nil && refund > 0 {
		if err := s.biller.Refund(ctx, a.ID, refund, fee, reason); err != nil {
			s.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("refund execution failed")
			result.RefundWarning = true
		}
	}

	data := s.notifyData(a)
	data["refund"] = fmt.Sprintf("%.2f", refund)
	data["reason"] = reason
	s.notifyUser(ctx, a.PatientID, "appointment-cancelled", data)
	s.notifyUser(ctx, a.DoctorID, "appointment-cancelled", data)
	s.publish(EventCancelled, a)
	return result, nil
}

// RescheduleInput is the slot move request.
type RescheduleInput struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	TimeSlot string `json:"time_slot"`
	Reason   string `json:"reason"`
}

func (in *RescheduleInput) validate() error {
	var missing []string
	if in.Date == "" {
		missing = append(missing, "date")
	} else if _, err := time.Parse("2006-01-02", in.Date); err != nil {
		missing = append(missing, "date")
	}
	if in.Time == "" && in.TimeSlot == "" {
		missing = append(missing, "time")
	}
	if strings.TrimSpace(in.Reason) == "" {
		missing = append(missing, "reason")
	}
	return NewValidationError(missing)
}

// Reschedule moves an appointment to a new slot, reissuing its token.
// Moving across dates voids the arrival state: the patient must check
// in again, and a checked-in appointment drops back to confirmed.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, in RescheduleInput, actorID uuid.UUID) (*Appointment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case StatusCancelled, StatusCompleted, StatusInConsultation:
		return nil, fmt.Errorf("reschedule from %s: %w", a.Status, ErrStateConflict)
	}

	newKey := token.SlotKeyFromMinutes(token.ParseSlotStartToMinutes(in.Time, in.TimeSlot))
	taken, err := s.repo.ExistsActiveInSlot(ctx, a.DoctorID, in.Date, newKey, a.ID)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("doctor %s on %s slot %s: %w", a.DoctorID, in.Date, newKey, ErrSlotConflict)
	}

	now := s.now()
	oldDate, oldSlot := a.Date, a.TimeSlot
	from := a.Status

	err = s.inTx(ctx, func(ctx context.Context) error {
		seq, err := s.nextTokenSeq(ctx, a.DoctorID, in.Date, newKey)
		if err != nil {
			return err
		}

		a.Date = in.Date
		if in.Time != "" {
			a.Time = in.Time
		}
		if in.TimeSlot != "" {
			a.TimeSlot = in.TimeSlot
		}
		a.SlotKey = newKey.String()
		a.TokenIdentifier = token.FormatIdentifier(newKey, seq)
		a.RescheduledAt = &now
		a.RescheduledFromDate = &oldDate
		a.RescheduledFromSlot = &oldSlot
		a.RescheduleReason = &in.Reason

		if in.Date != oldDate {
			a.CheckedInAt = nil
			a.TokenNumber = nil
			if a.Status == StatusCheckedIn {
				a.Status = StatusConfirmed
				if a.ConfirmedAt == nil {
					a.ConfirmedAt = &now
				}
			}
		}
		a.Notes = appendNote(a.Notes, now, fmt.Sprintf(
			"rescheduled from %s %s to %s %s: %s", oldDate, oldSlot, a.Date, a.TimeSlot, in.Reason))

		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		return s.events.Append(ctx, &Event{
			AppointmentID: a.ID,
			Action:        EventRescheduled,
			ActorID:       actorID,
			FromStatus:    string(from),
			ToStatus:      string(a.Status),
			Detail:        fmt.Sprintf("%s %s -> %s %s, token %s", oldDate, oldSlot, a.Date, a.TimeSlot, a.TokenIdentifier),
		})
	})
	if err != nil {
		return nil, err
	}

	data := s.notifyData(a)
	data["old_date"] = oldDate
	data["old_slot"] = oldSlot
	s.notifyUser(ctx, a.PatientID, "appointment-rescheduled", data)
	s.notifyUser(ctx, a.DoctorID, "appointment-rescheduled", data)
	s.publish(EventRescheduled, a)
	return a, nil
}

// SlotAvailable reports whether the doctor's slot on the given date is
// free of other active appointments. excludeID may be uuid.Nil.
func (s *Service) SlotAvailable(ctx context.Context, doctorID uuid.UUID, date, timeStr, slot string, excludeID uuid.UUID) (bool, error) {
	key := token.SlotKeyFromMinutes(token.ParseSlotStartToMinutes(timeStr, slot))
	taken, err := s.repo.ExistsActiveInSlot(ctx, doctorID, date, key, excludeID)
	if err != nil {
		return false, err
	}
	return !taken, nil
}

// StartConsultation moves a checked-in appointment into consultation.
// Driven by the queue when the doctor calls the patient in.
func (s *Service) StartConsultation(ctx context.Context, id, actorID uuid.UUID) error {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != StatusCheckedIn {
		return fmt.Errorf("start consultation from %s: %w", a.Status, ErrStateConflict)
	}
	from := a.Status
	a.Status = StatusInConsultation

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		return s.events.Append(ctx, &Event{
			AppointmentID: a.ID,
			Action:        EventStarted,
			ActorID:       actorID,
			FromStatus:    string(from),
			ToStatus:      string(a.Status),
		})
	})
	if err != nil {
		return err
	}
	s.publish(EventStarted, a)
	return nil
}

// Complete finishes an appointment after consultation.
func (s *Service) Complete(ctx context.Context, id, actorID uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusCheckedIn && a.Status != StatusInConsultation {
		return nil, fmt.Errorf("complete from %s: %w", a.Status, ErrStateConflict)
	}

	now := s.now()
	from := a.Status
	a.Status = StatusCompleted
	a.CompletedAt = &now

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		return s.events.Append(ctx, &Event{
			AppointmentID: a.ID,
			Action:        EventCompleted,
			ActorID:       actorID,
			FromStatus:    string(from),
			ToStatus:      string(a.Status),
		})
	})
	if err != nil {
		return nil, err
	}
	s.publish(EventCompleted, a)
	return a, nil
}

// ListMine returns the caller's appointments: a patient sees their own
// bookings, a doctor their schedule. Other roles use the hospital
// listing.
func (s *Service) ListMine(ctx context.Context, userID uuid.UUID, role string, limit, offset int) ([]*Appointment, int, error) {
	switch role {
	case "doctor":
		return s.repo.ListByDoctor(ctx, userID, limit, offset)
	default:
		return s.repo.ListByPatient(ctx, userID, limit, offset)
	}
}

// ListByHospital returns all appointments for a hospital.
func (s *Service) ListByHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.repo.ListByHospital(ctx, hospitalID, limit, offset)
}

// AwaitingArrival returns the doctor's pending and confirmed
// appointments for a clinic day. Drives the queue's not-yet-checked-in
// view.
func (s *Service) AwaitingArrival(ctx context.Context, doctorID uuid.UUID, date string) ([]*Appointment, error) {
	return s.repo.ListForDoctorOnDate(ctx, doctorID, date, []Status{StatusPending, StatusConfirmed})
}

func (s *Service) slotStart(a *Appointment, loc *time.Location) (time.Time, error) {
	key, ok := token.ParseSlotKey(a.SlotKey)
	if !ok {
		key = token.SlotKeyFromMinutes(token.ParseSlotStartToMinutes(a.Time, a.TimeSlot))
	}
	return token.SlotStartAt(key, a.Date, loc)
}

func (s *Service) notifyUser(ctx context.Context, userID uuid.UUID, template string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyUser(ctx, userID, template, data)
}

func (s *Service) publish(action string, a *Appointment) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishChange(action, a)
}

func (s *Service) notifyData(a *Appointment) map[string]string {
	return map[string]string{
		"appointment_id": a.ID.String(),
		"date":           a.Date,
		"time":           a.Time,
		"slot":           a.TimeSlot,
		"token":          a.TokenIdentifier,
		"status":         string(a.Status),
		"priority":       strconv.Itoa(a.Priority),
	}
}

// appendNote adds a timestamped line to the free-text notes.
func appendNote(notes string, at time.Time, line string) string {
	entry := fmt.Sprintf("[%s] %s", at.Format(time.RFC3339), line)
	if notes == "" {
		return entry
	}
	return notes + "\n" + entry
}
