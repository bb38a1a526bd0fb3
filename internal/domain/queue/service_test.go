package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/domain/appointment"
)

// -- Mocks --

type mockRepo struct {
	entries map[uuid.UUID]*Entry
	order   []uuid.UUID
}

func newMockRepo() *mockRepo {
	return &mockRepo{entries: make(map[uuid.UUID]*Entry)}
}

func (m *mockRepo) Create(_ context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	m.entries[e.ID] = e
	m.order = append(m.order, e.ID)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockRepo) GetByAppointmentAndDate(_ context.Context, appointmentID uuid.UUID, date string) (*Entry, error) {
	for _, e := range m.entries {
		if e.AppointmentID == appointmentID && e.QueueDate == date {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) Update(_ context.Context, e *Entry) error {
	if _, ok := m.entries[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *mockRepo) ListForDoctorOnDate(_ context.Context, doctorID uuid.UUID, date string, statuses []Status) ([]*Entry, error) {
	var result []*Entry
	for _, id := range m.order {
		e := m.entries[id]
		if e.DoctorID != doctorID || e.QueueDate != date {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, st := range statuses {
				if e.Status == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockRepo) MaxTokenNumber(_ context.Context, doctorID uuid.UUID, date string) (int, error) {
	max := 0
	for _, e := range m.entries {
		if e.DoctorID == doctorID && e.QueueDate == date && e.TokenNumber > max {
			max = e.TokenNumber
		}
	}
	return max, nil
}

func (m *mockRepo) MaxPosition(_ context.Context, doctorID uuid.UUID, date string) (int, error) {
	max := 0
	for _, e := range m.entries {
		if e.DoctorID == doctorID && e.QueueDate == date && e.Position > max {
			max = e.Position
		}
	}
	return max, nil
}

type mockGateway struct {
	appts        map[uuid.UUID]*appointment.Appointment
	started      []uuid.UUID
	completed    []uuid.UUID
	startErr     error
	completeErr  error
	awaitingList []*appointment.Appointment
}

func newMockGateway() *mockGateway {
	return &mockGateway{appts: make(map[uuid.UUID]*appointment.Appointment)}
}

func (m *mockGateway) CheckIn(_ context.Context, id, _ uuid.UUID) (*appointment.Appointment, error) {
	a, ok := m.appts[id]
	if !ok {
		return nil, appointment.ErrNotFound
	}
	a.Status = appointment.StatusCheckedIn
	return a, nil
}

func (m *mockGateway) StartConsultation(_ context.Context, id, _ uuid.UUID) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, id)
	return nil
}

func (m *mockGateway) Complete(_ context.Context, id, _ uuid.UUID) (*appointment.Appointment, error) {
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	m.completed = append(m.completed, id)
	return m.appts[id], nil
}

func (m *mockGateway) AwaitingArrival(_ context.Context, _ uuid.UUID, _ string) ([]*appointment.Appointment, error) {
	return m.awaitingList, nil
}

type queueNotifyCall struct {
	userID   uuid.UUID
	template string
}

type mockNotifier struct {
	calls []queueNotifyCall
}

func (m *mockNotifier) NotifyUser(_ context.Context, userID uuid.UUID, template string, _ map[string]string) {
	m.calls = append(m.calls, queueNotifyCall{userID: userID, template: template})
}

type mockPublisher struct {
	actions []string
}

func (m *mockPublisher) PublishQueue(action string, _ *Entry) {
	m.actions = append(m.actions, action)
}

// -- Helpers --

const clinicDay = "2025-03-10"

func newTestService() (*Service, *mockRepo, *mockGateway) {
	repo := newMockRepo()
	gw := newMockGateway()
	svc := NewService(repo, gw, zerolog.Nop())
	svc.SetClock(func() time.Time {
		return time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	})
	return svc, repo, gw
}

func checkedInAppointment(doctorID uuid.UUID, tokenID string, at time.Time) *appointment.Appointment {
	return &appointment.Appointment{
		ID:              uuid.New(),
		PatientID:       uuid.New(),
		DoctorID:        doctorID,
		HospitalID:      uuid.New(),
		Date:            clinicDay,
		Status:          appointment.StatusCheckedIn,
		TokenIdentifier: tokenID,
		CheckedInAt:     &at,
	}
}

// -- Arrival registration --

func TestRegisterArrival_AssignsTokenNumberAndPosition(t *testing.T) {
	svc, repo, _ := newTestService()
	doctor := uuid.New()

	at := time.Date(2025, 3, 10, 8, 55, 0, 0, time.UTC)
	first := checkedInAppointment(doctor, "9A-01", at)
	second := checkedInAppointment(doctor, "9A-02", at.Add(2*time.Minute))

	if err := svc.RegisterArrival(context.Background(), first, uuid.New()); err != nil {
		t.Fatalf("RegisterArrival() error: %v", err)
	}
	if err := svc.RegisterArrival(context.Background(), second, uuid.New()); err != nil {
		t.Fatalf("RegisterArrival() error: %v", err)
	}

	e1, err := repo.GetByAppointmentAndDate(context.Background(), first.ID, clinicDay)
	if err != nil {
		t.Fatalf("entry lookup: %v", err)
	}
	e2, _ := repo.GetByAppointmentAndDate(context.Background(), second.ID, clinicDay)

	if e1.TokenNumber != 1 || e2.TokenNumber != 2 {
		t.Errorf("expected token numbers 1 and 2, got %d and %d", e1.TokenNumber, e2.TokenNumber)
	}
	if e1.Position != 1 || e2.Position != 2 {
		t.Errorf("expected positions 1 and 2, got %d and %d", e1.Position, e2.Position)
	}
	if first.TokenNumber == nil || *first.TokenNumber != 1 {
		t.Errorf("expected display number 1 written back, got %v", first.TokenNumber)
	}
	if second.TokenNumber == nil || *second.TokenNumber != 2 {
		t.Errorf("expected display number 2 written back, got %v", second.TokenNumber)
	}
	if e1.Status != StatusWaiting {
		t.Errorf("expected waiting, got %s", e1.Status)
	}
	if !e1.CheckedInAt.Equal(at) {
		t.Error("entry must carry the appointment's arrival time")
	}
}

func TestRegisterArrival_UsesVisitDateAsClinicDay(t *testing.T) {
	svc, repo, _ := newTestService()
	// Check-in instant is late evening; the queue day must still be the
	// visit date, not the next UTC day.
	svc.SetClock(func() time.Time {
		return time.Date(2025, 3, 11, 1, 30, 0, 0, time.UTC)
	})

	a := checkedInAppointment(uuid.New(), "9A-01", time.Time{})
	a.CheckedInAt = nil
	if err := svc.RegisterArrival(context.Background(), a, uuid.New()); err != nil {
		t.Fatalf("RegisterArrival() error: %v", err)
	}

	if _, err := repo.GetByAppointmentAndDate(context.Background(), a.ID, clinicDay); err != nil {
		t.Errorf("entry should be filed under the visit date: %v", err)
	}
}

func TestRegisterArrival_RepeatIsNoOp(t *testing.T) {
	svc, repo, _ := newTestService()
	publisher := &mockPublisher{}
	svc.SetPublisher(publisher)

	a := checkedInAppointment(uuid.New(), "9A-01", time.Date(2025, 3, 10, 8, 55, 0, 0, time.UTC))
	if err := svc.RegisterArrival(context.Background(), a, uuid.New()); err != nil {
		t.Fatalf("RegisterArrival() error: %v", err)
	}
	a.TokenNumber = nil
	if err := svc.RegisterArrival(context.Background(), a, uuid.New()); err != nil {
		t.Fatalf("repeat RegisterArrival() error: %v", err)
	}
	if a.TokenNumber == nil || *a.TokenNumber != 1 {
		t.Errorf("repeat registration should restore the display number, got %v", a.TokenNumber)
	}

	if len(repo.entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(repo.entries))
	}
	if len(publisher.actions) != 1 || publisher.actions[0] != ActionJoined {
		t.Errorf("expected one joined broadcast, got %v", publisher.actions)
	}
}

func TestCheckIn_RunsLifecycleThenReturnsEntry(t *testing.T) {
	svc, _, gw := newTestService()
	doctor := uuid.New()

	at := time.Date(2025, 3, 10, 8, 55, 0, 0, time.UTC)
	a := checkedInAppointment(doctor, "9A-01", at)
	a.Status = appointment.StatusConfirmed
	gw.appts[a.ID] = a

	// The mock gateway flips the status; the real lifecycle would also
	// call RegisterArrival back, so register the arrival up front.
	if err := svc.RegisterArrival(context.Background(), a, uuid.New()); err != nil {
		t.Fatalf("RegisterArrival() error: %v", err)
	}

	e, err := svc.CheckIn(context.Background(), a.ID, uuid.New())
	if err != nil {
		t.Fatalf("CheckIn() error: %v", err)
	}
	if e.AppointmentID != a.ID || e.Status != StatusWaiting {
		t.Errorf("unexpected entry %+v", e)
	}
}

// -- Serving order --

func TestQueueFor_ServingOrder(t *testing.T) {
	svc, _, _ := newTestService()
	doctor := uuid.New()

	slot9 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	// On time for 10A.
	lateSlotOnTime := checkedInAppointment(doctor, "10A-01", time.Date(2025, 3, 10, 9, 50, 0, 0, time.UTC))
	// On time for 9A, arrived first.
	earlySlot := checkedInAppointment(doctor, "9A-01", slot9.Add(-10*time.Minute))
	// Late for 9A.
	lateArrival := checkedInAppointment(doctor, "9A-02", slot9.Add(20*time.Minute))
	// Token predates the slot scheme; grouped with the late arrivals by
	// arrival time.
	legacy := checkedInAppointment(doctor, "", slot9.Add(5*time.Minute))

	for _, a := range []*appointment.Appointment{lateSlotOnTime, earlySlot, lateArrival, legacy} {
		if err := svc.RegisterArrival(context.Background(), a, uuid.New()); err != nil {
			t.Fatalf("RegisterArrival() error: %v", err)
		}
	}

	entries, err := svc.QueueFor(context.Background(), doctor, clinicDay)
	if err != nil {
		t.Fatalf("QueueFor() error: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}

	wantOrder := []uuid.UUID{earlySlot.ID, lateSlotOnTime.ID, legacy.ID, lateArrival.ID}
	for i, want := range wantOrder {
		if entries[i].AppointmentID != want {
			t.Errorf("position %d: expected appointment %s, got %s", i, want, entries[i].AppointmentID)
		}
	}
}

func TestQueueFor_IgnoresDisplayPositions(t *testing.T) {
	svc, _, _ := newTestService()
	doctor := uuid.New()

	slot9 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	first := checkedInAppointment(doctor, "9A-01", slot9.Add(-10*time.Minute))
	second := checkedInAppointment(doctor, "9A-02", slot9.Add(-5*time.Minute))
	for _, a := range []*appointment.Appointment{first, second} {
		if err := svc.RegisterArrival(context.Background(), a, uuid.New()); err != nil {
			t.Fatalf("RegisterArrival() error: %v", err)
		}
	}

	entries, _ := svc.QueueFor(context.Background(), doctor, clinicDay)
	if _, err := svc.Reorder(context.Background(), entries[0].ID, 99); err != nil {
		t.Fatalf("Reorder() error: %v", err)
	}

	after, _ := svc.QueueFor(context.Background(), doctor, clinicDay)
	if after[0].AppointmentID != first.ID {
		t.Error("serving order must not change when display positions move")
	}
}

func TestNotYetCheckedIn_FiltersArrived(t *testing.T) {
	svc, _, gw := newTestService()
	doctor := uuid.New()

	arrived := checkedInAppointment(doctor, "9A-01", time.Date(2025, 3, 10, 8, 55, 0, 0, time.UTC))
	booked := &appointment.Appointment{
		ID:       uuid.New(),
		DoctorID: doctor,
		Date:     clinicDay,
		Status:   appointment.StatusConfirmed,
	}
	gw.awaitingList = []*appointment.Appointment{arrived, booked}

	if err := svc.RegisterArrival(context.Background(), arrived, uuid.New()); err != nil {
		t.Fatalf("RegisterArrival() error: %v", err)
	}

	pending, err := svc.NotYetCheckedIn(context.Background(), doctor, clinicDay)
	if err != nil {
		t.Fatalf("NotYetCheckedIn() error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != booked.ID {
		t.Errorf("expected only the unarrived booking, got %+v", pending)
	}
}

// -- Serving transitions --

func registerEntry(t *testing.T, svc *Service, doctor uuid.UUID) *Entry {
	t.Helper()
	a := checkedInAppointment(doctor, "9A-01", time.Date(2025, 3, 10, 8, 55, 0, 0, time.UTC))
	if err := svc.RegisterArrival(context.Background(), a, uuid.New()); err != nil {
		t.Fatalf("RegisterArrival() error: %v", err)
	}
	e, err := svc.repo.GetByAppointmentAndDate(context.Background(), a.ID, clinicDay)
	if err != nil {
		t.Fatalf("entry lookup: %v", err)
	}
	return e
}

func TestCall_NotifiesPatient(t *testing.T) {
	svc, _, _ := newTestService()
	notifier := &mockNotifier{}
	svc.SetNotifier(notifier)

	e := registerEntry(t, svc, uuid.New())
	got, err := svc.Call(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if got.Status != StatusCalled || got.CalledAt == nil {
		t.Errorf("expected called with timestamp, got %s", got.Status)
	}
	if len(notifier.calls) != 1 || notifier.calls[0].template != "token-called" {
		t.Errorf("expected token-called notification, got %+v", notifier.calls)
	}
	if notifier.calls[0].userID != e.PatientID {
		t.Error("notification must target the patient")
	}
}

func TestCall_RecallRefreshesTimestamp(t *testing.T) {
	svc, _, _ := newTestService()

	e := registerEntry(t, svc, uuid.New())
	first, err := svc.Call(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}

	svc.SetClock(func() time.Time {
		return time.Date(2025, 3, 10, 9, 10, 0, 0, time.UTC)
	})
	second, err := svc.Call(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("recall error: %v", err)
	}
	if !second.CalledAt.After(*first.CalledAt) {
		t.Error("recall must refresh the call time")
	}
}

func TestStart_FlipsAppointmentWithEntry(t *testing.T) {
	svc, _, gw := newTestService()

	e := registerEntry(t, svc, uuid.New())
	got, err := svc.Start(context.Background(), e.ID, uuid.New())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if got.Status != StatusInConsultation || got.StartedAt == nil {
		t.Errorf("expected in_consultation with timestamp, got %s", got.Status)
	}
	if len(gw.started) != 1 || gw.started[0] != e.AppointmentID {
		t.Errorf("expected lifecycle start for %s, got %v", e.AppointmentID, gw.started)
	}
}

func TestStart_LifecycleFailureLeavesEntryUntouched(t *testing.T) {
	svc, repo, gw := newTestService()
	gw.startErr = appointment.ErrStateConflict

	e := registerEntry(t, svc, uuid.New())
	if _, err := svc.Start(context.Background(), e.ID, uuid.New()); err == nil {
		t.Fatal("expected lifecycle error")
	}
	stored, _ := repo.GetByID(context.Background(), e.ID)
	if stored.Status != StatusWaiting {
		t.Errorf("entry must stay waiting, got %s", stored.Status)
	}
}

func TestComplete_RequiresConsultation(t *testing.T) {
	svc, _, gw := newTestService()

	e := registerEntry(t, svc, uuid.New())
	if _, err := svc.Complete(context.Background(), e.ID, uuid.New()); !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict from waiting, got %v", err)
	}

	if _, err := svc.Start(context.Background(), e.ID, uuid.New()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	got, err := svc.Complete(context.Background(), e.ID, uuid.New())
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Errorf("expected completed with timestamp, got %s", got.Status)
	}
	if len(gw.completed) != 1 {
		t.Errorf("expected lifecycle completion, got %v", gw.completed)
	}
}

func TestNoShow_FromWaitingOrCalled(t *testing.T) {
	svc, _, _ := newTestService()

	e := registerEntry(t, svc, uuid.New())
	got, err := svc.NoShow(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("NoShow() error: %v", err)
	}
	if got.Status != StatusNoShow {
		t.Errorf("expected no_show, got %s", got.Status)
	}

	if _, err := svc.NoShow(context.Background(), got.ID); !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for served entry, got %v", err)
	}
}

func TestReorder_RejectsInvalidPositionAndServedEntries(t *testing.T) {
	svc, _, _ := newTestService()

	e := registerEntry(t, svc, uuid.New())
	if _, err := svc.Reorder(context.Background(), e.ID, 0); !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for position 0, got %v", err)
	}

	got, err := svc.Reorder(context.Background(), e.ID, 5)
	if err != nil {
		t.Fatalf("Reorder() error: %v", err)
	}
	if got.Position != 5 {
		t.Errorf("expected position 5, got %d", got.Position)
	}

	if _, err := svc.NoShow(context.Background(), e.ID); err != nil {
		t.Fatalf("NoShow() error: %v", err)
	}
	if _, err := svc.Reorder(context.Background(), e.ID, 2); !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for served entry, got %v", err)
	}
}

func TestSkip_SendsToBackOfDisplayOrder(t *testing.T) {
	svc, _, _ := newTestService()
	doctor := uuid.New()

	at := time.Date(2025, 3, 10, 8, 55, 0, 0, time.UTC)
	first := checkedInAppointment(doctor, "9A-01", at)
	second := checkedInAppointment(doctor, "9A-02", at.Add(time.Minute))
	for _, a := range []*appointment.Appointment{first, second} {
		if err := svc.RegisterArrival(context.Background(), a, uuid.New()); err != nil {
			t.Fatalf("RegisterArrival() error: %v", err)
		}
	}

	e, _ := svc.repo.GetByAppointmentAndDate(context.Background(), first.ID, clinicDay)
	got, err := svc.Skip(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Skip() error: %v", err)
	}
	if got.Position != 3 {
		t.Errorf("expected position past the current maximum, got %d", got.Position)
	}
}
