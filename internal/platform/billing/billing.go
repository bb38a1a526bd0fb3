// Package billing tracks appointment invoices and refunds in memory and
// delegates refund execution to a payment processor. Refund failures
// are reported to callers but never block a cancellation.
package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Invoice statuses.
const (
	StatusPaid     = "paid"
	StatusRefunded = "refunded"
)

// Invoice records a payment attached to an appointment.
type Invoice struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	Amount        float64    `json:"amount"`
	Status        string     `json:"status"`
	Memo          string     `json:"memo,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
}

// Refund records a processed or attempted refund.
type Refund struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	Amount        float64   `json:"amount"`
	Fee           float64   `json:"fee"`
	Reason        string    `json:"reason"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	Error         string    `json:"error,omitempty"`
}

// RefundProcessor executes refunds against the payment gateway.
type RefundProcessor interface {
	ProcessRefund(ctx context.Context, appointmentID uuid.UUID, amount float64) error
}

// RefundCall records a single call to ProcessRefund.
type RefundCall struct {
	AppointmentID uuid.UUID
	Amount        float64
}

// MockRefundProcessor is a test double for RefundProcessor.
type MockRefundProcessor struct {
	mu         sync.Mutex
	calls      []RefundCall
	ShouldFail bool
	FailError  string
}

// ProcessRefund records the call and optionally returns an error.
func (m *MockRefundProcessor) ProcessRefund(_ context.Context, appointmentID uuid.UUID, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, RefundCall{AppointmentID: appointmentID, Amount: amount})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded refund calls.
func (m *MockRefundProcessor) Calls() []RefundCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RefundCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// DefaultConsultationFee is the invoice amount recorded when a booking
// reports an online payment without an itemized amount.
const DefaultConsultationFee = 500.0

// Manager stores invoices and refunds and satisfies the appointment
// service's billing port.
type Manager struct {
	processor RefundProcessor
	fee       float64

	mu       sync.RWMutex
	invoices map[uuid.UUID]*Invoice // by invoice ID
	refunds  map[uuid.UUID]*Refund  // by refund ID
}

// NewManager constructs a Manager. A zero consultationFee falls back to
// DefaultConsultationFee.
func NewManager(processor RefundProcessor, consultationFee float64) *Manager {
	if consultationFee <= 0 {
		consultationFee = DefaultConsultationFee
	}
	return &Manager{
		processor: processor,
		fee:       consultationFee,
		invoices:  make(map[uuid.UUID]*Invoice),
		refunds:   make(map[uuid.UUID]*Refund),
	}
}

// RecordPaidInvoice stores a paid invoice for an appointment at the
// standard consultation fee.
func (m *Manager) RecordPaidInvoice(ctx context.Context, appointmentID, patientID uuid.UUID, memo string) error {
	inv := &Invoice{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		PatientID:     patientID,
		Amount:        m.fee,
		Status:        StatusPaid,
		Memo:          memo,
		CreatedAt:     time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = inv
	return nil
}

// AmountPaid sums the appointment's paid, unrefunded invoices.
func (m *Manager) AmountPaid(ctx context.Context, appointmentID uuid.UUID) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total float64
	for _, inv := range m.invoices {
		if inv.AppointmentID == appointmentID && inv.Status == StatusPaid {
			total += inv.Amount
		}
	}
	return total, nil
}

// Refund executes a refund through the processor and records the
// outcome. On success the appointment's paid invoices flip to refunded.
func (m *Manager) Refund(ctx context.Context, appointmentID uuid.UUID, amount, fee float64, reason string) error {
	r := &Refund{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		Amount:        amount,
		Fee:           fee,
		Reason:        reason,
		Status:        "processed",
		CreatedAt:     time.Now().UTC(),
	}

	var procErr error
	if m.processor != nil {
		procErr = m.processor.ProcessRefund(ctx, appointmentID, amount)
	}
	if procErr != nil {
		r.Status = "failed"
		r.Error = procErr.Error()
	}

	m.mu.Lock()
	m.refunds[r.ID] = r
	if procErr == nil {
		now := time.Now().UTC()
		for _, inv := range m.invoices {
			if inv.AppointmentID == appointmentID && inv.Status == StatusPaid {
				inv.Status = StatusRefunded
				inv.RefundedAt = &now
			}
		}
	}
	m.mu.Unlock()

	if procErr != nil {
		return fmt.Errorf("process refund: %w", procErr)
	}
	return nil
}

// InvoicesForAppointment returns the appointment's invoices.
func (m *Manager) InvoicesForAppointment(_ context.Context, appointmentID uuid.UUID) []*Invoice {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Invoice
	for _, inv := range m.invoices {
		if inv.AppointmentID == appointmentID {
			out = append(out, inv)
		}
	}
	return out
}

// RefundsForAppointment returns the appointment's refund attempts.
func (m *Manager) RefundsForAppointment(_ context.Context, appointmentID uuid.UUID) []*Refund {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Refund
	for _, r := range m.refunds {
		if r.AppointmentID == appointmentID {
			out = append(out, r)
		}
	}
	return out
}

// Stats returns counts of invoices grouped by status.
func (m *Manager) Stats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int)
	for _, inv := range m.invoices {
		stats[inv.Status]++
	}
	return stats
}

// Handler exposes billing lookups over HTTP via Echo.
type Handler struct {
	manager *Manager
}

// NewHandler creates a billing Handler.
func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

// RegisterRoutes registers billing routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/billing/appointments/:id/invoices", h.HandleInvoices)
	g.GET("/billing/appointments/:id/refunds", h.HandleRefunds)
	g.GET("/billing/stats", h.HandleStats)
}

// HandleInvoices handles GET /billing/appointments/:id/invoices.
func (h *Handler) HandleInvoices(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
	}
	return c.JSON(http.StatusOK, h.manager.InvoicesForAppointment(c.Request().Context(), id))
}

// HandleRefunds handles GET /billing/appointments/:id/refunds.
func (h *Handler) HandleRefunds(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
	}
	return c.JSON(http.StatusOK, h.manager.RefundsForAppointment(c.Request().Context(), id))
}

// HandleStats handles GET /billing/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}
