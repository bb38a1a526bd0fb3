package reschedule

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/opd/opd/internal/domain/appointment"
	"github.com/opd/opd/internal/platform/auth"
	"github.com/opd/opd/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/reschedule-requests", h.Create, auth.RequireRole("patient", "receptionist"))
	api.GET("/reschedule-requests/:id", h.Get, auth.RequireRole("patient", "receptionist"))
	api.GET("/reschedule-requests/hospital/:hospitalId", h.ListByHospital, auth.RequireRole("receptionist"))
	api.GET("/appointments/:id/reschedule-requests", h.ListByAppointment, auth.RequireRole("patient", "receptionist"))

	api.PATCH("/reschedule-requests/:id/approve", h.Approve, auth.RequireRole("receptionist"))
	api.PATCH("/reschedule-requests/:id/reject", h.Reject, auth.RequireRole("receptionist"))
}

func requestHTTPError(err error) error {
	var verr *appointment.ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, appointment.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrStateConflict), errors.Is(err, ErrOpenRequest),
		errors.Is(err, appointment.ErrStateConflict), errors.Is(err, appointment.ErrSlotConflict):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.svc.Create(c.Request().Context(), in, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return requestHTTPError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	req, err := h.svc.GetByID(c.Request().Context(), id)
	if err != nil {
		return requestHTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) ListByAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	reqs, err := h.svc.ListByAppointment(c.Request().Context(), id)
	if err != nil {
		return requestHTTPError(err)
	}
	return c.JSON(http.StatusOK, reqs)
}

func (h *Handler) ListByHospital(c echo.Context) error {
	hospitalID, err := uuid.Parse(c.Param("hospitalId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital id")
	}
	pg := pagination.FromContext(c)
	status := Status(c.QueryParam("status"))
	reqs, total, err := h.svc.ListByHospital(c.Request().Context(), hospitalID, status, pg.Limit, pg.Offset)
	if err != nil {
		return requestHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(reqs, total, pg.Limit, pg.Offset))
}

func (h *Handler) Approve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	req, err := h.svc.Approve(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return requestHTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.svc.Reject(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()), body.Reason)
	if err != nil {
		return requestHTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}
