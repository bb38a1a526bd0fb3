package queue

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/opd/opd/internal/domain/appointment"
	"github.com/opd/opd/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/queue/check-in", h.CheckIn, auth.RequireRole("receptionist"))
	api.GET("/queue/doctor/:doctorId/date/:date", h.QueueForDoctor, auth.RequireRole("doctor", "receptionist"))

	serve := api.Group("/queue/:id", auth.RequireRole("doctor", "receptionist"))
	serve.PATCH("/call", h.Call)
	serve.PATCH("/start", h.Start)
	serve.PATCH("/complete", h.Complete)
	serve.PATCH("/no-show", h.NoShow)
	serve.PATCH("/reorder", h.Reorder)
	serve.PATCH("/skip", h.Skip)
}

func queueHTTPError(err error) error {
	var verr *appointment.ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, appointment.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrStateConflict), errors.Is(err, appointment.ErrStateConflict):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) CheckIn(c echo.Context) error {
	var body struct {
		AppointmentID uuid.UUID `json:"appointment_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.AppointmentID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "appointment_id is required")
	}
	e, err := h.svc.CheckIn(c.Request().Context(), body.AppointmentID, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return queueHTTPError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) QueueForDoctor(c echo.Context) error {
	doctorID, err := uuid.Parse(c.Param("doctorId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor id")
	}
	date := c.Param("date")

	ctx := c.Request().Context()
	entries, err := h.svc.QueueFor(ctx, doctorID, date)
	if err != nil {
		return queueHTTPError(err)
	}
	pending, err := h.svc.NotYetCheckedIn(ctx, doctorID, date)
	if err != nil {
		return queueHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"queue":              entries,
		"not_yet_checked_in": pending,
	})
}

func (h *Handler) entryID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Call(c echo.Context) error {
	id, err := h.entryID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Call(c.Request().Context(), id)
	if err != nil {
		return queueHTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Start(c echo.Context) error {
	id, err := h.entryID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Start(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return queueHTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := h.entryID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Complete(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return queueHTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) NoShow(c echo.Context) error {
	id, err := h.entryID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.NoShow(c.Request().Context(), id)
	if err != nil {
		return queueHTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Reorder(c echo.Context) error {
	id, err := h.entryID(c)
	if err != nil {
		return err
	}
	var body struct {
		Position int `json:"position"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.Reorder(c.Request().Context(), id, body.Position)
	if err != nil {
		return queueHTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Skip(c echo.Context) error {
	id, err := h.entryID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Skip(c.Request().Context(), id)
	if err != nil {
		return queueHTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}
