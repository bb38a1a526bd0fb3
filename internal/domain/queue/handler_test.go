package queue

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/opd/opd/internal/domain/appointment"
)

func TestQueueHTTPError_StatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &appointment.ValidationError{Fields: []string{"appointment_id"}}, http.StatusBadRequest},
		{"entry not found", ErrNotFound, http.StatusNotFound},
		{"appointment not found", appointment.ErrNotFound, http.StatusNotFound},
		{"queue state conflict", fmt.Errorf("skip while waiting: %w", ErrStateConflict), http.StatusBadRequest},
		{"appointment state conflict", fmt.Errorf("check-in from cancelled: %w", appointment.ErrStateConflict), http.StatusBadRequest},
		{"unexpected", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var he *echo.HTTPError
			if !errors.As(queueHTTPError(tc.err), &he) {
				t.Fatal("expected *echo.HTTPError")
			}
			if he.Code != tc.want {
				t.Errorf("status = %d, want %d", he.Code, tc.want)
			}
		})
	}
}
