package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Business-rule violations surface as 400, not 409. Front-desk clients
// treat anything in the 4xx range other than 401/403/404 as a message
// to show the operator, so the mapper keeps the contract narrow.
func TestHTTPError_StatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &ValidationError{Fields: []string{"date"}}, http.StatusBadRequest},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"state conflict", fmt.Errorf("confirm from cancelled: %w", ErrStateConflict), http.StatusBadRequest},
		{"slot conflict", fmt.Errorf("slot taken: %w", ErrSlotConflict), http.StatusBadRequest},
		{"unexpected", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var he *echo.HTTPError
			if !errors.As(httpError(tc.err), &he) {
				t.Fatal("expected *echo.HTTPError")
			}
			if he.Code != tc.want {
				t.Errorf("status = %d, want %d", he.Code, tc.want)
			}
		})
	}
}

func TestConfirmEndpoint_DoubleConfirmReturns400(t *testing.T) {
	svc, _, _ := newTestService()
	a, err := svc.Book(context.Background(), validBooking(), uuid.New())
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := svc.Confirm(context.Background(), a.ID, uuid.New()); err != nil {
		t.Fatalf("first confirm: %v", err)
	}

	h := NewHandler(svc)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPatch, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	err = h.Confirm(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", he.Code, http.StatusBadRequest)
	}

	// The rendered body carries the reason under "message".
	e.HTTPErrorHandler(err, c)
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if msg, ok := body["message"].(string); !ok || msg == "" {
		t.Errorf("expected non-empty message field, got %v", body)
	}
}
