package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func applyMiddleware(t *testing.T, mw echo.MiddlewareFunc, req *http.Request, handler echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, mw(handler)(c)
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	var seen string
	rec, err := applyMiddleware(t, RequestID(), req, func(c echo.Context) error {
		seen, _ = c.Get("request_id").(string)
		return c.NoContent(http.StatusOK)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen == "" {
		t.Error("request_id should be generated")
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Error("response header should echo the generated id")
	}
}

func TestRequestID_KeepsCallerSuppliedID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "front-desk-42")
	rec, err := applyMiddleware(t, RequestID(), req, okHandler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Header().Get(RequestIDHeader); got != "front-desk-42" {
		t.Errorf("X-Request-ID = %q, want front-desk-42", got)
	}
}

func logLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (raw: %s)", err, buf.String())
	}
	return line
}

func TestLogger_InfoForSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	req := httptest.NewRequest(http.MethodGet, "/appointments/my?status=confirmed", nil)
	if _, err := applyMiddleware(t, Logger(logger), req, okHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	line := logLine(t, &buf)
	if line["level"] != "info" {
		t.Errorf("level = %v, want info", line["level"])
	}
	if line["path"] != "/appointments/my" {
		t.Errorf("path = %v", line["path"])
	}
	if line["query"] != "status=confirmed" {
		t.Errorf("query = %v, want status=confirmed", line["query"])
	}
}

func TestLogger_WarnForClientErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := applyMiddleware(t, Logger(logger), req, func(c echo.Context) error {
		return c.String(http.StatusConflict, "conflict")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if line := logLine(t, &buf); line["level"] != "warn" {
		t.Errorf("level = %v, want warn for a 4xx", line["level"])
	}
}

func TestLogger_ErrorForHandlerFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := applyMiddleware(t, Logger(logger), req, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusInternalServerError, "boom")
	})
	if err == nil {
		t.Fatal("handler error should propagate")
	}

	if line := logLine(t, &buf); line["level"] != "error" {
		t.Errorf("level = %v, want error", line["level"])
	}
}

func TestRecovery_TurnsPanicInto500(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := applyMiddleware(t, Recovery(zerolog.Nop()), req, func(c echo.Context) error {
		panic("unexpected state")
	})

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", httpErr.Code)
	}
}

func TestRecovery_LogsTheStack(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	req := httptest.NewRequest(http.MethodPost, "/queue/check-in", nil)
	_, _ = applyMiddleware(t, Recovery(logger), req, func(c echo.Context) error {
		panic("nil entry")
	})

	line := logLine(t, &buf)
	if line["panic"] != "nil entry" {
		t.Errorf("panic = %v", line["panic"])
	}
	if line["stack"] == nil || line["stack"] == "" {
		t.Error("stack trace should be logged")
	}
}

func TestRecovery_PassesCleanRequestsThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec, err := applyMiddleware(t, Recovery(zerolog.Nop()), req, okHandler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
