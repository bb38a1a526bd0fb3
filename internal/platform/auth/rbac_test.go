package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func ctxWithRoles(roles ...string) context.Context {
	return context.WithValue(context.Background(), UserRolesKey, roles)
}

func invokeWithRoles(t *testing.T, mw echo.MiddlewareFunc, roles []string) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if roles != nil {
		req = req.WithContext(ctxWithRoles(roles...))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return mw(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})(c)
}

func TestRequireRole_AllowsMatchingRole(t *testing.T) {
	mw := RequireRole("receptionist")
	if err := invokeWithRoles(t, mw, []string{"receptionist"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole_AllowsAnyListedRole(t *testing.T) {
	mw := RequireRole("receptionist", "doctor")
	if err := invokeWithRoles(t, mw, []string{"doctor"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole_AdminOverridesEveryCheck(t *testing.T) {
	mw := RequireRole("receptionist")
	if err := invokeWithRoles(t, mw, []string{"admin"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole_ForbidsOtherRoles(t *testing.T) {
	mw := RequireRole("admin")
	err := invokeWithRoles(t, mw, []string{"doctor", "receptionist"})
	requireHTTPStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_ForbidsAnonymous(t *testing.T) {
	mw := RequireRole("doctor")
	err := invokeWithRoles(t, mw, nil)
	requireHTTPStatus(t, err, http.StatusForbidden)
}

func TestHasRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		check string
		want  bool
	}{
		{"direct match", []string{"doctor"}, "doctor", true},
		{"admin implies all", []string{"admin"}, "doctor", true},
		{"no match", []string{"patient"}, "doctor", false},
		{"no roles", nil, "doctor", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasRole(ctxWithRoles(tt.roles...), tt.check); got != tt.want {
				t.Errorf("HasRole(%v, %q) = %v, want %v", tt.roles, tt.check, got, tt.want)
			}
		})
	}
}
