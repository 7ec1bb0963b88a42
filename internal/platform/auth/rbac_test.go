package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func roleContext(roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUser(req.Context(), "user-1", roles...))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequireRole_Allowed(t *testing.T) {
	c, rec := roleContext(RoleClinician)

	err := RequireRole(RoleClinician, RoleStaff)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c, _ := roleContext(RoleStaff)

	err := RequireRole(RoleClinician)(func(c echo.Context) error { return nil })(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	c, _ := roleContext(RoleAdmin)

	if err := RequireRole(RoleClinician)(func(c echo.Context) error { return nil })(c); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestHasAnyRole(t *testing.T) {
	tests := []struct {
		granted  []string
		required []string
		want     bool
	}{
		{[]string{RoleClinician}, []string{RoleClinician}, true},
		{[]string{RoleStaff}, []string{RoleClinician, RoleStaff}, true},
		{[]string{RoleStaff}, []string{RoleClinician}, false},
		{[]string{RoleAdmin}, []string{RoleClinician}, true},
		{nil, []string{RoleClinician}, false},
	}
	for _, tt := range tests {
		if got := HasAnyRole(tt.granted, tt.required...); got != tt.want {
			t.Errorf("HasAnyRole(%v, %v) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func TestUserIDFromContext(t *testing.T) {
	if uid := UserIDFromContext(WithUser(context.Background(), "user-123")); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}
