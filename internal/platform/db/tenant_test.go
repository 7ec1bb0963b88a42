package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractPracticeID_FromJWT(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Practice-ID", "header_practice")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("jwt_practice_id", "jwt_practice")

	if pid := extractPracticeID(c, "default", true); pid != "jwt_practice" {
		t.Errorf("expected jwt_practice, got %s", pid)
	}
}

func TestExtractPracticeID_HeaderOnlyInDevelopment(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Practice-ID", "clinic_abc")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if pid := extractPracticeID(c, "default", true); pid != "clinic_abc" {
		t.Errorf("expected clinic_abc, got %s", pid)
	}
	if pid := extractPracticeID(c, "default", false); pid != "" {
		t.Errorf("expected header ignored outside development, got %s", pid)
	}
}

func TestExtractPracticeID_FromQuery(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?practice_id=clinic_xyz", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if pid := extractPracticeID(c, "default", true); pid != "clinic_xyz" {
		t.Errorf("expected clinic_xyz, got %s", pid)
	}
}

func TestExtractPracticeID_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if pid := extractPracticeID(c, "default", true); pid != "default" {
		t.Errorf("expected default, got %s", pid)
	}
}

func TestResolvePractice_Errors(t *testing.T) {
	tests := []struct {
		name          string
		header        string
		allowOverride bool
		status        int
	}{
		{"invalid identifier", "bad;drop schema", true, http.StatusBadRequest},
		{"no practice outside development", "", false, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("X-Practice-ID", tt.header)
			}
			c := echo.New().NewContext(req, httptest.NewRecorder())

			_, err := resolvePractice(c, "default", tt.allowOverride)
			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != tt.status {
				t.Fatalf("expected %d, got %v", tt.status, err)
			}
		})
	}
}

func TestResolvePractice_FromClaim(t *testing.T) {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.Set("jwt_practice_id", "northside")

	got, err := resolvePractice(c, "default", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "northside" {
		t.Errorf("expected northside, got %q", got)
	}
}

func TestValidPracticeID(t *testing.T) {
	for id, ok := range map[string]bool{
		"northside":     true,
		"clinic_42":     true,
		"":              false,
		"north-side":    false,
		"a; DROP TABLE": false,
	} {
		if ValidPracticeID(id) != ok {
			t.Errorf("ValidPracticeID(%q): expected %v", id, ok)
		}
	}
}

func TestSchemaFor(t *testing.T) {
	if s := SchemaFor("northside"); s != "practice_northside" {
		t.Errorf("unexpected schema %s", s)
	}
	if PracticeFromContext(context.Background()) != "" {
		t.Error("expected empty practice on bare context")
	}
}
