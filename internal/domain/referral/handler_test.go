package referral

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/referrals/internal/platform/auth"
	"github.com/ehr/referrals/internal/platform/db"
	"github.com/ehr/referrals/internal/platform/textextract"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv(textextract.NewRouter(nil))
	return NewHandler(env.svc), env, echo.New()
}

func practiceRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := db.WithPractice(context.Background(), testPractice)
	ctx = auth.WithUser(ctx, "user-1", auth.RoleClinician)
	return req.WithContext(ctx)
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_Create(t *testing.T) {
	h, env, e := newTestHandler()
	env.blobs.Put("uploads/l.pdf", "application/pdf", []byte("%PDF-1.7"))

	body := `{"filename":"l.pdf","mimeType":"application/pdf","sizeBytes":8,"storageKey":"uploads/l.pdf"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(practiceRequest(http.MethodPost, "/api/v1/referrals", body), rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var d Document
	_ = json.Unmarshal(rec.Body.Bytes(), &d)
	if d.Status != StatusUploaded || d.UserID != "user-1" {
		t.Errorf("unexpected document %+v", d)
	}
}

func TestHandler_Create_InvalidMime(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"filename":"l.zip","mimeType":"application/zip","sizeBytes":8,"storageKey":"uploads/l.zip"}`
	c := e.NewContext(practiceRequest(http.MethodPost, "/api/v1/referrals", body), httptest.NewRecorder())

	if code := httpStatus(t, h.Create(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Get_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(practiceRequest(http.MethodGet, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	if code := httpStatus(t, h.Get(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_Get_InvalidID(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(practiceRequest(http.MethodGet, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	if code := httpStatus(t, h.Get(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Status(t *testing.T) {
	h, env, e := newTestHandler()
	d := env.upload(t, "letter")

	rec := httptest.NewRecorder()
	c := e.NewContext(practiceRequest(http.MethodGet, "/", ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())

	if err := h.Status(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var env2 StatusEnvelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env2)
	if env2.DocumentID != d.ID || env2.Status != StatusUploaded || env2.FastExtractionStatus != ExtractionPending {
		t.Errorf("unexpected envelope %+v", env2)
	}
}

func TestHandler_ExtractText_TerminalIsBadRequest(t *testing.T) {
	h, env, e := newTestHandler()
	d := env.upload(t, "letter")
	_ = env.repo.MarkFailed(context.Background(), testPractice, d.ID, "unreadable")

	c := e.NewContext(practiceRequest(http.MethodPost, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())

	if code := httpStatus(t, h.ExtractText(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_List(t *testing.T) {
	h, env, e := newTestHandler()
	for i := 0; i < 3; i++ {
		env.upload(t, "letter")
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(practiceRequest(http.MethodGet, "/api/v1/referrals?limit=2", ""), rec)
	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Data    []Document `json:"data"`
		Total   int        `json:"total"`
		HasMore bool       `json:"hasMore"`
		Next    string     `json:"next"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 3 || len(resp.Data) != 2 || !resp.HasMore {
		t.Errorf("unexpected page: total=%d len=%d more=%v", resp.Total, len(resp.Data), resp.HasMore)
	}
	if !strings.Contains(resp.Next, "offset=2") {
		t.Errorf("expected next link, got %q", resp.Next)
	}
}
