package textextract

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPlainText(t *testing.T) {
	text, err := PlainText{}.Extract(context.Background(), []byte("\xef\xbb\xbfDear Dr Lee,\r\nRe: John Smith   \r\n\r\n"), "text/plain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Dear Dr Lee,\nRe: John Smith" {
		t.Errorf("unexpected text %q", text)
	}

	if _, err := (PlainText{}).Extract(context.Background(), []byte{0xff, 0xfe, 0xfd}, "text/plain"); !errors.Is(err, ErrUnreadable) {
		t.Errorf("expected ErrUnreadable for invalid UTF-8, got %v", err)
	}
}

func TestHTTPClient_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/pdf" {
			t.Errorf("expected pdf content type, got %s", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "%PDF" {
			t.Errorf("unexpected body %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"Patient: Jane Doe\r\n"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, zerolog.Nop())
	text, err := c.Extract(context.Background(), []byte("%PDF"), "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Patient: Jane Doe" {
		t.Errorf("unexpected text %q", text)
	}
}

func TestHTTPClient_Unreadable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("encrypted pdf"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, zerolog.Nop())
	_, err := c.Extract(context.Background(), []byte("%PDF"), "application/pdf")
	if !errors.Is(err, ErrUnreadable) {
		t.Fatalf("expected ErrUnreadable, got %v", err)
	}
}

func TestHTTPClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, zerolog.Nop())
	_, err := c.Extract(context.Background(), []byte("%PDF"), "application/pdf")
	if err == nil || errors.Is(err, ErrUnreadable) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

type stubExtractor struct{ called bool }

func (s *stubExtractor) Extract(ctx context.Context, data []byte, contentType string) (string, error) {
	s.called = true
	return "ocr text", nil
}

func TestRouter(t *testing.T) {
	ocr := &stubExtractor{}
	r := NewRouter(ocr)

	text, err := r.Extract(context.Background(), []byte("plain letter"), "text/plain")
	if err != nil || text != "plain letter" || ocr.called {
		t.Errorf("expected local decode, got %q, %v, ocr called=%v", text, err, ocr.called)
	}

	text, err = r.Extract(context.Background(), []byte("%PDF"), "application/pdf")
	if err != nil || text != "ocr text" {
		t.Errorf("expected OCR text, got %q, %v", text, err)
	}

	_, err = NewRouter(nil).Extract(context.Background(), []byte("%PDF"), "application/pdf")
	if !errors.Is(err, ErrNoOCR) || errors.Is(err, ErrUnreadable) {
		t.Errorf("expected ErrNoOCR without OCR, got %v", err)
	}
}
