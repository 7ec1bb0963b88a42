// Package textextract turns uploaded referral documents into plain text.
// Plain-text uploads are decoded locally; everything else goes to an OCR
// service over HTTP.
package textextract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/platform/resilience"
)

// ErrUnreadable marks documents that will never yield text, as opposed to a
// transient collaborator failure that may be retried.
var ErrUnreadable = errors.New("document has no readable text")

// ErrNoOCR is returned by Router for non-text formats when no OCR service
// is wired. The document itself may be fine.
var ErrNoOCR = errors.New("no OCR service configured")

// Extractor returns the text content of a document.
type Extractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (string, error)
}

// PlainText decodes text/plain uploads.
type PlainText struct{}

func (PlainText) Extract(ctx context.Context, data []byte, contentType string) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrUnreadable)
	}
	return normalizeText(string(data)), nil
}

// HTTPClient posts the raw document to an OCR service and expects
// {"text": "..."} back.
type HTTPClient struct {
	url    string
	client *http.Client
	guard  *resilience.Guard
}

func NewHTTPClient(url string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
		guard:  resilience.NewGuard(ocrBreakerConfig(), logger),
	}
}

func ocrBreakerConfig() resilience.BreakerConfig {
	cfg := resilience.DefaultBreakerConfig("ocr")
	cfg.Benign = func(err error) bool { return errors.Is(err, ErrUnreadable) }
	return cfg
}

type ocrResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func (h *HTTPClient) Extract(ctx context.Context, data []byte, contentType string) (string, error) {
	text, err := resilience.Do(ctx, h.guard, func(ctx context.Context) (string, error) {
		return h.post(ctx, data, contentType)
	})
	if err != nil {
		return "", err
	}
	return normalizeText(text), nil
}

// unreadableError is returned when the service rejects the document itself.
type unreadableError struct{ msg string }

func (e *unreadableError) Error() string { return e.msg }
func (e *unreadableError) Unwrap() error { return ErrUnreadable }

func (h *HTTPClient) post(ctx context.Context, data []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build OCR request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call OCR service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("read OCR response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnsupportedMediaType || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", &unreadableError{msg: fmt.Sprintf("OCR service rejected document: %s", strings.TrimSpace(string(body)))}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("OCR service returned status %d", resp.StatusCode)
	}

	var out ocrResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode OCR response: %w", err)
	}
	return out.Text, nil
}

// Router sends text/plain to PlainText and everything else to OCR.
type Router struct {
	plain PlainText
	ocr   Extractor
}

// NewRouter builds a Router. With a nil ocr, non-text formats return
// ErrNoOCR.
func NewRouter(ocr Extractor) *Router {
	return &Router{ocr: ocr}
}

func (r *Router) Extract(ctx context.Context, data []byte, contentType string) (string, error) {
	if strings.HasPrefix(contentType, "text/plain") {
		return r.plain.Extract(ctx, data, contentType)
	}
	if r.ocr == nil {
		return "", fmt.Errorf("%w for %s", ErrNoOCR, contentType)
	}
	return r.ocr.Extract(ctx, data, contentType)
}

// normalizeText unifies line endings and trims trailing whitespace per line.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
