package referral

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("referral document not found")
	// ErrStateChanged is returned by guarded updates whose precondition no
	// longer holds when the statement runs.
	ErrStateChanged = errors.New("referral document state changed")
)

// Repository persists documents. Every method is scoped to a practice; a
// document of another practice is reported as ErrNotFound.
type Repository interface {
	Create(ctx context.Context, d *Document) error
	GetByID(ctx context.Context, practiceID string, id uuid.UUID) (*Document, error)
	List(ctx context.Context, practiceID string, status Status, limit, offset int) ([]*Document, int, error)

	// SaveContentText stores extracted text, moves the document to
	// TEXT_EXTRACTED and resets both extraction sub-states. Only documents
	// that have not reached a terminal state are updated.
	SaveContentText(ctx context.Context, practiceID string, id uuid.UUID, text string) error
	// MarkFailed moves a non-terminal document to FAILED.
	MarkFailed(ctx context.Context, practiceID string, id uuid.UUID, reason string) error

	// SetFastState writes only the fast extraction columns.
	SetFastState(ctx context.Context, practiceID string, id uuid.UUID, status ExtractionStatus, data *FastExtractedData, errMsg *string) error
	// SetFullState writes only the full extraction columns. With promote set,
	// a TEXT_EXTRACTED document also becomes EXTRACTED.
	SetFullState(ctx context.Context, practiceID string, id uuid.UUID, status ExtractionStatus, data *ExtractedData, errMsg *string, promote bool) error

	// LockForApply reads the document with a row lock held until the
	// surrounding transaction ends.
	LockForApply(ctx context.Context, practiceID string, id uuid.UUID) (*Document, error)
	// MarkApplied moves an EXTRACTED document to APPLIED. It returns
	// ErrStateChanged when the document is no longer EXTRACTED.
	MarkApplied(ctx context.Context, practiceID string, id uuid.UUID, consultationID uuid.UUID) error
}
