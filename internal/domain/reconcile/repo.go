package reconcile

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/referrals/internal/domain/referral"
)

var ErrConsultationNotFound = errors.New("consultation not found")

// DocumentStore is the part of the referral repository the apply path
// needs.
type DocumentStore interface {
	LockForApply(ctx context.Context, practiceID string, id uuid.UUID) (*referral.Document, error)
	MarkApplied(ctx context.Context, practiceID string, id uuid.UUID, consultationID uuid.UUID) error
}

// PatientRepository stores patients. Find returns at most two ids, which is
// enough to tell a unique match from an ambiguous one.
type PatientRepository interface {
	Find(ctx context.Context, practiceID string, probe Probe) ([]uuid.UUID, error)
	Create(ctx context.Context, p *Patient) error
	// FillBlanks copies p's values into the columns of record id that are
	// still empty. Populated columns are never overwritten.
	FillBlanks(ctx context.Context, practiceID string, id uuid.UUID, p *Patient) error
}

// ContactRepository stores GP contacts or referrers.
type ContactRepository interface {
	Find(ctx context.Context, practiceID string, probe Probe) ([]uuid.UUID, error)
	Create(ctx context.Context, c *Contact) error
	FillBlanks(ctx context.Context, practiceID string, id uuid.UUID, c *Contact) error
}

type ConsultationRepository interface {
	// GetForUpdate locks the consultation row for the rest of the
	// transaction. It returns ErrConsultationNotFound for a missing row or
	// one belonging to another practice.
	GetForUpdate(ctx context.Context, practiceID string, id uuid.UUID) (*Consultation, error)
	Create(ctx context.Context, c *Consultation) error
	Update(ctx context.Context, c *Consultation) error
}

// TxRunner runs fn in one database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
