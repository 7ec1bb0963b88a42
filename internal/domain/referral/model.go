package referral

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/referrals/internal/domain/confidence"
)

type Status string

const (
	StatusUploaded      Status = "UPLOADED"
	StatusTextExtracted Status = "TEXT_EXTRACTED"
	StatusExtracted     Status = "EXTRACTED"
	StatusApplied       Status = "APPLIED"
	StatusFailed        Status = "FAILED"
)

var AllStatuses = []Status{StatusUploaded, StatusTextExtracted, StatusExtracted, StatusApplied, StatusFailed}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal states accept no further processing.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusFailed
}

// ExtractionStatus is the state of one extraction engine on a document. The
// fast and full engines each have their own and never touch the other's.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "PENDING"
	ExtractionProcessing ExtractionStatus = "PROCESSING"
	ExtractionComplete   ExtractionStatus = "COMPLETE"
	ExtractionFailed     ExtractionStatus = "FAILED"
)

// Document is one uploaded referral letter and its processing state.
type Document struct {
	ID              uuid.UUID  `json:"id"`
	PracticeID      string     `json:"practiceId"`
	UserID          string     `json:"userId"`
	Filename        string     `json:"filename"`
	MimeType        string     `json:"mimeType"`
	SizeBytes       int64      `json:"sizeBytes"`
	StorageKey      string     `json:"storageKey"`
	Status          Status     `json:"status"`
	ProcessingError *string    `json:"processingError,omitempty"`
	ContentText     *string    `json:"contentText,omitempty"`
	ConsultationID  *uuid.UUID `json:"consultationId,omitempty"`
	AppliedAt       *time.Time `json:"appliedAt,omitempty"`

	FastExtractionStatus ExtractionStatus   `json:"fastExtractionStatus"`
	FastExtractionData   *FastExtractedData `json:"fastExtractionData,omitempty"`
	FastExtractionError  *string            `json:"fastExtractionError,omitempty"`

	FullExtractionStatus ExtractionStatus `json:"fullExtractionStatus"`
	ExtractedData        *ExtractedData   `json:"extractedData,omitempty"`
	FullExtractionError  *string          `json:"fullExtractionError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasText reports whether text extraction has produced usable content.
func (d *Document) HasText() bool {
	return d.ContentText != nil && strings.TrimSpace(*d.ContentText) != ""
}

// ExtractedField is one value pulled from a letter with the model's
// confidence in it. Level always follows Confidence.
type ExtractedField[T any] struct {
	Value      T                `json:"value"`
	Confidence float64          `json:"confidence"`
	Level      confidence.Level `json:"level"`
}

func NewField[T any](value T, c float64) *ExtractedField[T] {
	c = confidence.Clamp(c)
	return &ExtractedField[T]{Value: value, Confidence: c, Level: confidence.LevelFor(c)}
}

// UnmarshalJSON ignores any stored level and derives it from confidence.
func (f *ExtractedField[T]) UnmarshalJSON(b []byte) error {
	var raw struct {
		Value      T       `json:"value"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*f = *NewField(raw.Value, raw.Confidence)
	return nil
}

// confidences returns the scores of the fields that are present.
func confidences[T any](fields ...*ExtractedField[T]) []float64 {
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		if f != nil {
			out = append(out, f.Confidence)
		}
	}
	return out
}

// ExtractionMeta is shared by fast and full results.
type ExtractionMeta struct {
	OverallConfidence float64   `json:"overallConfidence"`
	ExtractedAt       time.Time `json:"extractedAt"`
	ModelUsed         string    `json:"modelUsed"`
	ProcessingTimeMs  int64     `json:"processingTimeMs"`
	LowConfidence     bool      `json:"lowConfidence"`
}

// FastExtractedData holds the identity fields used to pre-fill the review
// screen. Any field may be absent.
type FastExtractedData struct {
	PatientName *ExtractedField[string] `json:"patientName,omitempty"`
	DateOfBirth *ExtractedField[string] `json:"dateOfBirth,omitempty"`
	MRN         *ExtractedField[string] `json:"mrn,omitempty"`
	ExtractionMeta
}

// FieldConfidences lists the confidences of the fields that were returned.
func (f *FastExtractedData) FieldConfidences() []float64 {
	return confidences(f.PatientName, f.DateOfBirth, f.MRN)
}

type PatientSection struct {
	FullName       *ExtractedField[string] `json:"fullName,omitempty"`
	DateOfBirth    *ExtractedField[string] `json:"dateOfBirth,omitempty"`
	Sex            *ExtractedField[string] `json:"sex,omitempty"`
	MRN            *ExtractedField[string] `json:"mrn,omitempty"`
	MedicareNumber *ExtractedField[string] `json:"medicareNumber,omitempty"`
	Address        *ExtractedField[string] `json:"address,omitempty"`
	Phone          *ExtractedField[string] `json:"phone,omitempty"`
	Email          *ExtractedField[string] `json:"email,omitempty"`
	Confidence     float64                 `json:"confidence"`
}

func (p *PatientSection) FieldConfidences() []float64 {
	return confidences(p.FullName, p.DateOfBirth, p.Sex, p.MRN, p.MedicareNumber, p.Address, p.Phone, p.Email)
}

// ContactSection describes a GP or a referring clinician. Specialty is only
// extracted for referrers.
type ContactSection struct {
	FullName       *ExtractedField[string] `json:"fullName,omitempty"`
	PracticeName   *ExtractedField[string] `json:"practiceName,omitempty"`
	ProviderNumber *ExtractedField[string] `json:"providerNumber,omitempty"`
	Specialty      *ExtractedField[string] `json:"specialty,omitempty"`
	Address        *ExtractedField[string] `json:"address,omitempty"`
	Phone          *ExtractedField[string] `json:"phone,omitempty"`
	Fax            *ExtractedField[string] `json:"fax,omitempty"`
	Email          *ExtractedField[string] `json:"email,omitempty"`
	Confidence     float64                 `json:"confidence"`
}

func (c *ContactSection) FieldConfidences() []float64 {
	return confidences(c.FullName, c.PracticeName, c.ProviderNumber, c.Specialty, c.Address, c.Phone, c.Fax, c.Email)
}

type ReferralContextSection struct {
	ReasonForReferral       *ExtractedField[string]   `json:"reasonForReferral,omitempty"`
	KeyProblems             *ExtractedField[[]string] `json:"keyProblems,omitempty"`
	InvestigationsMentioned *ExtractedField[[]string] `json:"investigationsMentioned,omitempty"`
	MedicationsMentioned    *ExtractedField[[]string] `json:"medicationsMentioned,omitempty"`
	Urgency                 *ExtractedField[string]   `json:"urgency,omitempty"`
	ReferralDate            *ExtractedField[string]   `json:"referralDate,omitempty"`
	Confidence              float64                   `json:"confidence"`
}

func (r *ReferralContextSection) FieldConfidences() []float64 {
	out := confidences(r.ReasonForReferral, r.Urgency, r.ReferralDate)
	return append(out, confidences(r.KeyProblems, r.InvestigationsMentioned, r.MedicationsMentioned)...)
}

// ExtractedData is the full extraction result. Optional sections are nil
// when the letter does not mention them.
type ExtractedData struct {
	Patient         PatientSection          `json:"patient"`
	GP              *ContactSection         `json:"gp,omitempty"`
	Referrer        *ContactSection         `json:"referrer,omitempty"`
	ReferralContext *ReferralContextSection `json:"referralContext,omitempty"`
	ExtractionMeta
}

// StatusEnvelope is the polling view of a document.
type StatusEnvelope struct {
	DocumentID           uuid.UUID          `json:"documentId"`
	Status               Status             `json:"status"`
	FastExtractionStatus ExtractionStatus   `json:"fastExtractionStatus"`
	FastExtractionData   *FastExtractedData `json:"fastExtractionData,omitempty"`
	FullExtractionStatus ExtractionStatus   `json:"fullExtractionStatus"`
	ExtractedData        *ExtractedData     `json:"extractedData,omitempty"`
	Error                *string            `json:"error,omitempty"`
	LowConfidence        bool               `json:"lowConfidence"`
	ConsultationID       *uuid.UUID         `json:"consultationId,omitempty"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// Envelope builds the status view. The reported error prefers the document
// failure, then the fast engine, then the full engine.
func (d *Document) Envelope() *StatusEnvelope {
	env := &StatusEnvelope{
		DocumentID:           d.ID,
		Status:               d.Status,
		FastExtractionStatus: d.FastExtractionStatus,
		FastExtractionData:   d.FastExtractionData,
		FullExtractionStatus: d.FullExtractionStatus,
		ExtractedData:        d.ExtractedData,
		ConsultationID:       d.ConsultationID,
		UpdatedAt:            d.UpdatedAt,
	}
	switch {
	case d.Status == StatusFailed && d.ProcessingError != nil:
		env.Error = d.ProcessingError
	case d.FastExtractionStatus == ExtractionFailed && d.FastExtractionError != nil:
		env.Error = d.FastExtractionError
	case d.FullExtractionStatus == ExtractionFailed && d.FullExtractionError != nil:
		env.Error = d.FullExtractionError
	}
	switch {
	case d.ExtractedData != nil:
		env.LowConfidence = d.ExtractedData.LowConfidence
	case d.FastExtractionData != nil:
		env.LowConfidence = d.FastExtractionData.LowConfidence
	}
	return env
}

// UploadInput is the client's confirmation that a file reached storage.
type UploadInput struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mimeType"`
	SizeBytes  int64  `json:"sizeBytes"`
	StorageKey string `json:"storageKey"`
}
