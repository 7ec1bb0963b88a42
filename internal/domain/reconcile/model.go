// Package reconcile applies a reviewed referral to the practice's records:
// it links or creates the patient, GP and referrer, then merges the referral
// into a consultation, all in one transaction.
package reconcile

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/apperror"
)

// PatientInput is the reviewed patient section. Dates are accepted in any
// layout referral.ParseDate reads.
type PatientInput struct {
	FullName       string `json:"fullName"`
	DateOfBirth    string `json:"dateOfBirth,omitempty"`
	Sex            string `json:"sex,omitempty"`
	MRN            string `json:"mrn,omitempty"`
	MedicareNumber string `json:"medicareNumber,omitempty"`
	Address        string `json:"address,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
}

// ContactInput is a reviewed GP or referrer section. Specialty is only
// stored for referrers.
type ContactInput struct {
	FullName       string `json:"fullName,omitempty"`
	PracticeName   string `json:"practiceName,omitempty"`
	ProviderNumber string `json:"providerNumber,omitempty"`
	Specialty      string `json:"specialty,omitempty"`
	Address        string `json:"address,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Fax            string `json:"fax,omitempty"`
	Email          string `json:"email,omitempty"`
}

type ContextInput struct {
	ReasonForReferral       string   `json:"reasonForReferral,omitempty"`
	KeyProblems             []string `json:"keyProblems,omitempty"`
	InvestigationsMentioned []string `json:"investigationsMentioned,omitempty"`
	MedicationsMentioned    []string `json:"medicationsMentioned,omitempty"`
	Urgency                 string   `json:"urgency,omitempty"`
	ReferralDate            string   `json:"referralDate,omitempty"`
}

// ApplyInput is the body of an apply request. Omitted sections, and
// sections whose fields are all blank, create nothing.
type ApplyInput struct {
	Patient         PatientInput  `json:"patient"`
	GP              *ContactInput `json:"gp,omitempty"`
	Referrer        *ContactInput `json:"referrer,omitempty"`
	ReferralContext *ContextInput `json:"referralContext,omitempty"`
	ConsultationID  *uuid.UUID    `json:"consultationId,omitempty"`
}

type ApplyResult struct {
	DocumentID     uuid.UUID  `json:"documentId"`
	PatientID      uuid.UUID  `json:"patientId"`
	GPContactID    *uuid.UUID `json:"gpContactId,omitempty"`
	ReferrerID     *uuid.UUID `json:"referrerId,omitempty"`
	ConsultationID uuid.UUID  `json:"consultationId"`
	// PatientLinked reports whether an existing patient was reused.
	PatientLinked bool `json:"patientLinked"`
}

// Patient is a patient record in plaintext. Encryption happens in the
// repository.
type Patient struct {
	ID             uuid.UUID
	PracticeID     string
	FullName       string
	DateOfBirth    *time.Time
	Sex            string
	MRN            string
	MedicareNumber string
	Address        string
	Phone          string
	Email          string
	CreatedBy      string
}

// Contact is a GP contact or referrer record.
type Contact struct {
	ID             uuid.UUID
	PracticeID     string
	FullName       string
	PracticeName   string
	ProviderNumber string
	Specialty      string
	Address        string
	Phone          string
	Fax            string
	Email          string
}

type ConsultationStatus string

const (
	ConsultationDraft      ConsultationStatus = "DRAFT"
	ConsultationInProgress ConsultationStatus = "IN_PROGRESS"
	ConsultationCompleted  ConsultationStatus = "COMPLETED"
	ConsultationCancelled  ConsultationStatus = "CANCELLED"
)

// Closed consultations no longer accept referral data.
func (s ConsultationStatus) Closed() bool {
	return s == ConsultationCompleted || s == ConsultationCancelled
}

type Consultation struct {
	ID                 uuid.UUID
	PracticeID         string
	PatientID          uuid.UUID
	ReferrerID         *uuid.UUID
	GPContactID        *uuid.UUID
	ReferralDocumentID *uuid.UUID
	Status             ConsultationStatus
	ReasonForReferral  string
	KeyProblems        []string
	Medications        []string
	Investigations     []string
	Urgency            string
	ReferralDate       *time.Time
	CreatedBy          string
}

// referralContext is a validated ContextInput.
type referralContext struct {
	Reason         string
	KeyProblems    []string
	Medications    []string
	Investigations []string
	Urgency        string
	ReferralDate   *time.Time
}

// plan is an ApplyInput after validation and normalisation. Nil sections
// are not committed.
type plan struct {
	Patient        Patient
	GP             *Contact
	Referrer       *Contact
	Context        *referralContext
	ConsultationID *uuid.UUID
	// DroppedUrgency holds an urgency value that matched no known level.
	DroppedUrgency string
}

// Column widths of the patient and contact tables.
const (
	maxNameLen     = 255
	maxProviderLen = 32
	maxPhoneLen    = 64
	maxEmailLen    = 255
	maxMRNLen      = 64
)

func checkLen(field, v string, max int) error {
	if n := utf8.RuneCountInString(v); n > max {
		return apperror.Validation("%s is %d characters, the limit is %d", field, n, max)
	}
	return nil
}

func (c *Contact) checkLengths(section string) error {
	for _, f := range []struct {
		name string
		v    string
		max  int
	}{
		{"fullName", c.FullName, maxNameLen},
		{"practiceName", c.PracticeName, maxNameLen},
		{"providerNumber", c.ProviderNumber, maxProviderLen},
		{"specialty", c.Specialty, maxNameLen},
		{"phone", c.Phone, maxPhoneLen},
		{"fax", c.Fax, maxPhoneLen},
		{"email", c.Email, maxEmailLen},
	} {
		if err := checkLen(section+" "+f.name, f.v, f.max); err != nil {
			return err
		}
	}
	return nil
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func parseOptionalDate(field, raw string) (*time.Time, error) {
	return parseOptional(field, raw, referral.ParseDate)
}

func parseOptionalBirthDate(field, raw string) (*time.Time, error) {
	return parseOptional(field, raw, func(s string) (time.Time, bool) {
		return referral.ParseBirthDate(s, time.Now())
	})
}

func parseOptional(field, raw string, parse func(string) (time.Time, bool)) (*time.Time, error) {
	raw = clean(raw)
	if raw == "" {
		return nil, nil
	}
	t, ok := parse(raw)
	if !ok {
		return nil, apperror.Validation("%s %q is not a recognised date", field, raw)
	}
	return &t, nil
}

func normalizeSex(raw string) (string, error) {
	switch strings.ToLower(clean(raw)) {
	case "":
		return "", nil
	case "m", "male":
		return "male", nil
	case "f", "female":
		return "female", nil
	case "other", "intersex", "x":
		return "other", nil
	case "unknown", "u":
		return "unknown", nil
	}
	return "", apperror.Validation("sex %q is not one of male, female, other or unknown", raw)
}

// cleanList trims items and drops blanks and case-insensitive repeats,
// keeping first occurrences in order.
func cleanList(items []string) []string {
	return unionFold(nil, items)
}

// unionFold appends the items of add that base does not already hold,
// compared case-insensitively.
func unionFold(base, add []string) []string {
	out := make([]string, 0, len(base)+len(add))
	seen := make(map[string]bool, len(base)+len(add))
	for _, group := range [][]string{base, add} {
		for _, it := range group {
			it = clean(it)
			key := strings.ToLower(it)
			if it == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, it)
		}
	}
	return out
}

func (c ContactInput) contact() *Contact {
	out := &Contact{
		FullName:       clean(c.FullName),
		PracticeName:   clean(c.PracticeName),
		ProviderNumber: NormalizeProviderNumber(c.ProviderNumber),
		Specialty:      clean(c.Specialty),
		Address:        clean(c.Address),
		Phone:          clean(c.Phone),
		Fax:            clean(c.Fax),
		Email:          strings.ToLower(clean(c.Email)),
	}
	if *out == (Contact{}) {
		return nil
	}
	return out
}

func (c ContextInput) context() (*referralContext, string, error) {
	rc := &referralContext{
		Reason:         clean(c.ReasonForReferral),
		KeyProblems:    cleanList(c.KeyProblems),
		Medications:    cleanList(c.MedicationsMentioned),
		Investigations: cleanList(c.InvestigationsMentioned),
	}

	var dropped string
	if raw := clean(c.Urgency); raw != "" {
		if u, ok := referral.NormalizeUrgency(raw); ok {
			rc.Urgency = u
		} else {
			dropped = raw
		}
	}

	date, err := parseOptionalDate("referralDate", c.ReferralDate)
	if err != nil {
		return nil, "", err
	}
	rc.ReferralDate = date

	if rc.Reason == "" && len(rc.KeyProblems) == 0 && len(rc.Medications) == 0 &&
		len(rc.Investigations) == 0 && rc.Urgency == "" && rc.ReferralDate == nil {
		return nil, dropped, nil
	}
	return rc, dropped, nil
}

// validate checks the input and normalises it into a plan. It runs before
// any database work.
func (in ApplyInput) validate() (*plan, error) {
	p := &plan{ConsultationID: in.ConsultationID}
	if p.ConsultationID != nil && *p.ConsultationID == uuid.Nil {
		p.ConsultationID = nil
	}

	name := clean(in.Patient.FullName)
	if name == "" {
		return nil, apperror.Validation("patient fullName is required")
	}
	dob, err := parseOptionalBirthDate("patient dateOfBirth", in.Patient.DateOfBirth)
	if err != nil {
		return nil, err
	}
	if dob != nil && dob.After(time.Now()) {
		return nil, apperror.Validation("patient dateOfBirth is in the future")
	}
	sex, err := normalizeSex(in.Patient.Sex)
	if err != nil {
		return nil, err
	}
	p.Patient = Patient{
		FullName:       name,
		DateOfBirth:    dob,
		Sex:            sex,
		MRN:            NormalizeMRN(in.Patient.MRN),
		MedicareNumber: NormalizeMedicare(in.Patient.MedicareNumber),
		Address:        clean(in.Patient.Address),
		Phone:          clean(in.Patient.Phone),
		Email:          strings.ToLower(clean(in.Patient.Email)),
	}

	if in.GP != nil {
		p.GP = in.GP.contact()
	}
	if in.Referrer != nil {
		p.Referrer = in.Referrer.contact()
	}
	if p.GP != nil && p.GP.FullName == "" {
		return nil, apperror.Validation("gp fullName is required when the gp section is provided")
	}
	if p.Referrer != nil && p.Referrer.FullName == "" {
		return nil, apperror.Validation("referrer fullName is required when the referrer section is provided")
	}
	if p.GP != nil {
		p.GP.Specialty = ""
		if err := p.GP.checkLengths("gp"); err != nil {
			return nil, err
		}
	}
	if p.Referrer != nil {
		if err := p.Referrer.checkLengths("referrer"); err != nil {
			return nil, err
		}
	}
	if err := checkLen("patient mrn", p.Patient.MRN, maxMRNLen); err != nil {
		return nil, err
	}

	if in.ReferralContext != nil {
		if p.Context, p.DroppedUrgency, err = in.ReferralContext.context(); err != nil {
			return nil, err
		}
	}
	return p, nil
}
