// Package extraction turns referral letter text into confidence-scored
// fields. The fast engine pulls patient identity for pre-fill; the full
// engine pulls everything needed to reconcile the referral.
package extraction

import (
	"context"
	"errors"
	"strings"
)

// Field paths shared by the schemas, the extractors and the engines.
const (
	PatientFullName       = "patient.fullName"
	PatientDateOfBirth    = "patient.dateOfBirth"
	PatientSex            = "patient.sex"
	PatientMRN            = "patient.mrn"
	PatientMedicareNumber = "patient.medicareNumber"
	PatientAddress        = "patient.address"
	PatientPhone          = "patient.phone"
	PatientEmail          = "patient.email"

	ContextReason         = "referralContext.reasonForReferral"
	ContextKeyProblems    = "referralContext.keyProblems"
	ContextInvestigations = "referralContext.investigationsMentioned"
	ContextMedications    = "referralContext.medicationsMentioned"
	ContextUrgency        = "referralContext.urgency"
	ContextReferralDate   = "referralContext.referralDate"
)

// Contact field suffixes, prefixed with "gp." or "referrer.".
const (
	ContactFullName       = "fullName"
	ContactPracticeName   = "practiceName"
	ContactProviderNumber = "providerNumber"
	ContactSpecialty      = "specialty"
	ContactAddress        = "address"
	ContactPhone          = "phone"
	ContactFax            = "fax"
	ContactEmail          = "email"
)

func gpField(name string) string       { return "gp." + name }
func referrerField(name string) string { return "referrer." + name }

// FieldSpec describes one field to extract.
type FieldSpec struct {
	Path        string
	Description string
	List        bool
}

type Schema struct {
	Name   string
	Fields []FieldSpec
}

func (s Schema) Has(path string) bool {
	for _, f := range s.Fields {
		if f.Path == path {
			return true
		}
	}
	return false
}

func (s Schema) spec(path string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Path == path {
			return f, true
		}
	}
	return FieldSpec{}, false
}

var patientFields = []FieldSpec{
	{Path: PatientFullName, Description: "patient's full name without title"},
	{Path: PatientDateOfBirth, Description: "patient's date of birth as YYYY-MM-DD"},
	{Path: PatientSex, Description: "patient's sex: male, female or other"},
	{Path: PatientMRN, Description: "hospital medical record or UR number"},
	{Path: PatientMedicareNumber, Description: "Medicare card number including IRN"},
	{Path: PatientAddress, Description: "patient's residential address"},
	{Path: PatientPhone, Description: "patient's phone number"},
	{Path: PatientEmail, Description: "patient's email address"},
}

func contactFields(prefix func(string) string, who string, withSpecialty bool) []FieldSpec {
	fields := []FieldSpec{
		{Path: prefix(ContactFullName), Description: who + "'s full name without title"},
		{Path: prefix(ContactPracticeName), Description: who + "'s practice or clinic name"},
		{Path: prefix(ContactProviderNumber), Description: who + "'s Medicare provider number"},
	}
	if withSpecialty {
		fields = append(fields, FieldSpec{Path: prefix(ContactSpecialty), Description: who + "'s specialty"})
	}
	return append(fields,
		FieldSpec{Path: prefix(ContactAddress), Description: who + "'s practice address"},
		FieldSpec{Path: prefix(ContactPhone), Description: who + "'s phone number"},
		FieldSpec{Path: prefix(ContactFax), Description: who + "'s fax number"},
		FieldSpec{Path: prefix(ContactEmail), Description: who + "'s email address"},
	)
}

var contextFields = []FieldSpec{
	{Path: ContextReason, Description: "reason for referral in one or two sentences"},
	{Path: ContextKeyProblems, Description: "key clinical problems or diagnoses", List: true},
	{Path: ContextInvestigations, Description: "investigations or results mentioned", List: true},
	{Path: ContextMedications, Description: "current medications mentioned", List: true},
	{Path: ContextUrgency, Description: "urgency: routine, urgent or emergency"},
	{Path: ContextReferralDate, Description: "date the letter was written as YYYY-MM-DD"},
}

// FastSchema asks only for the identity fields used to pre-fill review.
var FastSchema = Schema{
	Name:   "fast",
	Fields: []FieldSpec{patientFields[0], patientFields[1], patientFields[3]},
}

// FullSchema asks for everything reconciliation can use.
var FullSchema = Schema{
	Name: "full",
	Fields: concat(
		patientFields,
		contactFields(gpField, "the patient's usual GP", false),
		contactFields(referrerField, "the referring clinician", true),
		contextFields,
	),
}

func concat(groups ...[]FieldSpec) []FieldSpec {
	var out []FieldSpec
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Value is one extracted field before it is placed into a result. Exactly
// one of Text and List is meaningful, depending on the field spec.
type Value struct {
	Text       string
	List       []string
	Confidence float64
}

// Fields maps field paths to extracted values. Missing paths were not found.
type Fields map[string]Value

func (f Fields) text(path string) (string, float64, bool) {
	v, ok := f[path]
	if !ok {
		return "", 0, false
	}
	s := strings.TrimSpace(v.Text)
	return s, v.Confidence, s != ""
}

func (f Fields) list(path string) ([]string, float64, bool) {
	v, ok := f[path]
	if !ok {
		return nil, 0, false
	}
	items := dedupe(v.List)
	return items, v.Confidence, len(items) > 0
}

// dedupe trims items and drops blanks and case-insensitive repeats.
func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		it = strings.Join(strings.Fields(it), " ")
		key := strings.ToLower(it)
		if it == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}

// ErrUnparseable is returned when an extractor's response cannot be read.
var ErrUnparseable = errors.New("extraction response could not be parsed")

// FieldExtractor pulls the fields of a schema out of letter text. Any field
// may be missing from the result.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, text string, schema Schema) (Fields, error)
	Model() string
}
