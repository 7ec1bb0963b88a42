package extraction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLetter = `Northside Cardiology Rooms
12 March 2024

Dear Dr Patel,

Re: Mrs Jane Citizen DOB: 02/03/1975
UR No: A123456
Medicare No: 2123 45670 1
Sex: F
Address: 4 Example St, Carlton VIC 3053

Reason for referral: exertional chest pain over the last two months,
worse on stairs.

Problems:
- Hypertension
- Type 2 diabetes
- hypertension

Medications: Metformin 500mg bd; Perindopril 5mg daily

Investigations: ECG sinus rhythm, troponin negative

Urgency: semi-urgent

GP: Dr Alan Brown
GP Practice: Carlton Family Medical

Kind regards,

Dr Sarah Jones
Provider No: 2426621L
Specialty: General Practice
Fax: (03) 9000 1234
`

func TestRulesExtractor_FullLetter(t *testing.T) {
	fields, err := NewRulesExtractor().ExtractFields(context.Background(), sampleLetter, FullSchema)
	require.NoError(t, err)

	text := func(path string) string { return fields[path].Text }

	assert.Equal(t, "Jane Citizen", text(PatientFullName))
	assert.Equal(t, "1975-03-02", text(PatientDateOfBirth))
	assert.Equal(t, "A123456", text(PatientMRN))
	assert.Equal(t, "2123456701", text(PatientMedicareNumber))
	assert.Equal(t, "female", text(PatientSex))
	assert.Equal(t, "4 Example St, Carlton VIC 3053", text(PatientAddress))

	assert.Equal(t, "exertional chest pain over the last two months, worse on stairs.", text(ContextReason))
	assert.Equal(t, []string{"Hypertension", "Type 2 diabetes"}, fields[ContextKeyProblems].List)
	assert.Equal(t, []string{"Metformin 500mg bd", "Perindopril 5mg daily"}, fields[ContextMedications].List)
	assert.Equal(t, []string{"ECG sinus rhythm", "troponin negative"}, fields[ContextInvestigations].List)
	assert.Equal(t, "urgent", text(ContextUrgency))
	assert.Equal(t, "2024-03-12", text(ContextReferralDate))

	assert.Equal(t, "Alan Brown", text(gpField(ContactFullName)))
	assert.Equal(t, "Carlton Family Medical", text(gpField(ContactPracticeName)))

	assert.Equal(t, "Sarah Jones", text(referrerField(ContactFullName)))
	assert.Equal(t, "2426621L", text(referrerField(ContactProviderNumber)))
	assert.Equal(t, "General Practice", text(referrerField(ContactSpecialty)))
	assert.Equal(t, "(03) 9000 1234", text(referrerField(ContactFax)))

	for path, v := range fields {
		assert.True(t, v.Confidence > 0 && v.Confidence <= 1, "%s confidence %v", path, v.Confidence)
	}
}

func TestRulesExtractor_RespectsSchema(t *testing.T) {
	fields, err := NewRulesExtractor().ExtractFields(context.Background(), sampleLetter, FastSchema)
	require.NoError(t, err)

	assert.Len(t, fields, 3)
	assert.Contains(t, fields, PatientFullName)
	assert.Contains(t, fields, PatientDateOfBirth)
	assert.Contains(t, fields, PatientMRN)
}

func TestRulesExtractor_IgnoresLookalikes(t *testing.T) {
	letter := "URGENT review requested for your patient.\nThey were seen in return clinic."
	fields, err := NewRulesExtractor().ExtractFields(context.Background(), letter, FullSchema)
	require.NoError(t, err)

	assert.NotContains(t, fields, PatientMRN)
	assert.Equal(t, "urgent", fields[ContextUrgency].Text)
}

func TestRulesExtractor_TwoDigitBirthYear(t *testing.T) {
	letter := "Re: Mr John Smith DOB: 15/01/65"
	fields, err := NewRulesExtractor().ExtractFields(context.Background(), letter, FullSchema)
	require.NoError(t, err)

	assert.Equal(t, "1965-01-15", fields[PatientDateOfBirth].Text)
}

func TestRulesExtractor_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRulesExtractor().ExtractFields(ctx, sampleLetter, FullSchema)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCleanName(t *testing.T) {
	tests := map[string]string{
		"Mr John Smith":      "John Smith",
		"John Smith DOB":     "John Smith",
		"Dear Jane Citizen":  "Jane Citizen",
		"Dr Smith":           "",
		"Mary Anne Van Berg": "Mary Anne Van Berg",
	}
	for in, want := range tests {
		got, ok := cleanName(in)
		assert.Equal(t, want, got, in)
		assert.Equal(t, want != "", ok, in)
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"asthma", "COPD"}, splitList("asthma, COPD."))
	assert.Equal(t, []string{"Metformin 500mg, bd", "Aspirin"}, splitList("1. Metformin 500mg, bd\n2) Aspirin"))
	assert.Empty(t, splitList(" \n - \n"))
}
