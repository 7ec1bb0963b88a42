package referral

import (
	"testing"
	"time"
)

func TestNormalizeDate(t *testing.T) {
	tests := map[string]string{
		"1980-01-15":       "1980-01-15",
		"15/01/1980":       "1980-01-15",
		"5/1/1980":         "1980-01-05",
		"15.01.1980":       "1980-01-15",
		"15 January 1980":  "1980-01-15",
		"15  Jan   1980":   "1980-01-15",
		"January 15, 1980": "1980-01-15",
		"sometime in 1980": "sometime in 1980",
	}
	for in, want := range tests {
		if got := NormalizeDate(in); got != want {
			t.Errorf("NormalizeDate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseBirthDate_TwoDigitYear(t *testing.T) {
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	tests := map[string]string{
		"15/01/65":   "1965-01-15",
		"3/4/50":     "1950-04-03",
		"01.02.99":   "1999-02-01",
		"01/01/20":   "2020-01-01",
		"15/01/2065": "2065-01-15",
	}
	for in, want := range tests {
		got, ok := ParseBirthDate(in, now)
		if !ok {
			t.Errorf("ParseBirthDate(%q) did not parse", in)
			continue
		}
		if got.Format(ISODate) != want {
			t.Errorf("ParseBirthDate(%q) = %s, want %s", in, got.Format(ISODate), want)
		}
	}
}

func TestNormalizeBirthDate(t *testing.T) {
	if got := NormalizeBirthDate("15/01/65"); got != "1965-01-15" {
		t.Errorf("NormalizeBirthDate = %q", got)
	}
	if got := NormalizeBirthDate("unknown"); got != "unknown" {
		t.Errorf("unparsable input should pass through, got %q", got)
	}
}

func TestNormalizeUrgency(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Routine", UrgencyRoutine, true},
		{"non-urgent", UrgencyRoutine, true},
		{" URGENT ", UrgencyUrgent, true},
		{"semi-urgent", UrgencyUrgent, true},
		{"Emergency", UrgencyEmergency, true},
		{"whenever", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeUrgency(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeUrgency(%q) = %q,%v", tt.in, got, ok)
		}
	}
	if UrgencyRank(UrgencyEmergency) <= UrgencyRank(UrgencyUrgent) || UrgencyRank("") != 0 {
		t.Error("unexpected urgency ordering")
	}
}
