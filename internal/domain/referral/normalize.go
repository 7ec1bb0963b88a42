package referral

import (
	"strings"
	"time"
)

const ISODate = "2006-01-02"

// Urgency values accepted on a referral context.
const (
	UrgencyRoutine   = "routine"
	UrgencyUrgent    = "urgent"
	UrgencyEmergency = "emergency"
)

// Letters are Australian, so ambiguous numeric dates are read day first.
var dateLayouts = []string{
	ISODate,
	"2/1/2006",
	"02/01/2006",
	"2-1-2006",
	"02-01-2006",
	"2.1.2006",
	"02.01.2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2006/01/02",
}

// Two-digit years use Go's pivot: 69-99 map to the 1900s, 00-68 to the 2000s.
var shortYearLayouts = []string{
	"2/1/06",
	"02/01/06",
	"2-1-06",
	"02-01-06",
	"2.1.06",
	"02.01.06",
}

// ParseDate reads a date in any of the layouts commonly found in letters.
func ParseDate(s string) (time.Time, bool) {
	t, _, ok := parseDate(s)
	return t, ok
}

// ParseBirthDate is ParseDate for dates of birth: a two-digit year that
// would land after now is taken as the previous century.
func ParseBirthDate(s string, now time.Time) (time.Time, bool) {
	t, shortYear, ok := parseDate(s)
	if ok && shortYear && t.After(now) {
		t = t.AddDate(-100, 0, 0)
	}
	return t, ok
}

func parseDate(s string) (t time.Time, shortYear, ok bool) {
	s = strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
	if s == "" {
		return time.Time{}, false, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, false, true
		}
	}
	for _, layout := range shortYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true, true
		}
	}
	return time.Time{}, false, false
}

// NormalizeDate returns s as YYYY-MM-DD when it parses, and s unchanged
// otherwise.
func NormalizeDate(s string) string {
	if t, ok := ParseDate(s); ok {
		return t.Format(ISODate)
	}
	return strings.TrimSpace(s)
}

// NormalizeBirthDate is NormalizeDate using ParseBirthDate.
func NormalizeBirthDate(s string) string {
	if t, ok := ParseBirthDate(s, time.Now()); ok {
		return t.Format(ISODate)
	}
	return strings.TrimSpace(s)
}

// NormalizeUrgency maps free-text urgency onto routine, urgent or
// emergency. It reports false for anything else.
func NormalizeUrgency(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "routine", "non-urgent", "non urgent", "elective", "category 3", "cat 3":
		return UrgencyRoutine, true
	case "urgent", "urgently", "semi-urgent", "semi urgent", "asap", "soon", "category 2", "cat 2":
		return UrgencyUrgent, true
	case "emergency", "immediate", "immediately", "critical", "category 1", "cat 1":
		return UrgencyEmergency, true
	}
	return "", false
}

// UrgencyRank orders urgency values; unknown values rank lowest.
func UrgencyRank(u string) int {
	switch u {
	case UrgencyRoutine:
		return 1
	case UrgencyUrgent:
		return 2
	case UrgencyEmergency:
		return 3
	}
	return 0
}
