package reconcile

import (
	"strings"
	"unicode"

	"github.com/ehr/referrals/internal/domain/referral"
)

// Rule names a matching rule. Rule names appear in logs and never carry
// patient data.
type Rule string

const (
	RuleMRN            Rule = "mrn"
	RuleMedicare       Rule = "medicare"
	RuleNameDOB        Rule = "name_dob"
	RuleProviderNumber Rule = "provider_number"
	RuleNamePractice   Rule = "name_practice"
)

// MatchPolicy selects which patient matching rules run. Rules always run in
// the order mrn, medicare, name_dob. Contact rules are fixed.
type MatchPolicy struct {
	ByMRN      bool
	ByMedicare bool
	ByNameDOB  bool
}

func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{ByMRN: true, ByMedicare: true, ByNameDOB: true}
}

// Probe is one lookup to try: rule plus the normalised key it matches on.
type Probe struct {
	Rule Rule
	Key  string
}

// PatientProbes lists the lookups for p in priority order, skipping rules
// that are disabled or whose key is missing.
func (m MatchPolicy) PatientProbes(p Patient) []Probe {
	var probes []Probe
	if m.ByMRN && p.MRN != "" {
		probes = append(probes, Probe{RuleMRN, p.MRN})
	}
	if m.ByMedicare && p.MedicareNumber != "" {
		probes = append(probes, Probe{RuleMedicare, p.MedicareNumber})
	}
	if m.ByNameDOB && p.DateOfBirth != nil {
		probes = append(probes, Probe{RuleNameDOB, IdentityKey(p.FullName, p.DateOfBirth.Format(referral.ISODate))})
	}
	return probes
}

// ContactProbes lists the lookups for a GP or referrer.
func ContactProbes(c Contact) []Probe {
	var probes []Probe
	if c.ProviderNumber != "" {
		probes = append(probes, Probe{RuleProviderNumber, c.ProviderNumber})
	}
	if c.FullName != "" {
		probes = append(probes, Probe{RuleNamePractice, NameKey(c.FullName, c.PracticeName)})
	}
	return probes
}

// Outcome of resolving one record.
type Outcome string

const (
	OutcomeLinked    Outcome = "linked"
	OutcomeCreated   Outcome = "created"
	OutcomeAmbiguous Outcome = "ambiguous"
)

// Decision records how a record was resolved, for logging.
type Decision struct {
	Outcome    Outcome
	Rule       Rule
	Candidates int
}

// Decide applies the ambiguity rule to the candidate count of a probe:
// exactly one links, more than one stops matching so a new record is made.
// A zero count means the next probe should be tried.
func Decide(rule Rule, candidates int) (Decision, bool) {
	switch {
	case candidates == 1:
		return Decision{Outcome: OutcomeLinked, Rule: rule, Candidates: 1}, true
	case candidates > 1:
		return Decision{Outcome: OutcomeAmbiguous, Rule: rule, Candidates: candidates}, true
	}
	return Decision{}, false
}

func alnumUpper(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// NormalizeMRN upper-cases an MRN and strips everything but letters and
// digits.
func NormalizeMRN(s string) string { return alnumUpper(s) }

// NormalizeProviderNumber has the same shape as an MRN.
func NormalizeProviderNumber(s string) string { return alnumUpper(s) }

// NormalizeMedicare keeps only the digits of a Medicare number.
func NormalizeMedicare(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var honorifics = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "miss": true, "mx": true, "master": true,
	"dr": true, "prof": true, "professor": true, "sir": true, "dame": true,
}

// normalizeName lower-cases a person's name, drops punctuation and leading
// honorifics, and collapses spaces.
func normalizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		case r == '\'' || r == '’':
			return -1
		}
		return ' '
	}, s)
	words := strings.Fields(s)
	for len(words) > 1 && honorifics[words[0]] {
		words = words[1:]
	}
	return strings.Join(words, " ")
}

func normalizeOrg(s string) string {
	return strings.Join(strings.Fields(strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)), " ")
}

// IdentityKey is the plaintext fed to the patient identity blind index.
func IdentityKey(fullName, isoDOB string) string {
	return normalizeName(fullName) + "|" + isoDOB
}

// NameKey is the stored match key of a contact.
func NameKey(fullName, practiceName string) string {
	return normalizeName(fullName) + "|" + normalizeOrg(practiceName)
}
