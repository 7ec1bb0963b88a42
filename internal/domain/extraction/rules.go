package extraction

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/ehr/referrals/internal/domain/referral"
)

// RulesModel identifies results produced by RulesExtractor.
const RulesModel = "rules-v1"

const (
	namePart = `[A-Z][A-Za-z'\-]+`
	nameRun  = namePart + `(?:[ \t]+` + namePart + `){1,3}`
	title    = `(?:(?i:mr|mrs|ms|miss|master|dr|prof|professor)\.?[ \t]+)?`
	datePat  = `(\d{4}-\d{2}-\d{2}|\d{1,2}[/.\-]\d{1,2}[/.\-]\d{2,4}|\d{1,2}[ \t]+[A-Za-z]{3,9}[ \t]+\d{4}|[A-Za-z]{3,9}[ \t]+\d{1,2},?[ \t]+\d{4})`
	phonePat = `(\+?[\d \t()\-]{8,20})`
	// A block ends at a blank line, the next "Label:" line or the end of text.
	blockEnd = `(?:\n[ \t]*\n|\n[ \t]*[A-Za-z][A-Za-z \t]{0,30}:|\z)`
)

type rule struct {
	path       string
	re         *regexp.Regexp
	confidence float64
	list       bool
	clean      func(string) (string, bool)
}

// rules are tried in order; the first match for a path wins.
var rules = []rule{
	{path: PatientFullName, confidence: 0.85, clean: cleanName,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:patient(?:[ \t]+name)?|name|re)[ \t]*[:\-][ \t]*` + title + `(` + nameRun + `)`)},
	{path: PatientFullName, confidence: 0.7, clean: cleanName,
		re: regexp.MustCompile(`([A-Z][a-z'\-]+(?:[ \t]+[A-Z][a-z'\-]+){1,3})[ \t]*,?[ \t]*\(?(?i:DOB|D\.O\.B\.?|born|date of birth)`)},
	{path: PatientDateOfBirth, confidence: 0.9, clean: cleanBirthDate,
		re: regexp.MustCompile(`(?i:\b(?:DOB|D\.O\.B\.?|date[ \t]+of[ \t]+birth|born))[ \t]*[:\-]?[ \t]*(?:on[ \t]+)?` + datePat)},
	{path: PatientMRN, confidence: 0.9, clean: cleanIdentifier,
		re: regexp.MustCompile(`\b(?i:medical[ \t]+record[ \t]+(?:number|no)|hospital[ \t]+(?:number|no)|UR[ \t]*(?:number|no)|URN|UR|MRN)\b\.?[ \t]*[:#\-]?[ \t]*([A-Za-z0-9][A-Za-z0-9\-]{3,19})`)},
	{path: PatientMedicareNumber, confidence: 0.85, clean: cleanMedicare,
		re: regexp.MustCompile(`(?i:\bmedicare(?:[ \t]+(?:card[ \t]+)?(?:no\.?|number))?)[ \t]*[:#\-]?[ \t]*(\d{4}[ \t]?\d{5}[ \t]?\d(?:[ \t]*[/\-]?[ \t]*\d)?)`)},
	{path: PatientSex, confidence: 0.85, clean: cleanSex,
		re: regexp.MustCompile(`(?i:\b(?:sex|gender))[ \t]*[:\-][ \t]*((?i:male|female|other|intersex|m|f))\b`)},
	{path: PatientAddress, confidence: 0.7, clean: cleanLine,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:(?:patient[ \t]+)?(?:home[ \t]+)?address|addr)[ \t]*[:\-][ \t]*(.+)$`)},
	{path: PatientPhone, confidence: 0.6, clean: cleanLine,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:(?:patient[ \t]+)?(?:phone|ph|tel|telephone|mobile|mob))[ \t]*[:\-][ \t]*` + phonePat)},
	{path: PatientEmail, confidence: 0.6, clean: cleanLine,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:(?:patient[ \t]+)?e-?mail)[ \t]*[:\-][ \t]*([^\s@]+@[^\s@]+\.[^\s@]+)`)},

	{path: referrerField(ContactFullName), confidence: 0.8, clean: cleanName,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:from|referring[ \t]+(?:doctor|practitioner|clinician|GP)|referred[ \t]+by|referrer)[ \t]*[:\-][ \t]*` + title + `(` + nameRun + `)`)},
	{path: referrerField(ContactFullName), confidence: 0.75, clean: cleanName,
		re: regexp.MustCompile(`(?i:yours[ \t]+(?:sincerely|faithfully)|kind[ \t]+regards|regards|best[ \t]+wishes)[ \t]*,?[ \t]*\n(?:[ \t]*\n)*[ \t]*` + title + `(` + nameRun + `)`)},
	{path: referrerField(ContactProviderNumber), confidence: 0.85, clean: cleanIdentifier,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:(?:referrer|referring)[ \t]+)?(?i:provider)[ \t]*(?i:no\.?|number|#)?[ \t]*[:\-]?[ \t]*(\d{5,6}[0-9A-Za-z]{2})\b`)},
	{path: referrerField(ContactSpecialty), confidence: 0.8, clean: cleanLine,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:specialty|speciality)[ \t]*[:\-][ \t]*(.+)$`)},
	{path: referrerField(ContactPracticeName), confidence: 0.7, clean: cleanLine,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:practice(?:[ \t]+name)?|clinic|medical[ \t]+cent(?:re|er))[ \t]*[:\-][ \t]*(.+)$`)},
	{path: referrerField(ContactFax), confidence: 0.75, clean: cleanLine,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:fax)[ \t]*[:\-][ \t]*` + phonePat)},

	{path: gpField(ContactFullName), confidence: 0.8, clean: cleanName,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:usual[ \t]+GP|regular[ \t]+GP|GP|general[ \t]+practitioner)[ \t]*[:\-][ \t]*` + title + `(` + nameRun + `)`)},
	{path: gpField(ContactPracticeName), confidence: 0.75, clean: cleanLine,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:GP[ \t]+(?:practice|clinic|surgery))[ \t]*[:\-][ \t]*(.+)$`)},
	{path: gpField(ContactProviderNumber), confidence: 0.8, clean: cleanIdentifier,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:GP[ \t]+provider)[ \t]*(?i:no\.?|number)?[ \t]*[:\-]?[ \t]*(\d{5,6}[0-9A-Za-z]{2})\b`)},

	{path: ContextReason, confidence: 0.8, clean: cleanParagraph,
		re: regexp.MustCompile(`(?is)\b(?:reason[ \t]+for[ \t]+referral|referred[ \t]+for|presenting[ \t]+complaint)[ \t]*[:\-]?[ \t]*(.+?)` + blockEnd)},
	{path: ContextUrgency, confidence: 0.9, clean: cleanUrgency,
		re: regexp.MustCompile(`(?i)\b(?:urgency|priority|triage[ \t]+category)[ \t]*[:\-][ \t]*(non-urgent|semi-urgent|[a-z]+(?:[ \t]+[0-9])?)`)},
	{path: ContextUrgency, confidence: 0.65, clean: cleanUrgency,
		re: regexp.MustCompile(`(?i)\b(non-urgent|semi-urgent|emergency|urgent(?:ly)?|routine|asap|immediately)\b`)},
	{path: ContextReferralDate, confidence: 0.8, clean: cleanDate,
		re: regexp.MustCompile(`(?m)^[ \t]*(?i:date(?:[ \t]+of[ \t]+referral)?|referral[ \t]+date|dated)[ \t]*[:\-]?[ \t]*` + datePat)},
	{path: ContextReferralDate, confidence: 0.6, clean: cleanDate,
		re: regexp.MustCompile(`(?m)^[ \t]*` + datePat + `[ \t]*$`)},
	{path: ContextKeyProblems, confidence: 0.7, list: true,
		re: regexp.MustCompile(`(?ims)^[ \t]*(?:key[ \t]+problems|problems?(?:[ \t]+list)?|diagnos[ie]s|past[ \t]+(?:medical[ \t]+)?history|PMHx?|active[ \t]+issues)[ \t]*[:\-][ \t]*(.+?)` + blockEnd)},
	{path: ContextMedications, confidence: 0.75, list: true,
		re: regexp.MustCompile(`(?ims)^[ \t]*(?:current[ \t]+)?(?:medications?|meds|medicines)[ \t]*[:\-][ \t]*(.+?)` + blockEnd)},
	{path: ContextInvestigations, confidence: 0.7, list: true,
		re: regexp.MustCompile(`(?ims)^[ \t]*(?:investigations?|test[ \t]+results|results|tests|imaging|pathology)[ \t]*[:\-][ \t]*(.+?)` + blockEnd)},
}

// RulesExtractor finds fields with label and layout heuristics and fixed
// per-pattern confidences. It needs no external service.
type RulesExtractor struct{}

func NewRulesExtractor() *RulesExtractor { return &RulesExtractor{} }

func (*RulesExtractor) Model() string { return RulesModel }

func (*RulesExtractor) ExtractFields(ctx context.Context, text string, schema Schema) (Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fields := make(Fields)
	for _, r := range rules {
		if _, done := fields[r.path]; done || !schema.Has(r.path) {
			continue
		}
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if r.list {
			if items := splitList(m[1]); len(items) > 0 {
				fields[r.path] = Value{List: items, Confidence: r.confidence}
			}
			continue
		}
		v, ok := m[1], true
		if r.clean != nil {
			v, ok = r.clean(v)
		}
		if ok {
			fields[r.path] = Value{Text: v, Confidence: r.confidence}
		}
	}
	return fields, nil
}

var (
	leadingName  = map[string]bool{"dear": true, "re": true, "mr": true, "mrs": true, "ms": true, "miss": true, "master": true, "dr": true, "prof": true, "professor": true, "patient": true}
	nameStopword = map[string]bool{"dob": true, "d.o.b": true, "born": true, "mrn": true, "ur": true, "urn": true, "date": true, "medicare": true, "age": true, "aged": true, "sex": true}
)

// cleanName drops titles and any trailing label words swept up by the
// pattern. At least two name words must remain.
func cleanName(s string) (string, bool) {
	var words []string
	for _, w := range strings.Fields(s) {
		key := strings.ToLower(strings.TrimRight(w, ".,"))
		if len(words) == 0 && leadingName[key] {
			continue
		}
		if nameStopword[key] {
			break
		}
		words = append(words, strings.TrimRight(w, ","))
	}
	if len(words) < 2 {
		return "", false
	}
	return strings.Join(words, " "), true
}

func cleanDate(s string) (string, bool) {
	s = referral.NormalizeDate(s)
	return s, s != ""
}

func cleanBirthDate(s string) (string, bool) {
	s = referral.NormalizeBirthDate(s)
	return s, s != ""
}

// cleanIdentifier upper-cases an identifier and requires at least one digit.
func cleanIdentifier(s string) (string, bool) {
	s = strings.ToUpper(strings.Trim(s, "-"))
	return s, strings.IndexFunc(s, unicode.IsDigit) >= 0
}

func cleanMedicare(s string) (string, bool) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
	return digits, len(digits) >= 10
}

func cleanSex(s string) (string, bool) {
	switch strings.ToLower(s) {
	case "m", "male":
		return "male", true
	case "f", "female":
		return "female", true
	case "other", "intersex":
		return "other", true
	}
	return "", false
}

func cleanUrgency(s string) (string, bool) {
	return referral.NormalizeUrgency(s)
}

func cleanLine(s string) (string, bool) {
	s = strings.Join(strings.Fields(s), " ")
	return s, s != ""
}

const maxParagraph = 500

func cleanParagraph(s string) (string, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxParagraph {
		s = string(r[:maxParagraph])
	}
	return s, s != ""
}

var bullet = regexp.MustCompile(`^\s*(?:[-•*·]|\d+[.)])\s*`)

// splitList splits a block into items: one per line, or comma separated
// when the block is a single line. Semicolons always separate.
func splitList(block string) []string {
	var lines []string
	for _, l := range strings.Split(block, "\n") {
		l = bullet.ReplaceAllString(l, "")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	var items []string
	for _, l := range lines {
		seps := ";"
		if len(lines) == 1 {
			seps = ";,"
		}
		items = append(items, strings.FieldsFunc(l, func(r rune) bool { return strings.ContainsRune(seps, r) })...)
	}
	for i := range items {
		items[i] = strings.TrimRight(strings.TrimSpace(items[i]), ".")
	}
	return dedupe(items)
}
