package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/domain/confidence"
	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/apperror"
	"github.com/ehr/referrals/internal/platform/events"
	"github.com/ehr/referrals/internal/platform/resilience"
)

const (
	// The engine timeouts bound a whole run: the PROCESSING write, the
	// collaborator call and the outcome write.
	DefaultFastTimeout = 4500 * time.Millisecond
	DefaultFullTimeout = 45 * time.Second

	// maxWriteReserve caps the share of the budget held back from the
	// collaborator for the outcome write.
	maxWriteReserve = 500 * time.Millisecond
)

// DocumentStore is the part of the referral repository the engines use.
type DocumentStore interface {
	GetByID(ctx context.Context, practiceID string, id uuid.UUID) (*referral.Document, error)
	SetFastState(ctx context.Context, practiceID string, id uuid.UUID, status referral.ExtractionStatus, data *referral.FastExtractedData, errMsg *string) error
	SetFullState(ctx context.Context, practiceID string, id uuid.UUID, status referral.ExtractionStatus, data *referral.ExtractedData, errMsg *string, promote bool) error
}

// Invalidator drops cached status views after a write.
type Invalidator interface {
	Invalidate(ctx context.Context, practiceID string, id uuid.UUID)
}

// Result is returned by both engines. A failed extraction is a result with
// Status FAILED, not an error.
type Result[T any] struct {
	DocumentID uuid.UUID                 `json:"documentId"`
	Status     referral.ExtractionStatus `json:"status"`
	Data       *T                        `json:"data,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

type (
	FastResult = Result[referral.FastExtractedData]
	FullResult = Result[referral.ExtractedData]
)

type Config struct {
	FastTimeout  time.Duration
	FullTimeout  time.Duration
	LowThreshold float64
}

func (c Config) withDefaults() Config {
	if c.FastTimeout <= 0 {
		c.FastTimeout = DefaultFastTimeout
	}
	if c.FullTimeout <= 0 {
		c.FullTimeout = DefaultFullTimeout
	}
	if c.LowThreshold <= 0 {
		c.LowThreshold = confidence.DefaultLowThreshold
	}
	return c
}

type Deps struct {
	Docs        DocumentStore
	Extractor   FieldExtractor
	Invalidator Invalidator
	Events      events.Publisher
	Config      Config
	Logger      zerolog.Logger
}

// base holds what both engines share.
type base struct {
	docs        DocumentStore
	extractor   FieldExtractor
	invalidator Invalidator
	publisher   events.Publisher
	cfg         Config
	logger      zerolog.Logger
	now         func() time.Time
}

func newBase(d Deps, engine string) base {
	return base{
		docs:        d.Docs,
		extractor:   d.Extractor,
		invalidator: d.Invalidator,
		publisher:   d.Events,
		cfg:         d.Config.withDefaults(),
		logger:      d.Logger.With().Str("component", "extraction").Str("engine", engine).Logger(),
		now:         time.Now,
	}
}

func (b *base) load(ctx context.Context, practiceID string, id uuid.UUID) (*referral.Document, error) {
	d, err := b.docs.GetByID(ctx, practiceID, id)
	if errors.Is(err, referral.ErrNotFound) {
		return nil, apperror.NotFound("referral document not found")
	}
	if err != nil {
		return nil, err
	}
	if !d.HasText() {
		return nil, apperror.InvalidState("text not extracted: extraction requires %s (current: %s)", referral.StatusTextExtracted, d.Status)
	}
	return d, nil
}

func (b *base) invalidate(ctx context.Context, practiceID string, id uuid.UUID) {
	if b.invalidator != nil {
		b.invalidator.Invalidate(ctx, practiceID, id)
	}
}

func storeError(err error) error {
	if errors.Is(err, referral.ErrNotFound) {
		return apperror.NotFound("referral document not found")
	}
	return err
}

func writeReserve(timeout time.Duration) time.Duration {
	return min(timeout/10, maxWriteReserve)
}

// persistCtx outlives the caller. It runs to the run's deadline, and never
// for less than reserve, so the outcome lands even after a timed-out call.
func persistCtx(detached context.Context, deadline time.Time, reserve time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(detached, max(time.Until(deadline), reserve))
}

// failureMessage is stored on the document and shown to the user, so it
// never carries collaborator response bodies.
func failureMessage(err error, timeout time.Duration) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("extraction timed out after %s", timeout)
	case errors.Is(err, resilience.ErrOpen):
		return "extraction service temporarily unavailable"
	case errors.Is(err, ErrUnparseable):
		return "extraction service returned an unreadable response"
	default:
		return "extraction service failed"
	}
}

// run is the shared engine flow: mark PROCESSING, call the extractor, then
// write the outcome once, all under one deadline. The extractor gets what
// the first write left, less the reserve for the last.
func run[T any](
	ctx context.Context, b *base, userID, practiceID string, id uuid.UUID,
	schema Schema, timeout time.Duration,
	write func(ctx context.Context, status referral.ExtractionStatus, data *T, errMsg *string) error,
	build func(fields Fields, meta referral.ExtractionMeta) *T,
	overall func(fields Fields) float64,
) (*Result[T], error) {
	d, err := b.load(ctx, practiceID, id)
	if err != nil {
		return nil, err
	}
	log := b.logger.With().Str("document_id", id.String()).Str("practice_id", practiceID).Logger()

	// The extraction is not cancelled when the client disconnects.
	detached := context.WithoutCancel(ctx)
	deadline := time.Now().Add(timeout)
	reserve := writeReserve(timeout)

	pctx, pcancel := context.WithDeadline(detached, deadline)
	err = write(pctx, referral.ExtractionProcessing, nil, nil)
	pcancel()
	if err != nil {
		return nil, storeError(err)
	}
	b.invalidate(ctx, practiceID, id)

	start := b.now()
	callCtx, cancel := context.WithDeadline(detached, deadline.Add(-reserve))
	fields, extractErr := b.extractor.ExtractFields(callCtx, *d.ContentText, schema)
	cancel()
	elapsed := b.now().Sub(start)

	wctx, wcancel := persistCtx(detached, deadline, reserve)
	defer wcancel()

	res := &Result[T]{DocumentID: id}
	if extractErr != nil {
		msg := failureMessage(extractErr, timeout)
		if err := write(wctx, referral.ExtractionFailed, nil, &msg); err != nil {
			return nil, storeError(err)
		}
		b.invalidate(ctx, practiceID, id)

		log.Warn().Err(extractErr).Dur("elapsed", elapsed).Msg("extraction failed")
		events.EmitAsync(ctx, b.publisher, log, events.New(events.ExtractionFailed, practiceID, id, userID,
			map[string]string{"engine": schema.Name}))

		res.Status = referral.ExtractionFailed
		res.Error = msg
		return res, nil
	}

	score := overall(fields)
	meta := referral.ExtractionMeta{
		OverallConfidence: score,
		ExtractedAt:       b.now().UTC(),
		ModelUsed:         b.extractor.Model(),
		ProcessingTimeMs:  elapsed.Milliseconds(),
		LowConfidence:     confidence.IsLowAt(score, b.cfg.LowThreshold),
	}
	data := build(fields, meta)
	if err := write(wctx, referral.ExtractionComplete, data, nil); err != nil {
		return nil, storeError(err)
	}
	b.invalidate(ctx, practiceID, id)

	log.Info().
		Int("fields", len(fields)).
		Float64("overall_confidence", score).
		Bool("low_confidence", meta.LowConfidence).
		Dur("elapsed", elapsed).
		Msg("extraction complete")
	events.EmitAsync(ctx, b.publisher, log, events.New(events.ExtractionCompleted, practiceID, id, userID,
		map[string]string{"engine": schema.Name}))

	res.Status = referral.ExtractionComplete
	res.Data = data
	return res, nil
}

// FastEngine extracts patient identity fields under a tight deadline.
type FastEngine struct {
	base
}

func NewFastEngine(d Deps) *FastEngine {
	return &FastEngine{base: newBase(d, "fast")}
}

func (e *FastEngine) ExtractFast(ctx context.Context, userID, practiceID string, id uuid.UUID) (*FastResult, error) {
	write := func(ctx context.Context, status referral.ExtractionStatus, data *referral.FastExtractedData, errMsg *string) error {
		return e.docs.SetFastState(ctx, practiceID, id, status, data, errMsg)
	}
	return run(ctx, &e.base, userID, practiceID, id, FastSchema, e.cfg.FastTimeout, write, buildFast, fastOverall)
}

func buildFast(f Fields, meta referral.ExtractionMeta) *referral.FastExtractedData {
	return &referral.FastExtractedData{
		PatientName:    textField(f, PatientFullName, nil),
		DateOfBirth:    textField(f, PatientDateOfBirth, normalizeBirthDate),
		MRN:            textField(f, PatientMRN, nil),
		ExtractionMeta: meta,
	}
}

func fastOverall(f Fields) float64 {
	return confidence.Aggregate(buildFast(f, referral.ExtractionMeta{}).FieldConfidences())
}

// FullEngine extracts every section used by reconciliation. On success it
// moves a TEXT_EXTRACTED document to EXTRACTED.
type FullEngine struct {
	base
}

func NewFullEngine(d Deps) *FullEngine {
	return &FullEngine{base: newBase(d, "full")}
}

func (e *FullEngine) ExtractFull(ctx context.Context, userID, practiceID string, id uuid.UUID) (*FullResult, error) {
	write := func(ctx context.Context, status referral.ExtractionStatus, data *referral.ExtractedData, errMsg *string) error {
		return e.docs.SetFullState(ctx, practiceID, id, status, data, errMsg, status == referral.ExtractionComplete)
	}
	return run(ctx, &e.base, userID, practiceID, id, FullSchema, e.cfg.FullTimeout, write, buildFull, fullOverall)
}

func buildFull(f Fields, meta referral.ExtractionMeta) *referral.ExtractedData {
	out := &referral.ExtractedData{
		Patient: referral.PatientSection{
			FullName:       textField(f, PatientFullName, nil),
			DateOfBirth:    textField(f, PatientDateOfBirth, normalizeBirthDate),
			Sex:            textField(f, PatientSex, nil),
			MRN:            textField(f, PatientMRN, nil),
			MedicareNumber: textField(f, PatientMedicareNumber, nil),
			Address:        textField(f, PatientAddress, nil),
			Phone:          textField(f, PatientPhone, nil),
			Email:          textField(f, PatientEmail, nil),
		},
		GP:              contactSection(f, gpField),
		Referrer:        contactSection(f, referrerField),
		ReferralContext: contextSection(f),
		ExtractionMeta:  meta,
	}
	out.Patient.Confidence = confidence.Aggregate(out.Patient.FieldConfidences())
	return out
}

// fullOverall averages the confidences of the sections that have at least
// one field. Absent sections do not count.
func fullOverall(f Fields) float64 {
	d := buildFull(f, referral.ExtractionMeta{})
	var sections []float64
	if len(d.Patient.FieldConfidences()) > 0 {
		sections = append(sections, d.Patient.Confidence)
	}
	if d.GP != nil {
		sections = append(sections, d.GP.Confidence)
	}
	if d.Referrer != nil {
		sections = append(sections, d.Referrer.Confidence)
	}
	if d.ReferralContext != nil {
		sections = append(sections, d.ReferralContext.Confidence)
	}
	return confidence.Aggregate(sections)
}

func contactSection(f Fields, prefix func(string) string) *referral.ContactSection {
	s := &referral.ContactSection{
		FullName:       textField(f, prefix(ContactFullName), nil),
		PracticeName:   textField(f, prefix(ContactPracticeName), nil),
		ProviderNumber: textField(f, prefix(ContactProviderNumber), nil),
		Specialty:      textField(f, prefix(ContactSpecialty), nil),
		Address:        textField(f, prefix(ContactAddress), nil),
		Phone:          textField(f, prefix(ContactPhone), nil),
		Fax:            textField(f, prefix(ContactFax), nil),
		Email:          textField(f, prefix(ContactEmail), nil),
	}
	cs := s.FieldConfidences()
	if len(cs) == 0 {
		return nil
	}
	s.Confidence = confidence.Aggregate(cs)
	return s
}

func contextSection(f Fields) *referral.ReferralContextSection {
	s := &referral.ReferralContextSection{
		ReasonForReferral:       textField(f, ContextReason, nil),
		KeyProblems:             listField(f, ContextKeyProblems),
		InvestigationsMentioned: listField(f, ContextInvestigations),
		MedicationsMentioned:    listField(f, ContextMedications),
		Urgency:                 textField(f, ContextUrgency, referral.NormalizeUrgency),
		ReferralDate:            textField(f, ContextReferralDate, normalizeDate),
	}
	cs := s.FieldConfidences()
	if len(cs) == 0 {
		return nil
	}
	s.Confidence = confidence.Aggregate(cs)
	return s
}

func normalizeDate(s string) (string, bool) {
	return referral.NormalizeDate(s), true
}

func normalizeBirthDate(s string) (string, bool) {
	return referral.NormalizeBirthDate(s), true
}

// textField builds a field from f[path]. A normalizer returning false drops
// the field.
func textField(f Fields, path string, normalize func(string) (string, bool)) *referral.ExtractedField[string] {
	v, c, ok := f.text(path)
	if !ok {
		return nil
	}
	if normalize != nil {
		if v, ok = normalize(v); !ok || v == "" {
			return nil
		}
	}
	return referral.NewField(v, c)
}

func listField(f Fields, path string) *referral.ExtractedField[[]string] {
	v, c, ok := f.list(path)
	if !ok {
		return nil
	}
	return referral.NewField(v, c)
}
