package reconcile

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/apperror"
	"github.com/ehr/referrals/internal/platform/events"
)

// Invalidator drops cached views of a document after it is written.
type Invalidator interface {
	Invalidate(ctx context.Context, practiceID string, id uuid.UUID)
}

type Deps struct {
	Tx            TxRunner
	Documents     DocumentStore
	Patients      PatientRepository
	GPContacts    ContactRepository
	Referrers     ContactRepository
	Consultations ConsultationRepository
	Policy        MatchPolicy
	Invalidator   Invalidator
	Events        events.Publisher
	Logger        zerolog.Logger
}

// Engine applies reviewed referrals.
type Engine struct {
	tx            TxRunner
	docs          DocumentStore
	patients      PatientRepository
	gps           ContactRepository
	referrers     ContactRepository
	consultations ConsultationRepository
	policy        MatchPolicy
	invalidator   Invalidator
	publisher     events.Publisher
	logger        zerolog.Logger
}

func NewEngine(deps Deps) *Engine {
	return &Engine{
		tx:            deps.Tx,
		docs:          deps.Documents,
		patients:      deps.Patients,
		gps:           deps.GPContacts,
		referrers:     deps.Referrers,
		consultations: deps.Consultations,
		policy:        deps.Policy,
		invalidator:   deps.Invalidator,
		publisher:     deps.Events,
		logger:        deps.Logger.With().Str("component", "reconcile").Logger(),
	}
}

// Apply commits the reviewed referral. Either every record is written and
// the document becomes APPLIED, or nothing changes.
func (e *Engine) Apply(ctx context.Context, userID, practiceID string, documentID uuid.UUID, in ApplyInput) (*ApplyResult, error) {
	p, err := in.validate()
	if err != nil {
		return nil, err
	}

	log := e.logger.With().Str("document_id", documentID.String()).Str("practice_id", practiceID).Logger()
	if p.DroppedUrgency != "" {
		log.Info().Str("urgency", p.DroppedUrgency).Msg("unrecognised urgency not applied")
	}

	var res *ApplyResult
	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := e.apply(ctx, userID, practiceID, documentID, p, log)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		switch apperror.KindOf(err) {
		case apperror.KindNotFound, apperror.KindInvalidState, apperror.KindValidation:
			return nil, err
		}
		log.Error().Err(err).Msg("referral apply rolled back")
		return nil, apperror.Transaction(err)
	}

	if e.invalidator != nil {
		e.invalidator.Invalidate(ctx, practiceID, documentID)
	}
	log.Info().
		Str("consultation_id", res.ConsultationID.String()).
		Bool("patient_linked", res.PatientLinked).
		Msg("referral applied")
	events.Emit(ctx, e.publisher, log, events.New(events.ReferralApplied, practiceID, documentID, userID, map[string]string{
		"consultation_id": res.ConsultationID.String(),
		"patient_id":      res.PatientID.String(),
	}))
	return res, nil
}

func (e *Engine) apply(ctx context.Context, userID, practiceID string, documentID uuid.UUID, p *plan, log zerolog.Logger) (*ApplyResult, error) {
	doc, err := e.docs.LockForApply(ctx, practiceID, documentID)
	if errors.Is(err, referral.ErrNotFound) {
		return nil, apperror.NotFound("referral document not found")
	}
	if err != nil {
		return nil, err
	}
	if doc.Status != referral.StatusExtracted {
		return nil, apperror.InvalidState("referral must be %s to apply (current: %s)", referral.StatusExtracted, doc.Status)
	}

	res := &ApplyResult{DocumentID: documentID}

	patient := p.Patient
	patient.PracticeID = practiceID
	patient.CreatedBy = userID
	if res.PatientID, res.PatientLinked, err = e.resolvePatient(ctx, &patient, log); err != nil {
		return nil, err
	}
	if res.GPContactID, err = e.resolveContact(ctx, "gp", e.gps, p.GP, practiceID, log); err != nil {
		return nil, err
	}
	if res.ReferrerID, err = e.resolveContact(ctx, "referrer", e.referrers, p.Referrer, practiceID, log); err != nil {
		return nil, err
	}

	if p.ConsultationID != nil {
		c, err := e.consultations.GetForUpdate(ctx, practiceID, *p.ConsultationID)
		if errors.Is(err, ErrConsultationNotFound) {
			return nil, apperror.NotFound("consultation not found")
		}
		if err != nil {
			return nil, err
		}
		if err := merge(c, res, p.Context, log); err != nil {
			return nil, err
		}
		if err := e.consultations.Update(ctx, c); err != nil {
			return nil, err
		}
		res.ConsultationID = c.ID
	} else {
		c := newConsultation(practiceID, userID, res, p.Context)
		if err := e.consultations.Create(ctx, c); err != nil {
			return nil, err
		}
		res.ConsultationID = c.ID
	}

	if err := e.docs.MarkApplied(ctx, practiceID, documentID, res.ConsultationID); err != nil {
		if errors.Is(err, referral.ErrStateChanged) {
			return nil, apperror.InvalidState("referral must be %s to apply", referral.StatusExtracted)
		}
		return nil, err
	}
	return res, nil
}

type findFunc func(ctx context.Context, probe Probe) ([]uuid.UUID, error)

// match runs probes in order. It returns the linked id, or uuid.Nil when a
// new record should be created.
func match(ctx context.Context, kind string, probes []Probe, find findFunc, log zerolog.Logger) (uuid.UUID, error) {
	for _, probe := range probes {
		ids, err := find(ctx, probe)
		if err != nil {
			return uuid.Nil, err
		}
		d, ok := Decide(probe.Rule, len(ids))
		if !ok {
			continue
		}
		level := zerolog.InfoLevel
		if d.Outcome == OutcomeAmbiguous {
			level = zerolog.WarnLevel
		}
		log.WithLevel(level).Str("record", kind).Str("rule", string(d.Rule)).Str("outcome", string(d.Outcome)).
			Int("candidates", d.Candidates).Msg("identity match decision")
		if d.Outcome == OutcomeLinked {
			return ids[0], nil
		}
		return uuid.Nil, nil
	}
	log.Info().Str("record", kind).Str("outcome", string(OutcomeCreated)).Msg("identity match decision")
	return uuid.Nil, nil
}

func (e *Engine) resolvePatient(ctx context.Context, p *Patient, log zerolog.Logger) (uuid.UUID, bool, error) {
	find := func(ctx context.Context, probe Probe) ([]uuid.UUID, error) {
		return e.patients.Find(ctx, p.PracticeID, probe)
	}
	id, err := match(ctx, "patient", e.policy.PatientProbes(*p), find, log)
	if err != nil {
		return uuid.Nil, false, err
	}
	if id != uuid.Nil {
		if err := e.patients.FillBlanks(ctx, p.PracticeID, id, p); err != nil {
			return uuid.Nil, false, err
		}
		return id, true, nil
	}
	if err := e.patients.Create(ctx, p); err != nil {
		return uuid.Nil, false, err
	}
	return p.ID, false, nil
}

func (e *Engine) resolveContact(ctx context.Context, kind string, repo ContactRepository, c *Contact, practiceID string, log zerolog.Logger) (*uuid.UUID, error) {
	if c == nil {
		return nil, nil
	}
	contact := *c
	contact.PracticeID = practiceID

	find := func(ctx context.Context, probe Probe) ([]uuid.UUID, error) {
		return repo.Find(ctx, practiceID, probe)
	}
	id, err := match(ctx, kind, ContactProbes(contact), find, log)
	if err != nil {
		return nil, err
	}
	if id != uuid.Nil {
		if err := repo.FillBlanks(ctx, practiceID, id, &contact); err != nil {
			return nil, err
		}
		return &id, nil
	}
	if err := repo.Create(ctx, &contact); err != nil {
		return nil, err
	}
	return &contact.ID, nil
}

func newConsultation(practiceID, userID string, res *ApplyResult, rc *referralContext) *Consultation {
	docID := res.DocumentID
	c := &Consultation{
		PracticeID:         practiceID,
		PatientID:          res.PatientID,
		ReferrerID:         res.ReferrerID,
		GPContactID:        res.GPContactID,
		ReferralDocumentID: &docID,
		Status:             ConsultationDraft,
		CreatedBy:          userID,
	}
	if rc != nil {
		c.ReasonForReferral = rc.Reason
		c.KeyProblems = rc.KeyProblems
		c.Medications = rc.Medications
		c.Investigations = rc.Investigations
		c.Urgency = rc.Urgency
		c.ReferralDate = rc.ReferralDate
	}
	return c
}

// merge folds the referral into an existing consultation without
// discarding anything already recorded on it.
func merge(c *Consultation, res *ApplyResult, rc *referralContext, log zerolog.Logger) error {
	if c.Status.Closed() {
		return apperror.InvalidState("consultation is %s and cannot take a referral", c.Status)
	}
	if c.PatientID != res.PatientID {
		return apperror.Validation("consultation belongs to a different patient")
	}

	c.ReferrerID = keepOrSet(c.ReferrerID, res.ReferrerID, "referrer_id", log)
	c.GPContactID = keepOrSet(c.GPContactID, res.GPContactID, "gp_contact_id", log)
	docID := res.DocumentID
	c.ReferralDocumentID = keepOrSet(c.ReferralDocumentID, &docID, "referral_document_id", log)

	if rc == nil {
		return nil
	}
	if c.ReasonForReferral == "" {
		c.ReasonForReferral = rc.Reason
	}
	c.KeyProblems = unionFold(c.KeyProblems, rc.KeyProblems)
	c.Medications = unionFold(c.Medications, rc.Medications)
	c.Investigations = unionFold(c.Investigations, rc.Investigations)
	if referral.UrgencyRank(rc.Urgency) > referral.UrgencyRank(c.Urgency) {
		c.Urgency = rc.Urgency
	}
	if c.ReferralDate == nil {
		c.ReferralDate = rc.ReferralDate
	}
	return nil
}

func keepOrSet(current, incoming *uuid.UUID, field string, log zerolog.Logger) *uuid.UUID {
	switch {
	case incoming == nil:
		return current
	case current == nil:
		return incoming
	case *current != *incoming:
		log.Info().Str("field", field).Msg("consultation already linked; keeping existing value")
	}
	return current
}
