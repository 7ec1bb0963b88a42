package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/db"
	"github.com/ehr/referrals/internal/platform/hipaa"
)

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func collectIDs(rows pgx.Rows, err error) ([]uuid.UUID, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// patientRepoPG encrypts the identifying columns of a patient and stores
// blind indexes for the ones matched on.
type patientRepoPG struct {
	pool *pgxpool.Pool
	enc  *hipaa.EncryptionService
	idx  *hipaa.BlindIndexer
}

func NewPatientRepo(pool *pgxpool.Pool, enc *hipaa.EncryptionService, idx *hipaa.BlindIndexer) PatientRepository {
	return &patientRepoPG{pool: pool, enc: enc, idx: idx}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *patientRepoPG) Find(ctx context.Context, practiceID string, probe Probe) ([]uuid.UUID, error) {
	var (
		col string
		key = probe.Key
	)
	switch probe.Rule {
	case RuleMRN:
		col = "mrn"
	case RuleMedicare:
		col, key = "medicare_key", r.idx.Index(probe.Key)
	case RuleNameDOB:
		col, key = "identity_key", r.idx.Index(probe.Key)
	default:
		return nil, fmt.Errorf("unsupported patient match rule %q", probe.Rule)
	}
	ids, err := collectIDs(r.conn(ctx).Query(ctx,
		`SELECT id FROM patient WHERE practice_id = $1 AND `+col+` = $2 ORDER BY created_at LIMIT 2`,
		practiceID, key))
	if err != nil {
		return nil, fmt.Errorf("find patient by %s: %w", probe.Rule, err)
	}
	return ids, nil
}

// sealed holds the encrypted and indexed column values of a patient.
type sealed struct {
	fullName, medicare, address, phone, email *string
	medicareKey, identityKey                  *string
}

func (r *patientRepoPG) seal(p *Patient) (*sealed, error) {
	s := &sealed{
		medicareKey: nullable(r.idx.Index(p.MedicareNumber)),
	}
	if p.DateOfBirth != nil {
		s.identityKey = nullable(r.idx.Index(IdentityKey(p.FullName, p.DateOfBirth.Format(referral.ISODate))))
	}
	for _, f := range []struct {
		dst   **string
		plain string
	}{
		{&s.fullName, p.FullName},
		{&s.medicare, p.MedicareNumber},
		{&s.address, p.Address},
		{&s.phone, p.Phone},
		{&s.email, p.Email},
	} {
		v, err := r.enc.EncryptOptional(nullable(f.plain))
		if err != nil {
			return nil, fmt.Errorf("encrypt patient field: %w", err)
		}
		*f.dst = v
	}
	return s, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	s, err := r.seal(p)
	if err != nil {
		return err
	}
	p.ID = uuid.New()
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, practice_id, full_name, date_of_birth, sex, mrn,
			medicare_number, medicare_key, identity_key, address, phone, email, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.PracticeID, s.fullName, p.DateOfBirth, nullable(p.Sex), nullable(p.MRN),
		s.medicare, s.medicareKey, s.identityKey, s.address, s.phone, s.email, p.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *patientRepoPG) FillBlanks(ctx context.Context, practiceID string, id uuid.UUID, p *Patient) error {
	s, err := r.seal(p)
	if err != nil {
		return err
	}
	if s.identityKey, err = r.linkedIdentityKey(ctx, practiceID, id, p.DateOfBirth); err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET
			date_of_birth   = COALESCE(date_of_birth, $3),
			sex             = COALESCE(NULLIF(sex, ''), $4),
			mrn             = COALESCE(NULLIF(mrn, ''), $5),
			medicare_key    = CASE WHEN NULLIF(medicare_number, '') IS NULL THEN $7 ELSE medicare_key END,
			medicare_number = COALESCE(NULLIF(medicare_number, ''), $6),
			identity_key    = COALESCE(identity_key, $8),
			address         = COALESCE(NULLIF(address, ''), $9),
			phone           = COALESCE(NULLIF(phone, ''), $10),
			email           = COALESCE(NULLIF(email, ''), $11),
			updated_at      = NOW()
		WHERE practice_id = $1 AND id = $2`,
		practiceID, id, p.DateOfBirth, nullable(p.Sex), nullable(p.MRN),
		s.medicare, s.medicareKey, s.identityKey, s.address, s.phone, s.email)
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update patient %s: no row", id)
	}
	return nil
}

// linkedIdentityKey computes the identity key of a linked record that has
// none yet, from the stored name and the incoming date of birth. The incoming
// name is never used: it may differ from the stored one.
func (r *patientRepoPG) linkedIdentityKey(ctx context.Context, practiceID string, id uuid.UUID, dob *time.Time) (*string, error) {
	if dob == nil {
		return nil, nil
	}
	var stored string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT full_name FROM patient WHERE practice_id = $1 AND id = $2 AND identity_key IS NULL`,
		practiceID, id).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read patient name: %w", err)
	}
	name, err := r.enc.DecryptField(stored)
	if err != nil {
		return nil, fmt.Errorf("decrypt patient name: %w", err)
	}
	return nullable(r.idx.Index(IdentityKey(name, dob.Format(referral.ISODate)))), nil
}

// Contact tables share a layout; only referrer has a specialty column.
const (
	TableReferrer  = "referrer"
	TableGPContact = "gp_contact"
)

type contactRepoPG struct {
	pool         *pgxpool.Pool
	table        string
	hasSpecialty bool
}

// NewContactRepo returns the repository for TableReferrer or TableGPContact.
func NewContactRepo(pool *pgxpool.Pool, table string) ContactRepository {
	if table != TableReferrer && table != TableGPContact {
		panic("reconcile: unknown contact table " + table)
	}
	return &contactRepoPG{pool: pool, table: table, hasSpecialty: table == TableReferrer}
}

func (r *contactRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *contactRepoPG) Find(ctx context.Context, practiceID string, probe Probe) ([]uuid.UUID, error) {
	var col string
	switch probe.Rule {
	case RuleProviderNumber:
		col = "provider_number"
	case RuleNamePractice:
		col = "name_key"
	default:
		return nil, fmt.Errorf("unsupported contact match rule %q", probe.Rule)
	}
	ids, err := collectIDs(r.conn(ctx).Query(ctx,
		`SELECT id FROM `+r.table+` WHERE practice_id = $1 AND `+col+` = $2 ORDER BY created_at LIMIT 2`,
		practiceID, probe.Key))
	if err != nil {
		return nil, fmt.Errorf("find %s by %s: %w", r.table, probe.Rule, err)
	}
	return ids, nil
}

func (r *contactRepoPG) Create(ctx context.Context, c *Contact) error {
	c.ID = uuid.New()
	cols := `id, practice_id, full_name, practice_name, provider_number, phone, email, fax, address, name_key`
	vals := `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10`
	args := []any{c.ID, c.PracticeID, c.FullName, nullable(c.PracticeName), nullable(c.ProviderNumber),
		nullable(c.Phone), nullable(c.Email), nullable(c.Fax), nullable(c.Address), NameKey(c.FullName, c.PracticeName)}
	if r.hasSpecialty {
		cols += `, specialty`
		vals += `, $11`
		args = append(args, nullable(c.Specialty))
	}
	if _, err := r.conn(ctx).Exec(ctx, `INSERT INTO `+r.table+` (`+cols+`) VALUES (`+vals+`)`, args...); err != nil {
		return fmt.Errorf("insert %s: %w", r.table, err)
	}
	return nil
}

func (r *contactRepoPG) FillBlanks(ctx context.Context, practiceID string, id uuid.UUID, c *Contact) error {
	set := `
			practice_name   = COALESCE(NULLIF(practice_name, ''), $3),
			provider_number = COALESCE(NULLIF(provider_number, ''), $4),
			phone           = COALESCE(NULLIF(phone, ''), $5),
			email           = COALESCE(NULLIF(email, ''), $6),
			fax             = COALESCE(NULLIF(fax, ''), $7),
			address         = COALESCE(NULLIF(address, ''), $8),
			updated_at      = NOW()`
	args := []any{practiceID, id, nullable(c.PracticeName), nullable(c.ProviderNumber),
		nullable(c.Phone), nullable(c.Email), nullable(c.Fax), nullable(c.Address)}
	if r.hasSpecialty {
		set += `,
			specialty       = COALESCE(NULLIF(specialty, ''), $9)`
		args = append(args, nullable(c.Specialty))
	}
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE `+r.table+` SET`+set+` WHERE practice_id = $1 AND id = $2`, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", r.table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s %s: no row", r.table, id)
	}
	return nil
}

type consultationRepoPG struct {
	pool *pgxpool.Pool
}

func NewConsultationRepo(pool *pgxpool.Pool) ConsultationRepository {
	return &consultationRepoPG{pool: pool}
}

func (r *consultationRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *consultationRepoPG) GetForUpdate(ctx context.Context, practiceID string, id uuid.UUID) (*Consultation, error) {
	var (
		c       Consultation
		reason  *string
		urgency *string
	)
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, practice_id, patient_id, referrer_id, gp_contact_id, referral_document_id, status,
			reason_for_referral, key_problems, medications, investigations, urgency, referral_date, created_by
		FROM consultation WHERE practice_id = $1 AND id = $2 FOR UPDATE`, practiceID, id,
	).Scan(&c.ID, &c.PracticeID, &c.PatientID, &c.ReferrerID, &c.GPContactID, &c.ReferralDocumentID, &c.Status,
		&reason, &c.KeyProblems, &c.Medications, &c.Investigations, &urgency, &c.ReferralDate, &c.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConsultationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select consultation: %w", err)
	}
	if reason != nil {
		c.ReasonForReferral = *reason
	}
	if urgency != nil {
		c.Urgency = *urgency
	}
	return &c, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func (r *consultationRepoPG) Create(ctx context.Context, c *Consultation) error {
	c.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consultation (id, practice_id, patient_id, referrer_id, gp_contact_id, referral_document_id,
			status, reason_for_referral, key_problems, medications, investigations, urgency, referral_date, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.ID, c.PracticeID, c.PatientID, c.ReferrerID, c.GPContactID, c.ReferralDocumentID,
		c.Status, nullable(c.ReasonForReferral), nonNil(c.KeyProblems), nonNil(c.Medications),
		nonNil(c.Investigations), nullable(c.Urgency), c.ReferralDate, c.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (r *consultationRepoPG) Update(ctx context.Context, c *Consultation) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultation SET
			referrer_id = $3, gp_contact_id = $4, referral_document_id = $5,
			reason_for_referral = $6, key_problems = $7, medications = $8, investigations = $9,
			urgency = $10, referral_date = $11, updated_at = NOW()
		WHERE practice_id = $1 AND id = $2`,
		c.PracticeID, c.ID, c.ReferrerID, c.GPContactID, c.ReferralDocumentID,
		nullable(c.ReasonForReferral), nonNil(c.KeyProblems), nonNil(c.Medications), nonNil(c.Investigations),
		nullable(c.Urgency), c.ReferralDate)
	if err != nil {
		return fmt.Errorf("update consultation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConsultationNotFound
	}
	return nil
}
