package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/referrals/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const documentCols = `id, practice_id, uploaded_by, filename, mime_type, size_bytes, storage_key,
	status, processing_error, content_text, consultation_id, applied_at,
	fast_extraction_status, fast_extraction_data, fast_extraction_error,
	full_extraction_status, extracted_data, full_extraction_error,
	created_at, updated_at`

// listCols leaves out the letter text and extraction payloads.
const listCols = `id, practice_id, uploaded_by, filename, mime_type, size_bytes, storage_key,
	status, processing_error, NULL::text, consultation_id, applied_at,
	fast_extraction_status, NULL::jsonb, fast_extraction_error,
	full_extraction_status, NULL::jsonb, full_extraction_error,
	created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, d *Document) error {
	d.ID = uuid.New()
	d.Status = StatusUploaded
	d.FastExtractionStatus = ExtractionPending
	d.FullExtractionStatus = ExtractionPending

	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO referral_document (id, practice_id, uploaded_by, filename, mime_type, size_bytes, storage_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		d.ID, d.PracticeID, d.UserID, d.Filename, d.MimeType, d.SizeBytes, d.StorageKey, d.Status,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert referral document: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, practiceID string, id uuid.UUID) (*Document, error) {
	return scanDocument(r.conn(ctx).QueryRow(ctx,
		`SELECT `+documentCols+` FROM referral_document WHERE practice_id = $1 AND id = $2`, practiceID, id))
}

func (r *repoPG) LockForApply(ctx context.Context, practiceID string, id uuid.UUID) (*Document, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, errors.New("lock for apply requires a transaction")
	}
	return scanDocument(r.conn(ctx).QueryRow(ctx,
		`SELECT `+documentCols+` FROM referral_document WHERE practice_id = $1 AND id = $2 FOR UPDATE`, practiceID, id))
}

func (r *repoPG) List(ctx context.Context, practiceID string, status Status, limit, offset int) ([]*Document, int, error) {
	where := `WHERE practice_id = $1`
	args := []any{practiceID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM referral_document `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count referral documents: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM referral_document %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		listCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list referral documents: %w", err)
	}
	defer rows.Close()

	var items []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

func (r *repoPG) SaveContentText(ctx context.Context, practiceID string, id uuid.UUID, text string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE referral_document SET
			content_text = $3, status = 'TEXT_EXTRACTED', processing_error = NULL,
			fast_extraction_status = 'PENDING', fast_extraction_data = NULL, fast_extraction_error = NULL,
			full_extraction_status = 'PENDING', extracted_data = NULL, full_extraction_error = NULL,
			updated_at = NOW()
		WHERE practice_id = $1 AND id = $2 AND status IN ('UPLOADED', 'TEXT_EXTRACTED', 'EXTRACTED')`,
		practiceID, id, text)
	if err != nil {
		return fmt.Errorf("save content text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateChanged
	}
	return nil
}

func (r *repoPG) MarkFailed(ctx context.Context, practiceID string, id uuid.UUID, reason string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE referral_document SET status = 'FAILED', processing_error = $3, updated_at = NOW()
		WHERE practice_id = $1 AND id = $2 AND status NOT IN ('APPLIED', 'FAILED')`,
		practiceID, id, reason)
	if err != nil {
		return fmt.Errorf("mark referral failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateChanged
	}
	return nil
}

func (r *repoPG) SetFastState(ctx context.Context, practiceID string, id uuid.UUID, status ExtractionStatus, data *FastExtractedData, errMsg *string) error {
	raw, err := marshalPayload(data)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE referral_document SET
			fast_extraction_status = $3, fast_extraction_data = $4, fast_extraction_error = $5, updated_at = NOW()
		WHERE practice_id = $1 AND id = $2 AND content_text IS NOT NULL`,
		practiceID, id, status, raw, errMsg)
	if err != nil {
		return fmt.Errorf("update fast extraction state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) SetFullState(ctx context.Context, practiceID string, id uuid.UUID, status ExtractionStatus, data *ExtractedData, errMsg *string, promote bool) error {
	raw, err := marshalPayload(data)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE referral_document SET
			full_extraction_status = $3, extracted_data = $4, full_extraction_error = $5,
			status = CASE WHEN $6 AND status = 'TEXT_EXTRACTED' THEN 'EXTRACTED' ELSE status END,
			updated_at = NOW()
		WHERE practice_id = $1 AND id = $2 AND content_text IS NOT NULL`,
		practiceID, id, status, raw, errMsg, promote)
	if err != nil {
		return fmt.Errorf("update full extraction state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) MarkApplied(ctx context.Context, practiceID string, id uuid.UUID, consultationID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE referral_document SET status = 'APPLIED', consultation_id = $3, applied_at = NOW(), updated_at = NOW()
		WHERE practice_id = $1 AND id = $2 AND status = 'EXTRACTED'`,
		practiceID, id, consultationID)
	if err != nil {
		return fmt.Errorf("mark referral applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateChanged
	}
	return nil
}

// marshalPayload encodes an extraction payload for a JSONB column. A nil
// payload is stored as NULL.
func marshalPayload[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode extraction payload: %w", err)
	}
	return raw, nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		d       Document
		fastRaw []byte
		fullRaw []byte
	)
	err := row.Scan(&d.ID, &d.PracticeID, &d.UserID, &d.Filename, &d.MimeType, &d.SizeBytes, &d.StorageKey,
		&d.Status, &d.ProcessingError, &d.ContentText, &d.ConsultationID, &d.AppliedAt,
		&d.FastExtractionStatus, &fastRaw, &d.FastExtractionError,
		&d.FullExtractionStatus, &fullRaw, &d.FullExtractionError,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan referral document: %w", err)
	}
	if len(fastRaw) > 0 {
		d.FastExtractionData = &FastExtractedData{}
		if err := json.Unmarshal(fastRaw, d.FastExtractionData); err != nil {
			return nil, fmt.Errorf("decode fast extraction data: %w", err)
		}
	}
	if len(fullRaw) > 0 {
		d.ExtractedData = &ExtractedData{}
		if err := json.Unmarshal(fullRaw, d.ExtractedData); err != nil {
			return nil, fmt.Errorf("decode extracted data: %w", err)
		}
	}
	return &d, nil
}
