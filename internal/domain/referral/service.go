package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/platform/apperror"
	"github.com/ehr/referrals/internal/platform/blobstore"
	"github.com/ehr/referrals/internal/platform/cache"
	"github.com/ehr/referrals/internal/platform/events"
	"github.com/ehr/referrals/internal/platform/textextract"
)

// invalidateTimeout bounds a cache delete. A missed delete leaves a stale
// entry for at most one TTL.
const invalidateTimeout = 250 * time.Millisecond

type Service struct {
	repo      Repository
	blobs     blobstore.Reader
	text      textextract.Extractor
	status    cache.Store
	publisher events.Publisher
	maxUpload int64
	logger    zerolog.Logger

	// invalidations counts Invalidate calls. Status skips the cache fill
	// when it moved during the database read.
	invalidations atomic.Uint64
}

// ServiceDeps groups the collaborators of Service. Cache and Events may be
// nil.
type ServiceDeps struct {
	Repo           Repository
	Blobs          blobstore.Reader
	Text           textextract.Extractor
	Cache          cache.Store
	Events         events.Publisher
	MaxUploadBytes int64
	Logger         zerolog.Logger
}

func NewService(deps ServiceDeps) *Service {
	return &Service{
		repo:      deps.Repo,
		blobs:     deps.Blobs,
		text:      deps.Text,
		status:    deps.Cache,
		publisher: deps.Events,
		maxUpload: deps.MaxUploadBytes,
		logger:    deps.Logger.With().Str("component", "referral").Logger(),
	}
}

// Create records a file the client has uploaded to blob storage. The
// descriptor is validated and the object's presence confirmed first.
func (s *Service) Create(ctx context.Context, userID, practiceID string, in UploadInput) (*Document, error) {
	desc := blobstore.Descriptor{
		FileName:    strings.TrimSpace(in.Filename),
		ContentType: blobstore.NormalizeContentType(in.MimeType),
		Size:        in.SizeBytes,
		StorageKey:  strings.TrimSpace(in.StorageKey),
	}
	if err := desc.Validate(s.maxUpload); err != nil {
		return nil, apperror.Validation("%s", err.Error())
	}

	if s.blobs != nil {
		info, err := s.blobs.Stat(ctx, desc.StorageKey)
		switch {
		case errors.Is(err, blobstore.ErrBlobNotFound):
			return nil, apperror.Validation("no uploaded file at storage key %q", desc.StorageKey)
		case err != nil:
			return nil, apperror.Unavailable("blob storage unavailable", err)
		case info.Size != desc.Size:
			return nil, apperror.Validation("stored file is %d bytes, expected %d", info.Size, desc.Size)
		}
	}

	d := &Document{
		PracticeID: practiceID,
		UserID:     userID,
		Filename:   desc.FileName,
		MimeType:   desc.ContentType,
		SizeBytes:  desc.Size,
		StorageKey: desc.StorageKey,
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info().Str("document_id", d.ID.String()).Str("practice_id", practiceID).
		Str("mime_type", d.MimeType).Int64("size_bytes", d.SizeBytes).Msg("referral uploaded")
	events.Emit(ctx, s.publisher, s.logger, events.New(events.ReferralUploaded, practiceID, d.ID, userID, nil))
	return d, nil
}

func (s *Service) Get(ctx context.Context, practiceID string, id uuid.UUID) (*Document, error) {
	d, err := s.repo.GetByID(ctx, practiceID, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperror.NotFound("referral document not found")
	}
	return d, err
}

func (s *Service) List(ctx context.Context, practiceID string, status Status, limit, offset int) ([]*Document, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, apperror.Validation("unknown status %q", status)
	}
	return s.repo.List(ctx, practiceID, status, limit, offset)
}

// statusKey is relative to the cache's own namespace.
func statusKey(practiceID string, id uuid.UUID) string {
	return "status:" + practiceID + ":" + id.String()
}

// Status returns the polling view, served from the cache when possible.
// Cache failures fall through to the database.
func (s *Service) Status(ctx context.Context, practiceID string, id uuid.UUID) (*StatusEnvelope, error) {
	key := statusKey(practiceID, id)
	if s.status != nil {
		if raw, ok, err := s.status.Get(ctx, key); err != nil {
			s.logger.Warn().Err(err).Msg("status cache read failed")
		} else if ok {
			var env StatusEnvelope
			if err := json.Unmarshal(raw, &env); err == nil {
				return &env, nil
			}
		}
	}

	seen := s.invalidations.Load()
	d, err := s.Get(ctx, practiceID, id)
	if err != nil {
		return nil, err
	}
	env := d.Envelope()

	if s.status != nil && s.invalidations.Load() == seen {
		if raw, err := json.Marshal(env); err == nil {
			if err := s.status.Set(ctx, key, raw); err != nil {
				s.logger.Warn().Err(err).Msg("status cache write failed")
			}
		}
	}
	return env, nil
}

// Invalidate drops the cached status of a document. Every write to a
// document is followed by a call to it. A poll served by another instance
// can still cache a read that predates the write; that entry lives at most
// one TTL.
func (s *Service) Invalidate(ctx context.Context, practiceID string, id uuid.UUID) {
	s.invalidations.Add(1)
	if s.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()
	if err := s.status.Delete(ctx, statusKey(practiceID, id)); err != nil {
		s.logger.Warn().Err(err).Str("document_id", id.String()).Msg("status cache invalidation failed")
	}
}

// ExtractText reads the stored file and runs text extraction on it. A file
// that cannot yield text fails the document; a collaborator outage leaves it
// untouched so the call can be retried.
func (s *Service) ExtractText(ctx context.Context, userID, practiceID string, id uuid.UUID) (*Document, error) {
	d, err := s.Get(ctx, practiceID, id)
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return nil, apperror.InvalidState("text extraction requires a document that is not %s or %s (current: %s)",
			StatusApplied, StatusFailed, d.Status)
	}
	if s.blobs == nil || s.text == nil {
		return nil, apperror.Unavailable("text extraction is not configured", nil)
	}

	log := s.logger.With().Str("document_id", id.String()).Str("practice_id", practiceID).Logger()

	data, err := s.blobs.Get(ctx, d.StorageKey, s.maxUpload)
	switch {
	case errors.Is(err, blobstore.ErrBlobNotFound), errors.Is(err, blobstore.ErrFileTooLarge):
		return s.fail(ctx, d, userID, fmt.Sprintf("stored file unusable: %v", err), log)
	case err != nil:
		return nil, apperror.Unavailable("blob storage unavailable", err)
	}

	text, err := s.text.Extract(ctx, data, d.MimeType)
	switch {
	case errors.Is(err, textextract.ErrNoOCR):
		log.Warn().Str("mime_type", d.MimeType).Msg("no OCR service for document format")
		return nil, apperror.Unavailable("text extraction for "+d.MimeType+" is not configured", err)
	case errors.Is(err, textextract.ErrUnreadable):
		return s.fail(ctx, d, userID, err.Error(), log)
	case err != nil:
		log.Warn().Err(err).Msg("text extraction collaborator failed")
		return nil, apperror.Unavailable("text extraction service unavailable", err)
	case strings.TrimSpace(text) == "":
		return s.fail(ctx, d, userID, "no text found in document", log)
	}

	if err := s.repo.SaveContentText(ctx, practiceID, id, text); err != nil {
		if errors.Is(err, ErrStateChanged) {
			return nil, apperror.InvalidState("document changed state during text extraction")
		}
		return nil, err
	}
	s.Invalidate(ctx, practiceID, id)

	log.Info().Int("chars", len(text)).Str("previous_status", string(d.Status)).Msg("referral text extracted")
	events.Emit(ctx, s.publisher, log, events.New(events.ReferralTextExtracted, practiceID, id, userID, nil))
	return s.Get(ctx, practiceID, id)
}

func (s *Service) fail(ctx context.Context, d *Document, userID, reason string, log zerolog.Logger) (*Document, error) {
	if err := s.repo.MarkFailed(ctx, d.PracticeID, d.ID, reason); err != nil {
		if errors.Is(err, ErrStateChanged) {
			return nil, apperror.InvalidState("document changed state during text extraction")
		}
		return nil, err
	}
	s.Invalidate(ctx, d.PracticeID, d.ID)

	log.Warn().Str("reason", reason).Msg("referral failed")
	events.Emit(ctx, s.publisher, log, events.New(events.ReferralFailed, d.PracticeID, d.ID, userID, nil))
	return s.Get(ctx, d.PracticeID, d.ID)
}
