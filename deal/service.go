package deal

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dealseal/audit"
	"dealseal/seal"
	"dealseal/token"
)

// Database abstracts pgxpool.Pool for testability: direct reads plus
// transaction begin for the multi-write flows.
type Database interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TokenManager defines the token operations the deal service drives inside
// its transactions.
type TokenManager interface {
	Issue(ctx context.Context, q token.Querier, dealID string, ttl time.Duration) (token.IssueResult, error)
	Consume(ctx context.Context, q token.Querier, dealID, secret string) (token.Token, error)
}

// AuditWriter appends ledger entries, inside or outside a transaction.
type AuditWriter interface {
	Append(ctx context.Context, q audit.Querier, params audit.AppendParams) (int64, error)
}

// Service owns the deal lifecycle: drafting, confirmation (token consume +
// seal computation + atomic seal write), voiding, and the audit side events.
type Service struct {
	db       Database
	repo     Repository
	tokens   TokenManager
	auditlog AuditWriter
	idGen    func() string
	publicID func() (string, error)
	now      func() time.Time
}

func NewService(db Database, repo Repository, tokens TokenManager, auditlog AuditWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if auditlog == nil {
		auditlog = audit.NewRepository()
	}
	return &Service{
		db:       db,
		repo:     repo,
		tokens:   tokens,
		auditlog: auditlog,
		idGen:    func() string { return uuid.NewString() },
		publicID: newPublicID,
		now:      time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithPublicIDGenerator(gen func() (string, error)) *Service {
	s.publicID = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams captures a new draft supplied by its creator.
type CreateParams struct {
	Title        string
	Description  *string
	Terms        []seal.Term
	SignatureURL *string
	CreatorID    string
	TokenTTL     time.Duration
}

// CreateResult bundles the pending deal with the one-time token secret that
// will authorize its confirmation.
type CreateResult struct {
	Deal           Deal
	TokenSecret    string
	TokenExpiresAt time.Time
}

// Create inserts a pending deal, issues its access token, and appends the
// deal_created audit entry, all in one transaction.
func (s *Service) Create(ctx context.Context, params CreateParams) (CreateResult, error) {
	if params.Title == "" {
		return CreateResult{}, fmt.Errorf("deal: title required")
	}
	if params.CreatorID == "" {
		return CreateResult{}, fmt.Errorf("deal: creator id required")
	}
	for i, term := range params.Terms {
		if term.Label == "" {
			return CreateResult{}, fmt.Errorf("deal: term %d missing label", i)
		}
		if !term.Type.Valid() {
			return CreateResult{}, fmt.Errorf("deal: term %d has invalid type %q", i, term.Type)
		}
	}

	publicID, err := s.publicID()
	if err != nil {
		return CreateResult{}, fmt.Errorf("deal: generate public id: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Deal{
		ID:           s.idGen(),
		PublicID:     publicID,
		Title:        params.Title,
		Description:  params.Description,
		Terms:        params.Terms,
		SignatureURL: params.SignatureURL,
	})
	if err != nil {
		return CreateResult{}, err
	}

	issued, err := s.tokens.Issue(ctx, tx, created.ID, params.TokenTTL)
	if err != nil {
		return CreateResult{}, err
	}

	creator := params.CreatorID
	if _, err := s.auditlog.Append(ctx, tx, audit.AppendParams{
		DealID:  created.ID,
		Event:   audit.EventDealCreated,
		ActorID: &creator,
		Actor:   audit.ActorCreator,
		Metadata: map[string]any{
			"title":       created.Title,
			"terms_count": len(created.Terms),
		},
	}); err != nil {
		return CreateResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, fmt.Errorf("deal: commit create: %w", err)
	}

	return CreateResult{
		Deal:           created,
		TokenSecret:    issued.Secret,
		TokenExpiresAt: issued.Token.ExpiresAt,
	}, nil
}

// GetByPublicID fetches a deal for external display.
func (s *Service) GetByPublicID(ctx context.Context, publicID string) (Deal, error) {
	return s.repo.GetByPublicID(ctx, s.db, publicID)
}

// UpdateTerms rewrites the draft's terms; confirmed and voided deals refuse.
func (s *Service) UpdateTerms(ctx context.Context, publicID string, terms []seal.Term) (Deal, error) {
	for i, term := range terms {
		if term.Label == "" {
			return Deal{}, fmt.Errorf("deal: term %d missing label", i)
		}
		if !term.Type.Valid() {
			return Deal{}, fmt.Errorf("deal: term %d has invalid type %q", i, term.Type)
		}
	}
	d, err := s.repo.GetByPublicID(ctx, s.db, publicID)
	if err != nil {
		return Deal{}, err
	}
	return s.repo.UpdateTerms(ctx, s.db, d.ID, terms)
}

// ConfirmParams captures a recipient's confirmation attempt. ActorID stays
// nil for unauthenticated recipients.
type ConfirmParams struct {
	PublicID     string
	Secret       string
	SignatureURL *string
	ActorID      *string
}

// Confirm executes the sealing protocol in a single transaction: consume the
// access token, transition pending -> sealing -> confirmed, compute the seal
// over the terms at the confirmation instant, and persist seal + status +
// confirmed_at atomically. Any encoding or hashing failure aborts the
// transaction, so a partial seal is never persisted.
func (s *Service) Confirm(ctx context.Context, params ConfirmParams) (Deal, error) {
	if params.Secret == "" {
		return Deal{}, token.ErrNotFound
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetByPublicIDForUpdate(ctx, tx, params.PublicID)
	if err != nil {
		return Deal{}, err
	}
	switch d.Status {
	case StatusConfirmed:
		return Deal{}, ErrAlreadySealed
	case StatusVoided:
		return Deal{}, ErrVoided
	}

	consumed, err := s.tokens.Consume(ctx, tx, d.ID, params.Secret)
	if err != nil {
		return Deal{}, err
	}

	if err := s.repo.MarkSealing(ctx, tx, d.ID); err != nil {
		return Deal{}, err
	}

	signatureURL := ""
	if params.SignatureURL != nil {
		signatureURL = *params.SignatureURL
	} else if d.SignatureURL != nil {
		signatureURL = *d.SignatureURL
	}

	confirmedAt := s.now().UTC()
	digest, err := seal.Compute(seal.Input{
		DealID:       d.ID,
		Terms:        d.CopyTerms(),
		SignatureURL: signatureURL,
		Timestamp:    confirmedAt,
	})
	if err != nil {
		return Deal{}, err
	}

	confirmed, err := s.repo.Confirm(ctx, tx, ConfirmWrite{
		ID:           d.ID,
		Seal:         digest,
		ConfirmedAt:  confirmedAt,
		SignatureURL: params.SignatureURL,
	})
	if err != nil {
		return Deal{}, err
	}

	signedMeta := map[string]any{"token_id": consumed.ID}
	if signatureURL != "" {
		signedMeta["signature_url"] = signatureURL
	}
	if _, err := s.auditlog.Append(ctx, tx, audit.AppendParams{
		DealID:   d.ID,
		Event:    audit.EventDealSigned,
		ActorID:  params.ActorID,
		Actor:    audit.ActorRecipient,
		Metadata: signedMeta,
	}); err != nil {
		return Deal{}, err
	}
	if _, err := s.auditlog.Append(ctx, tx, audit.AppendParams{
		DealID:   d.ID,
		Event:    audit.EventDealConfirmed,
		ActorID:  params.ActorID,
		Actor:    audit.ActorRecipient,
		Metadata: map[string]any{"seal": digest},
	}); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit confirm: %w", err)
	}

	return confirmed, nil
}

// VoidParams captures a creator's cancellation of a pending draft.
type VoidParams struct {
	PublicID string
	ActorID  string
	Reason   string
}

// Void transitions a pending deal to voided and records who did it.
func (s *Service) Void(ctx context.Context, params VoidParams) (Deal, error) {
	if params.ActorID == "" {
		return Deal{}, fmt.Errorf("deal: actor id required")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetByPublicIDForUpdate(ctx, tx, params.PublicID)
	if err != nil {
		return Deal{}, err
	}
	if !CanTransition(d.Status, StatusVoided) {
		if d.Status == StatusConfirmed {
			return Deal{}, ErrAlreadySealed
		}
		return Deal{}, ErrInvalidTransition
	}

	voided, err := s.repo.Void(ctx, tx, d.ID, s.now().UTC())
	if err != nil {
		return Deal{}, err
	}

	metadata := map[string]any{}
	if params.Reason != "" {
		metadata["reason"] = params.Reason
	}
	actor := params.ActorID
	if _, err := s.auditlog.Append(ctx, tx, audit.AppendParams{
		DealID:   d.ID,
		Event:    audit.EventDealVoided,
		ActorID:  &actor,
		Actor:    audit.ActorCreator,
		Metadata: metadata,
	}); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit void: %w", err)
	}

	return voided, nil
}

// RecordView appends a deal_viewed entry for the deal's history.
func (s *Service) RecordView(ctx context.Context, publicID string, actorID *string, actor audit.ActorType) error {
	return s.recordEvent(ctx, publicID, audit.EventDealViewed, actorID, actor, nil)
}

// RecordDownload appends a pdf_downloaded entry. Rendering itself happens
// upstream; only the fact is recorded here.
func (s *Service) RecordDownload(ctx context.Context, publicID string, actorID *string, actor audit.ActorType) error {
	return s.recordEvent(ctx, publicID, audit.EventPDFDownloaded, actorID, actor, nil)
}

// RecordEmail appends an email_sent entry with the delivery target.
func (s *Service) RecordEmail(ctx context.Context, publicID string, actorID *string, recipient string) error {
	metadata := map[string]any{}
	if recipient != "" {
		metadata["recipient"] = recipient
	}
	return s.recordEvent(ctx, publicID, audit.EventEmailSent, actorID, audit.ActorCreator, metadata)
}

func (s *Service) recordEvent(ctx context.Context, publicID string, event audit.EventType, actorID *string, actor audit.ActorType, metadata map[string]any) error {
	d, err := s.repo.GetByPublicID(ctx, s.db, publicID)
	if err != nil {
		return err
	}
	_, err = s.auditlog.Append(ctx, s.db, audit.AppendParams{
		DealID:   d.ID,
		Event:    event,
		ActorID:  actorID,
		Actor:    actor,
		Metadata: metadata,
	})
	return err
}

// newPublicID returns 72 bits of crypto randomness in URL-safe base64. The
// value shares nothing with the internal uuid.
func newPublicID() (string, error) {
	raw := make([]byte, 9)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
