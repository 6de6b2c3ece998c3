package verify

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dealseal/audit"
	"dealseal/deal"
	"dealseal/seal"
)

// ErrDealNotFound marks the distinct not-found outcome: a missing deal is
// not evidence of tampering.
var ErrDealNotFound = deal.ErrNotFound

// State is the outcome of a verification pass.
type State string

const (
	// StateIdle means the deal exists but carries no seal yet, so there is
	// nothing to verify.
	StateIdle State = "idle"
	// StateValid means the recomputed digest matched the stored seal.
	StateValid State = "valid"
	// StateInvalid means the recomputed digest differed from the stored
	// seal: the record changed after sealing.
	StateInvalid State = "invalid"
	// StateError means the seal could not be recomputed at all.
	StateError State = "error"
)

// Querier is the subset of pgxpool.Pool the verifier reads through.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DealStore is the single read the verifier needs from the deal layer.
type DealStore interface {
	GetByPublicID(ctx context.Context, q deal.Querier, publicID string) (deal.Deal, error)
}

// AuditLog records verification outcomes and serves the deal's history.
type AuditLog interface {
	Append(ctx context.Context, q audit.Querier, params audit.AppendParams) (int64, error)
	ListFor(ctx context.Context, q audit.Querier, dealID string) ([]audit.Entry, error)
}

// Result reports one verification pass over a deal.
type Result struct {
	State     State
	Digest    string
	Deal      deal.Deal
	History   []audit.Entry
	CheckedAt time.Time
}

// Service recomputes seals from stored deal state and compares them against
// the digest persisted at confirmation time.
type Service struct {
	db       Querier
	deals    DealStore
	auditlog AuditLog
	now      func() time.Time
}

func NewService(db Querier, deals DealStore, auditlog AuditLog) *Service {
	if deals == nil {
		deals = deal.NewRepository()
	}
	if auditlog == nil {
		auditlog = audit.NewRepository()
	}
	return &Service{
		db:       db,
		deals:    deals,
		auditlog: auditlog,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Verify recomputes the seal for the deal behind publicID and compares it in
// constant time against the stored digest. Unsealed deals report StateIdle
// without touching the audit log. A recompute failure reports StateError
// rather than an error: the deal is readable, its seal just cannot be
// checked. Valid and invalid outcomes are both appended to the audit log
// before the history is read back, so the history the caller sees includes
// this pass.
func (s *Service) Verify(ctx context.Context, publicID string) (Result, error) {
	d, err := s.deals.GetByPublicID(ctx, s.db, publicID)
	if err != nil {
		return Result{}, err
	}

	checkedAt := s.now().UTC()

	if !d.Sealed() {
		history, err := s.auditlog.ListFor(ctx, s.db, d.ID)
		if err != nil {
			return Result{}, err
		}
		return Result{State: StateIdle, Deal: d, History: history, CheckedAt: checkedAt}, nil
	}

	signatureURL := ""
	if d.SignatureURL != nil {
		signatureURL = *d.SignatureURL
	}

	digest, err := seal.Compute(seal.Input{
		DealID:       d.ID,
		Terms:        d.CopyTerms(),
		SignatureURL: signatureURL,
		Timestamp:    d.SealTimestamp(),
	})
	if err != nil {
		history, err := s.auditlog.ListFor(ctx, s.db, d.ID)
		if err != nil {
			return Result{}, err
		}
		return Result{State: StateError, Deal: d, History: history, CheckedAt: checkedAt}, nil
	}

	state := StateInvalid
	if subtle.ConstantTimeCompare([]byte(digest), []byte(*d.DealSeal)) == 1 {
		state = StateValid
	}

	if _, err := s.auditlog.Append(ctx, s.db, audit.AppendParams{
		DealID: d.ID,
		Event:  audit.EventDealVerified,
		Actor:  audit.ActorSystem,
		Metadata: map[string]any{
			"valid":  state == StateValid,
			"digest": digest,
		},
	}); err != nil {
		return Result{}, err
	}

	history, err := s.auditlog.ListFor(ctx, s.db, d.ID)
	if err != nil {
		return Result{}, err
	}

	return Result{
		State:     state,
		Digest:    digest,
		Deal:      d,
		History:   history,
		CheckedAt: checkedAt,
	}, nil
}

// History returns the full audit trail for a deal without running a
// verification pass.
func (s *Service) History(ctx context.Context, publicID string) ([]audit.Entry, error) {
	d, err := s.deals.GetByPublicID(ctx, s.db, publicID)
	if err != nil {
		return nil, err
	}
	return s.auditlog.ListFor(ctx, s.db, d.ID)
}
