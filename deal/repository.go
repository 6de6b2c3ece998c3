package deal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dealseal/seal"
)

var (
	// ErrNotFound is returned when no deal row exists for the identifier.
	ErrNotFound = errors.New("deal: not found")
	// ErrAlreadySealed signals an attempt to mutate a confirmed deal.
	ErrAlreadySealed = errors.New("deal: already sealed")
	// ErrVoided signals an attempt to act on a voided deal.
	ErrVoided = errors.New("deal: voided")
	// ErrInvalidTransition signals a status change outside the lifecycle.
	ErrInvalidTransition = errors.New("deal: invalid status transition")
	// ErrDuplicatePublicID signals a public identifier collision on insert.
	ErrDuplicatePublicID = errors.New("deal: duplicate public id")
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ConfirmWrite enumerates the single atomic write executed at confirmation:
// seal, status, confirmation timestamp, and the optional signature artifact
// land together or not at all.
type ConfirmWrite struct {
	ID           string
	Seal         string
	ConfirmedAt  time.Time
	SignatureURL *string
}

// Repository defines the deal data access required by the services.
type Repository interface {
	Create(ctx context.Context, q Querier, d Deal) (Deal, error)
	GetByID(ctx context.Context, q Querier, id string) (Deal, error)
	GetByPublicID(ctx context.Context, q Querier, publicID string) (Deal, error)
	GetByPublicIDForUpdate(ctx context.Context, tx pgx.Tx, publicID string) (Deal, error)
	UpdateTerms(ctx context.Context, q Querier, id string, terms []seal.Term) (Deal, error)
	MarkSealing(ctx context.Context, tx pgx.Tx, id string) error
	Confirm(ctx context.Context, tx pgx.Tx, params ConfirmWrite) (Deal, error)
	Void(ctx context.Context, tx pgx.Tx, id string, voidedAt time.Time) (Deal, error)
}

const dealColumns = `id, public_id, title, description, terms, signature_url, status::text, deal_seal, created_at, confirmed_at, voided_at`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

func (r *PGRepository) Create(ctx context.Context, q Querier, d Deal) (Deal, error) {
	terms, err := marshalTerms(d.Terms)
	if err != nil {
		return Deal{}, err
	}

	const insertSQL = `
		INSERT INTO deals (id, public_id, title, description, terms, signature_url, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5::jsonb, $6, 'pending')
		RETURNING ` + dealColumns

	created, err := scanDeal(q.QueryRow(ctx, insertSQL, d.ID, d.PublicID, d.Title, d.Description, terms, d.SignatureURL))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Deal{}, ErrDuplicatePublicID
		}
		return Deal{}, fmt.Errorf("deal: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, q Querier, id string) (Deal, error) {
	const selectSQL = `SELECT ` + dealColumns + ` FROM deals WHERE id = $1`
	return r.get(ctx, q, selectSQL, id)
}

func (r *PGRepository) GetByPublicID(ctx context.Context, q Querier, publicID string) (Deal, error) {
	const selectSQL = `SELECT ` + dealColumns + ` FROM deals WHERE public_id = $1`
	return r.get(ctx, q, selectSQL, publicID)
}

func (r *PGRepository) GetByPublicIDForUpdate(ctx context.Context, tx pgx.Tx, publicID string) (Deal, error) {
	const selectSQL = `SELECT ` + dealColumns + ` FROM deals WHERE public_id = $1 FOR UPDATE`
	return r.get(ctx, tx, selectSQL, publicID)
}

func (r *PGRepository) get(ctx context.Context, q Querier, sql string, arg any) (Deal, error) {
	d, err := scanDeal(q.QueryRow(ctx, sql, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: get: %w", err)
	}
	return d, nil
}

// UpdateTerms rewrites the draft's term list. Only pending deals accept it;
// post-confirmation mutation would invalidate the seal, which is exactly the
// tamper-detection mechanism, so the repository refuses to offer the path.
func (r *PGRepository) UpdateTerms(ctx context.Context, q Querier, id string, terms []seal.Term) (Deal, error) {
	body, err := marshalTerms(terms)
	if err != nil {
		return Deal{}, err
	}

	const updateSQL = `
		UPDATE deals
		SET terms = $2::jsonb
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + dealColumns

	d, err := scanDeal(q.QueryRow(ctx, updateSQL, id, body))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Deal{}, fmt.Errorf("deal: update terms: %w", err)
	}
	return Deal{}, r.classifyMiss(ctx, q, id)
}

func (r *PGRepository) MarkSealing(ctx context.Context, tx pgx.Tx, id string) error {
	const updateSQL = `
		UPDATE deals
		SET status = 'sealing'
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := tx.Exec(ctx, updateSQL, id)
	if err != nil {
		return fmt.Errorf("deal: mark sealing: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return r.classifyMiss(ctx, tx, id)
	}
	return nil
}

// Confirm persists seal, status, confirmation time, and signature reference
// as one write. The sealing and seal-absence guards make the seal
// write-once: no code path can recompute and overwrite it.
func (r *PGRepository) Confirm(ctx context.Context, tx pgx.Tx, params ConfirmWrite) (Deal, error) {
	const updateSQL = `
		UPDATE deals
		SET status = 'confirmed',
		    deal_seal = $2,
		    confirmed_at = $3,
		    signature_url = COALESCE($4, signature_url)
		WHERE id = $1 AND status = 'sealing' AND deal_seal IS NULL
		RETURNING ` + dealColumns

	d, err := scanDeal(tx.QueryRow(ctx, updateSQL, params.ID, params.Seal, params.ConfirmedAt, params.SignatureURL))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Deal{}, fmt.Errorf("deal: confirm: %w", err)
	}
	return Deal{}, r.classifyMiss(ctx, tx, params.ID)
}

func (r *PGRepository) Void(ctx context.Context, tx pgx.Tx, id string, voidedAt time.Time) (Deal, error) {
	const updateSQL = `
		UPDATE deals
		SET status = 'voided',
		    voided_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + dealColumns

	d, err := scanDeal(tx.QueryRow(ctx, updateSQL, id, voidedAt))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Deal{}, fmt.Errorf("deal: void: %w", err)
	}
	return Deal{}, r.classifyMiss(ctx, tx, id)
}

// classifyMiss turns a zero-row conditional write into the precise reason.
func (r *PGRepository) classifyMiss(ctx context.Context, q Querier, id string) error {
	var status Status
	if err := q.QueryRow(ctx, `SELECT status::text FROM deals WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("deal: fetch status: %w", err)
	}
	switch status {
	case StatusConfirmed:
		return ErrAlreadySealed
	case StatusVoided:
		return ErrVoided
	default:
		return ErrInvalidTransition
	}
}

func marshalTerms(terms []seal.Term) (string, error) {
	if terms == nil {
		terms = []seal.Term{}
	}
	body, err := json.Marshal(terms)
	if err != nil {
		return "", fmt.Errorf("deal: marshal terms: %w", err)
	}
	return string(body), nil
}

func scanDeal(row pgx.Row) (Deal, error) {
	var (
		d     Deal
		terms []byte
	)
	err := row.Scan(
		&d.ID,
		&d.PublicID,
		&d.Title,
		&d.Description,
		&terms,
		&d.SignatureURL,
		&d.Status,
		&d.DealSeal,
		&d.CreatedAt,
		&d.ConfirmedAt,
		&d.VoidedAt,
	)
	if err != nil {
		return Deal{}, err
	}
	if len(terms) > 0 {
		if err := json.Unmarshal(terms, &d.Terms); err != nil {
			return Deal{}, fmt.Errorf("deal: decode terms: %w", err)
		}
	}
	return d, nil
}
