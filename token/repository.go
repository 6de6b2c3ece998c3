package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound signals the secret matches no token.
	ErrNotFound = errors.New("token: not found")
	// ErrExpired signals the token's lifetime has elapsed.
	ErrExpired = errors.New("token: expired")
	// ErrAlreadyUsed signals the token has already authorized a confirmation.
	ErrAlreadyUsed = errors.New("token: already used")
	// ErrDealMismatch signals the token belongs to a different deal.
	ErrDealMismatch = errors.New("token: deal mismatch")
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so consumption can
// run inside the confirmation transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InsertParams enumerates the write fields for a new token row.
type InsertParams struct {
	ID         string
	DealID     string
	SecretHash string
	ExpiresAt  time.Time
}

// Repository handles data access for access tokens.
type Repository interface {
	Insert(ctx context.Context, q Querier, params InsertParams) (Token, error)
	GetByID(ctx context.Context, q Querier, id string) (Token, error)
	MarkUsed(ctx context.Context, q Querier, id string) (bool, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

func (r *PGRepository) Insert(ctx context.Context, q Querier, params InsertParams) (Token, error) {
	const insertSQL = `
		INSERT INTO access_tokens (id, deal_id, secret_hash, expires_at)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4)
		RETURNING id, deal_id, secret_hash, expires_at, used_at, created_at
	`

	tok, err := scanToken(q.QueryRow(ctx, insertSQL, params.ID, params.DealID, params.SecretHash, params.ExpiresAt))
	if err != nil {
		return Token{}, fmt.Errorf("token: insert: %w", err)
	}
	return tok, nil
}

func (r *PGRepository) GetByID(ctx context.Context, q Querier, id string) (Token, error) {
	const selectSQL = `
		SELECT id, deal_id, secret_hash, expires_at, used_at, created_at
		FROM access_tokens
		WHERE id = $1
	`

	tok, err := scanToken(q.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, fmt.Errorf("token: get by id: %w", err)
	}
	return tok, nil
}

// MarkUsed performs the single atomic check-and-set of the consume protocol.
// The expiry and unused predicates live in the same UPDATE as the mutation,
// so two concurrent consumers can never both succeed.
func (r *PGRepository) MarkUsed(ctx context.Context, q Querier, id string) (bool, error) {
	const updateSQL = `
		UPDATE access_tokens
		SET used_at = get_tx_timestamp()
		WHERE id = $1
		  AND used_at IS NULL
		  AND expires_at > now()
	`

	tag, err := q.Exec(ctx, updateSQL, id)
	if err != nil {
		return false, fmt.Errorf("token: mark used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanToken(row pgx.Row) (Token, error) {
	var tok Token
	err := row.Scan(
		&tok.ID,
		&tok.DealID,
		&tok.SecretHash,
		&tok.ExpiresAt,
		&tok.UsedAt,
		&tok.CreatedAt,
	)
	if err != nil {
		return Token{}, err
	}
	return tok, nil
}
