package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrUnknownEvent rejects event types outside the closed taxonomy.
	ErrUnknownEvent = errors.New("audit: unknown event type")
	// ErrUnknownActor rejects actor types outside the closed taxonomy.
	ErrUnknownActor = errors.New("audit: unknown actor type")
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so entries can be
// appended either standalone or inside a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AppendParams enumerates the fields of a new ledger entry.
type AppendParams struct {
	DealID   string
	Event    EventType
	ActorID  *string
	Actor    ActorType
	Metadata map[string]any
}

// Repository provides insert-only, ordered access to the audit_log table.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Append inserts one entry and returns its id. It fails only on invalid
// input or store unavailability; store errors propagate wrapped, never
// swallowed.
func (r *Repository) Append(ctx context.Context, q Querier, params AppendParams) (int64, error) {
	if params.DealID == "" {
		return 0, fmt.Errorf("audit: missing deal id")
	}
	if !params.Event.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, params.Event)
	}
	if !params.Actor.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownActor, params.Actor)
	}

	metadata := params.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("audit: marshal metadata: %w", err)
	}

	var actorID any
	if params.ActorID != nil {
		actorID = *params.ActorID
	}

	const insertSQL = `
		INSERT INTO audit_log (deal_id, event_type, actor_id, actor_type, metadata)
		VALUES ($1, $2::audit_event_type, $3::uuid, $4::audit_actor_type, $5::jsonb)
		RETURNING id
	`

	var id int64
	if err := q.QueryRow(ctx, insertSQL, params.DealID, params.Event, actorID, params.Actor, body).Scan(&id); err != nil {
		return 0, fmt.Errorf("audit: insert entry: %w", err)
	}
	return id, nil
}

// ListFor returns every entry for a deal in ascending creation order. The
// read is restartable; there is no cursor state.
func (r *Repository) ListFor(ctx context.Context, q Querier, dealID string) ([]Entry, error) {
	if dealID == "" {
		return nil, fmt.Errorf("audit: missing deal id")
	}

	const listSQL = `
		SELECT id, deal_id, event_type::text, actor_id::text, actor_type::text, metadata, created_at
		FROM audit_log
		WHERE deal_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := q.Query(ctx, listSQL, dealID)
	if err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, 8)
	for rows.Next() {
		var (
			entry Entry
			body  []byte
		)
		if err := rows.Scan(&entry.ID, &entry.DealID, &entry.Event, &entry.ActorID, &entry.Actor, &body, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decode metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return entries, nil
}
