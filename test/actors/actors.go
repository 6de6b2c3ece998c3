package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Confirmer races to consume the deal's access token and seal the deal. The
// single-use guarantee means that across all confirmers only one transaction
// may ever flip the token and write a seal.
func Confirmer(ctx context.Context, pool *pgxpool.Pool, dealID, tokenID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("confirmer begin: %w", err)
		}

		var status string
		err = tx.QueryRow(ctx, `SELECT status::text FROM deals WHERE id=$1 FOR UPDATE`, dealID).Scan(&status)
		if err == nil && status == "pending" {
			tag, err := tx.Exec(ctx, `UPDATE access_tokens SET used_at = get_tx_timestamp()
                                       WHERE id=$1 AND used_at IS NULL AND expires_at > now()`, tokenID)
			if err == nil && tag.RowsAffected() == 1 {
				_, _ = tx.Exec(ctx, `UPDATE deals SET status='sealing' WHERE id=$1 AND status='pending'`, dealID)
				digest := fmt.Sprintf("%064x", rand.Int63())
				_, err = tx.Exec(ctx, `UPDATE deals SET status='confirmed', deal_seal=$2, confirmed_at=get_tx_timestamp()
                                        WHERE id=$1 AND status='sealing' AND deal_seal IS NULL`, dealID, digest)
				if err == nil {
					_, _ = tx.Exec(ctx, `INSERT INTO audit_log (deal_id, event_type, actor_type, metadata)
                                          VALUES ($1,'deal_signed','recipient','{}'::jsonb)`, dealID)
					_, _ = tx.Exec(ctx, `INSERT INTO audit_log (deal_id, event_type, actor_type, metadata)
                                          VALUES ($1,'deal_confirmed','recipient','{}'::jsonb)`, dealID)
					_ = tx.Commit(ctx)
					time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
					continue
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Voider tries to void the deal while confirmers race it. Voiding only lands
// on a pending deal, so a sealed deal can never be voided afterwards.
func Voider(ctx context.Context, pool *pgxpool.Pool, dealID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("voider begin: %w", err)
		}
		tag, err := tx.Exec(ctx, `UPDATE deals SET status='voided', voided_at=get_tx_timestamp()
                                   WHERE id=$1 AND status='pending'`, dealID)
		if err == nil && tag.RowsAffected() == 1 {
			_, _ = tx.Exec(ctx, `INSERT INTO audit_log (deal_id, event_type, actor_type, metadata)
                                  VALUES ($1,'deal_voided','creator','{}'::jsonb)`, dealID)
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// Viewer appends deal_viewed entries, exercising out-of-transaction audit
// writes interleaved with the sealing transactions.
func Viewer(ctx context.Context, pool *pgxpool.Pool, dealID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO audit_log (deal_id, event_type, actor_type, metadata)
                                   VALUES ($1,'deal_viewed','recipient','{}'::jsonb)`, dealID)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("viewer insert: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Verifier records verification passes against whatever state it observes.
// Only sealed deals get a deal_verified entry, mirroring the service rule
// that idle passes leave no trace.
func Verifier(ctx context.Context, pool *pgxpool.Pool, dealID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var sealed bool
		if err := pool.QueryRow(ctx, `SELECT deal_seal IS NOT NULL FROM deals WHERE id=$1`, dealID).Scan(&sealed); err == nil && sealed {
			_, _ = pool.Exec(ctx, `INSERT INTO audit_log (deal_id, event_type, actor_type, metadata)
                                    VALUES ($1,'deal_verified','system','{"valid":true}'::jsonb)`, dealID)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// TokenIssuer keeps minting tokens for a side deal so consumption races run
// against a moving token table, not a frozen one.
func TokenIssuer(ctx context.Context, pool *pgxpool.Pool, dealID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO access_tokens (deal_id, secret_hash, expires_at)
                                   VALUES ($1, $2, now() + interval '7 days')`, dealID, fmt.Sprintf("hash-%d", rand.Int63()))
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("token issuer insert: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// HistoryTamperer tries to rewrite and erase audit entries. Every attempt
// must be rejected by the append-only trigger.
func HistoryTamperer(ctx context.Context, pool *pgxpool.Pool, dealID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var entries int
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log WHERE deal_id=$1`, dealID).Scan(&entries); err != nil || entries == 0 {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if _, err := pool.Exec(ctx, `UPDATE audit_log SET event_type='deal_viewed' WHERE deal_id=$1`, dealID); err == nil {
			return errors.New("tamperer: audit update was not rejected")
		}
		if _, err := pool.Exec(ctx, `DELETE FROM audit_log WHERE deal_id=$1`, dealID); err == nil {
			return errors.New("tamperer: audit delete was not rejected")
		}
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}
