package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_seal_iff_confirmed",
			SQL: `SELECT id, status, deal_seal FROM deals
                  WHERE (status = 'confirmed') <> (deal_seal IS NOT NULL)`,
		},
		{
			Name: "O2_confirmed_exactly_one_consumed_token",
			SQL: `SELECT d.id, COUNT(t.id) FILTER (WHERE t.used_at IS NOT NULL) AS consumed
                  FROM deals d
                  LEFT JOIN access_tokens t ON t.deal_id = d.id
                  WHERE d.status = 'confirmed'
                  GROUP BY d.id
                  HAVING COUNT(t.id) FILTER (WHERE t.used_at IS NOT NULL) <> 1`,
		},
		{
			Name: "O3_unsealed_deal_has_no_consumed_token",
			SQL: `SELECT t.id, d.status FROM access_tokens t
                  JOIN deals d ON d.id = t.deal_id
                  WHERE t.used_at IS NOT NULL AND d.status NOT IN ('sealing','confirmed')`,
		},
		{
			Name: "O4_token_not_consumed_after_expiry",
			SQL: `SELECT id, used_at, expires_at FROM access_tokens
                  WHERE used_at IS NOT NULL AND used_at >= expires_at`,
		},
		{
			Name: "O5_voided_never_sealed",
			SQL: `SELECT id FROM deals
                  WHERE status = 'voided' AND (deal_seal IS NOT NULL OR confirmed_at IS NOT NULL)`,
		},
		{
			Name: "O6_confirmed_not_before_created",
			SQL: `SELECT id, created_at, confirmed_at FROM deals
                  WHERE confirmed_at IS NOT NULL AND confirmed_at < created_at`,
		},
		{
			Name: "O7_confirmed_deal_has_signed_and_confirmed_events",
			SQL: `SELECT d.id FROM deals d
                  WHERE d.status = 'confirmed'
                    AND (NOT EXISTS (SELECT 1 FROM audit_log a WHERE a.deal_id = d.id AND a.event_type = 'deal_signed')
                      OR NOT EXISTS (SELECT 1 FROM audit_log a WHERE a.deal_id = d.id AND a.event_type = 'deal_confirmed'))`,
		},
		{
			Name: "O8_no_verification_of_unsealed_deal",
			SQL: `SELECT a.id FROM audit_log a
                  JOIN deals d ON d.id = a.deal_id
                  WHERE a.event_type = 'deal_verified' AND d.deal_seal IS NULL`,
		},
		{
			Name: "O9_audit_append_only_guard",
			SQL: `SELECT 'missing_audit_log_immutable_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'audit_log_immutable')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
