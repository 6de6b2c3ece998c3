package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"dealseal/test/actors"
	"dealseal/test/chaos"
	"dealseal/test/infra"
	"dealseal/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestDealSealingConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("DEALSEAL_TEST_PG_DSN") != "":
		dsn = os.Getenv("DEALSEAL_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// seed minimal data
	seedData := mustSeed(t, ctx, pool)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// confirmers battling over the same single-use token
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Confirmer(ctx2, pool, seedData.dealID, seedData.tokenID, stop)
		})
	}
	// a voider racing the confirmers on the same deal
	g.Go(func() error { return actors.Voider(ctx2, pool, seedData.dealID, stop) })
	// viewers and verifiers interleaving audit writes
	g.Go(func() error { return actors.Viewer(ctx2, pool, seedData.dealID, stop) })
	g.Go(func() error { return actors.Verifier(ctx2, pool, seedData.dealID, stop) })
	// token issuer churning a side deal's token table
	g.Go(func() error { return actors.TokenIssuer(ctx2, pool, seedData.sideDealID, stop) })
	// tamperer probing the append-only trigger
	g.Go(func() error { return actors.HistoryTamperer(ctx2, pool, seedData.dealID, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	dealID     string
	tokenID    string
	sideDealID string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	// the contested deal
	if err := pool.QueryRow(ctx, `INSERT INTO deals (public_id, title, terms)
         VALUES ($1, 'Stress Deal', '[{"label":"Amount","value":"100","type":"currency"}]'::jsonb)
         RETURNING id`, fmt.Sprintf("stress-%d", rand.Int63())).Scan(&s.dealID); err != nil {
		t.Fatalf("seed deal: %v", err)
	}
	// its single-use access token
	if err := pool.QueryRow(ctx, `INSERT INTO access_tokens (deal_id, secret_hash, expires_at)
         VALUES ($1, 'seed-hash', now() + interval '7 days')
         RETURNING id`, s.dealID).Scan(&s.tokenID); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	// a side deal for the token issuer to churn
	if err := pool.QueryRow(ctx, `INSERT INTO deals (public_id, title)
         VALUES ($1, 'Side Deal') RETURNING id`, fmt.Sprintf("side-%d", rand.Int63())).Scan(&s.sideDealID); err != nil {
		t.Fatalf("seed side deal: %v", err)
	}
	// a created entry so the tamperer has something to attack
	if _, err := pool.Exec(ctx, `INSERT INTO audit_log (deal_id, event_type, actor_type, metadata)
         VALUES ($1, 'deal_created', 'creator', '{}'::jsonb)`, s.dealID); err != nil {
		t.Fatalf("seed audit entry: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"deals", `SELECT id, public_id, status, deal_seal, confirmed_at, voided_at FROM deals ORDER BY created_at DESC LIMIT 50`},
		{"access_tokens", `SELECT id, deal_id, used_at, expires_at FROM access_tokens ORDER BY created_at DESC LIMIT 50`},
		{"audit_log", `SELECT id, deal_id, event_type, actor_type, created_at FROM audit_log ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
