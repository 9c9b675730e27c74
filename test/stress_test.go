package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"agencyflow/contract"
	"agencyflow/esign"
	"agencyflow/settlement"
	"agencyflow/test/actors"
	"agencyflow/test/infra"
	"agencyflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "terminate random backends while the actors run")
)

func TestLedgerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	db, err := infra.Provision(ctx, infra.ProvisionOptions{
		DSN:           *flDSN,
		EnvVars:       []string{"STRESS_TEST_PG_DSN"},
		LocalFallback: true,
	})
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skipf("stress test needs a database: %v", err)
	}
	if err != nil {
		t.Fatalf("provision postgres: %v", err)
	}
	defer db.Close(context.Background())
	t.Logf("stress database from %s (seed=%d)", db.Origin, seed)

	pool, teardown, err := infra.ApplyMigrations(ctx, db.DSN, db.Shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	contracts := contract.NewService(pool, nil).WithSignatureRequester(esign.Local{})
	settlements := settlement.NewService(pool, nil)
	today := contracts.Today()

	reg := mustSeed(t, ctx, contracts, *flConcurrency*2)
	actors.Chaos = *flChaos

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Settler(ctx2, settlements, today, reg, stop) })
		g.Go(func() error { return actors.LedgerEditor(ctx2, settlements, today, reg, stop) })
		g.Go(func() error { return actors.Lifecycle(ctx2, contracts, reg, stop) })
	}
	g.Go(func() error { return actors.Creator(ctx2, contracts, reg, stop) })
	g.Go(func() error { return actors.Sweeper(ctx2, contracts, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	var killed atomic.Int64
	if *flChaos {
		g.Go(func() error { return actors.Disconnector(ctx2, pool, &killed, stop) })
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				if *flChaos {
					continue
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	if name, row, err := oracles.Run(context.Background(), pool); err != nil || name != "" {
		t.Fatalf("final oracle %s: %s %v (seed=%d)", name, row, err, seed)
	}
	t.Logf("stress finished with %d contracts, %d backends killed (seed=%d)", reg.Len(), killed.Load(), seed)
}

// mustSeed activates n contracts, a quarter of them already past their end
// date so the sweeper races the settlers.
func mustSeed(t *testing.T, ctx context.Context, svc *contract.Service, n int) *actors.Registry {
	t.Helper()
	reg := &actors.Registry{}
	for i := 0; i < n; i++ {
		endInDays := 30 + rand.Intn(300)
		if i%4 == 0 {
			endInDays = -1 - rand.Intn(10)
		}
		c, err := actors.Activated(ctx, svc, endInDays)
		if err != nil {
			t.Fatalf("seed contract %d: %v", i, err)
		}
		reg.Add(c.ID)
	}
	return reg
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"contract_events", `SELECT id, contract_id, type, previous_status, next_status, created_at FROM contract_events ORDER BY id DESC LIMIT 50`},
		{"settlements", `SELECT id, contract_id, total_amount, income_date, is_settled, updated_at FROM settlements ORDER BY updated_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
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
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
