package infra

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns a migrated database for integration tests.
type Harness struct {
	db       *Database
	pool     *pgxpool.Pool
	teardown func(context.Context) error
}

// NewHarness reuses DATABASE_URL in an isolated schema when set, otherwise it
// boots a Postgres container. Either way the embedded migrations are applied.
func NewHarness(ctx context.Context) (*Harness, error) {
	db, err := Provision(ctx, ProvisionOptions{EnvVars: []string{"DATABASE_URL"}})
	if err != nil {
		return nil, err
	}

	pool, teardown, err := ApplyMigrations(ctx, db.DSN, db.Shared)
	if err != nil {
		_ = db.Close(ctx)
		return nil, err
	}

	return &Harness{db: db, pool: pool, teardown: teardown}, nil
}

// Open returns a harness for t, skipping when neither DATABASE_URL nor Docker
// is usable and closing everything on cleanup.
func Open(t *testing.T) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	h, err := NewHarness(context.Background())
	if errors.Is(err, ErrNoDatabase) {
		t.Skipf("skipping integration test: %v", err)
	}
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.db.DSN
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.db.Close(ctx)
}

// Reset truncates mutable tables to provide a clean slate between cases.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"settlement_details",
		"settlements",
		"contract_events",
		"contract_ratios",
		"contracts",
		"outbox",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
