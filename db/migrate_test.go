package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMigrate_AppliesPendingInOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.sql": {Data: []byte("CREATE TABLE b (id int);")},
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id int);")},
		"README.md":  {Data: []byte("ignored")},
	}
	pool := &recordingPool{applied: map[string]bool{"0001_a.sql": true}}

	applied, err := Migrate(context.Background(), pool, fsys)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_b.sql" {
		t.Fatalf("expected only 0002 to apply, got %v", applied)
	}
	if pool.commits != 1 {
		t.Fatalf("expected one commit, got %d", pool.commits)
	}
	var sawB, sawA bool
	for _, stmt := range pool.statements {
		sawB = sawB || strings.Contains(stmt, "CREATE TABLE b")
		sawA = sawA || strings.Contains(stmt, "CREATE TABLE a")
	}
	if !sawB || sawA {
		t.Fatalf("unexpected statements: %v", pool.statements)
	}
}

func TestMigrate_StopsOnFailure(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("BROKEN")},
		"0002_b.sql": {Data: []byte("CREATE TABLE b (id int);")},
	}
	pool := &recordingPool{applied: map[string]bool{}, failOn: "BROKEN"}

	applied, err := Migrate(context.Background(), pool, fsys)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(applied) != 0 || pool.commits != 0 {
		t.Fatalf("nothing should be applied: %v commits=%d", applied, pool.commits)
	}
}

type recordingPool struct {
	applied    map[string]bool
	failOn     string
	statements []string
	commits    int
}

func (p *recordingPool) Begin(context.Context) (pgx.Tx, error) {
	return &recordingTx{pool: p}, nil
}

type recordingTx struct {
	pgx.Tx
	pool *recordingPool
}

func (tx *recordingTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if tx.pool.failOn != "" && strings.Contains(sql, tx.pool.failOn) {
		return pgconn.CommandTag{}, errors.New("syntax error")
	}
	tx.pool.statements = append(tx.pool.statements, sql)
	return pgconn.CommandTag{}, nil
}

func (tx *recordingTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	version, _ := args[0].(string)
	return boolRow(tx.pool.applied[version])
}

func (tx *recordingTx) Commit(context.Context) error {
	tx.pool.commits++
	return nil
}

func (tx *recordingTx) Rollback(context.Context) error { return nil }

type boolRow bool

func (r boolRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = bool(r)
	return nil
}
