package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"agencyflow/apperr"
	"agencyflow/contract"
	"agencyflow/money"
	"agencyflow/ratio"
	"agencyflow/settlement"
)

const actorID = "stress"

// Chaos makes actors tolerate killed connections.
var Chaos bool

// Registry is the shared set of contract ids the actors fight over.
type Registry struct {
	mu  sync.Mutex
	ids []string
}

func (r *Registry) Add(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

// Pick returns a random id, or "" when nothing is registered yet.
func (r *Registry) Pick() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return ""
	}
	return r.ids[rand.Intn(len(r.ids))]
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// adminShutdown is raised on sessions killed by pg_terminate_backend.
const adminShutdown = "57P01"

func disconnected(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == adminShutdown {
		return true
	}
	return pgconn.SafeToRetry(err) || errors.Is(err, io.ErrUnexpectedEOF)
}

// expected reports whether err is one of the outcomes concurrent actors are
// allowed to see.
func expected(err error, kinds ...error) bool {
	if err == nil || errors.Is(err, apperr.ErrConcurrencyConflict) || errors.Is(err, apperr.ErrNotFound) {
		return true
	}
	if Chaos && disconnected(err) {
		return true
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

var ratioSets = []ratio.Set{
	{
		{Type: ratio.TypeArtist, UserID: ptr("artist-a"), Percent: money.MustPercent("33.33")},
		{Type: ratio.TypeProducer, UserID: ptr("producer-a"), Percent: money.MustPercent("33.33")},
		{Type: ratio.TypeAgency, Percent: money.MustPercent("33.34")},
	},
	{
		{Type: ratio.TypeArtist, UserID: ptr("artist-b"), Percent: money.MustPercent("70")},
		{Type: ratio.TypeAgency, Percent: money.MustPercent("30")},
	},
	{
		{Type: ratio.TypeArtist, UserID: ptr("artist-c"), Percent: money.MustPercent("12.5")},
		{Type: ratio.TypeArtist, UserID: ptr("artist-d"), Percent: money.MustPercent("12.5")},
		{Type: ratio.TypeProducer, UserID: ptr("producer-b"), Percent: money.MustPercent("0.01")},
		{Type: ratio.TypeAgency, Percent: money.MustPercent("74.99")},
	},
}

func ptr(s string) *string { return &s }

// Draft creates an external contract with one of the fixed ratio sets. A
// negative endInDays yields a contract that is already overdue.
func Draft(ctx context.Context, svc *contract.Service, endInDays int) (contract.Contract, error) {
	today := svc.Today()
	set := ratioSets[rand.Intn(len(ratioSets))]
	return svc.Create(ctx, contract.CreateParams{
		Category:  contract.CategoryExternal,
		Type:      contract.TypePaper,
		Title:     fmt.Sprintf("stress %d", rand.Int63()),
		StartDate: today.AddDate(0, -6, 0),
		EndDate:   today.AddDate(0, 0, endInDays),
		Amount:    money.Amount(rand.Intn(1_000_000)),
		UserID:    "artist-a",
		Ratios:    ratio.Manual{Entries: set},
		ActorID:   actorID,
	})
}

// Activated drafts a contract and walks it to ACTIVE.
func Activated(ctx context.Context, svc *contract.Service, endInDays int) (contract.Contract, error) {
	c, err := Draft(ctx, svc, endInDays)
	if err != nil {
		return c, err
	}
	if _, err := svc.SubmitForReview(ctx, c.ID, actorID); err != nil {
		return c, err
	}
	if _, err := svc.SignOffline(ctx, c.ID, actorID, "Stress Signer", "signed in the green room"); err != nil {
		return c, err
	}
	return svc.Confirm(ctx, c.ID, actorID, true)
}

// Creator keeps drafting contracts and registers them for the other actors.
func Creator(ctx context.Context, svc *contract.Service, reg *Registry, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		c, err := Draft(ctx, svc, rand.Intn(60)-10)
		if err != nil {
			if expected(err) {
				continue
			}
			return fmt.Errorf("creator: %w", err)
		}
		reg.Add(c.ID)
		pause(50, 100)
	}
}

// Lifecycle applies random operations to random contracts. Racing actors may
// lose; the loser must see InvalidTransition or a conflict, never corruption.
func Lifecycle(ctx context.Context, svc *contract.Service, reg *Registry, stop <-chan struct{}) error {
	ops := []func(id string) error{
		func(id string) error { _, err := svc.SubmitForReview(ctx, id, actorID); return err },
		func(id string) error {
			_, err := svc.SignOffline(ctx, id, actorID, "Stress Signer", "paper copy on file")
			return err
		},
		func(id string) error { _, err := svc.SignElectronic(ctx, id, actorID, uuid.NewString()); return err },
		func(id string) error { _, err := svc.Confirm(ctx, id, actorID, rand.Intn(2) == 0); return err },
		func(id string) error { _, err := svc.Activate(ctx, id, actorID); return err },
		func(id string) error { _, err := svc.ChangeStatus(ctx, id, actorID, contract.StatusActive); return err },
		func(id string) error {
			if rand.Intn(10) != 0 {
				return nil
			}
			_, err := svc.Terminate(ctx, id, actorID)
			return err
		},
		func(id string) error {
			if rand.Intn(20) != 0 {
				return nil
			}
			return svc.Delete(ctx, id, actorID)
		},
	}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := reg.Pick()
		if id == "" {
			pause(10, 10)
			continue
		}
		err := ops[rand.Intn(len(ops))](id)
		if !expected(err, apperr.ErrInvalidTransition) {
			return fmt.Errorf("lifecycle %s: %w", id, err)
		}
		pause(5, 20)
	}
}

// Sweeper runs the expiration sweep while everything else is moving.
func Sweeper(ctx context.Context, svc *contract.Service, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := svc.ExpireDue(ctx, "system"); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !expected(err) {
				return fmt.Errorf("sweeper: %w", err)
			}
		}
		pause(300, 400)
	}
}

// Settler records income against random contracts on a narrow window of
// dates so that duplicates and races on the same day are frequent.
func Settler(ctx context.Context, svc *settlement.Service, today time.Time, reg *Registry, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := reg.Pick()
		if id == "" {
			pause(10, 10)
			continue
		}
		date := today.AddDate(0, 0, -rand.Intn(5))
		_, err := svc.Create(ctx, settlement.CreateParams{
			ContractID:  id,
			TotalAmount: money.Amount(1 + rand.Intn(1_000_000)),
			IncomeDate:  &date,
			Source:      "stress",
			ActorID:     actorID,
		})
		if !expected(err, apperr.ErrDuplicateSettlement, apperr.ErrNotActive) {
			return fmt.Errorf("settler %s: %w", id, err)
		}
		if settlement.IsRetryable(err) {
			pause(1, 5)
			continue
		}
		pause(5, 25)
	}
}

// LedgerEditor edits, settles and deletes recorded settlements.
func LedgerEditor(ctx context.Context, svc *settlement.Service, today time.Time, reg *Registry, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := reg.Pick()
		if id == "" {
			pause(10, 10)
			continue
		}
		res, err := svc.ListByContract(ctx, id, 1, 20)
		if err != nil {
			if expected(err) {
				continue
			}
			return fmt.Errorf("ledger editor list: %w", err)
		}
		if len(res.Items) == 0 {
			pause(10, 20)
			continue
		}
		target := res.Items[rand.Intn(len(res.Items))]

		switch rand.Intn(5) {
		case 0:
			amount := money.Amount(1 + rand.Intn(1_000_000))
			_, err = svc.Update(ctx, settlement.UpdateParams{ID: target.ID, TotalAmount: &amount, ActorID: actorID})
		case 1:
			date := today.AddDate(0, 0, -rand.Intn(5))
			_, err = svc.Update(ctx, settlement.UpdateParams{ID: target.ID, IncomeDate: &date, ActorID: actorID})
		case 2:
			memo := fmt.Sprintf("edited %d", rand.Int())
			_, err = svc.Update(ctx, settlement.UpdateParams{ID: target.ID, Memo: &memo, ActorID: actorID})
		case 3:
			_, err = svc.ChangeStatus(ctx, target.ID, actorID, rand.Intn(2) == 0)
		default:
			err = svc.Delete(ctx, target.ID, actorID)
		}
		if !expected(err, apperr.ErrSettlementLocked, apperr.ErrDuplicateSettlement) {
			return fmt.Errorf("ledger editor %s: %w", target.ID, err)
		}
		pause(10, 30)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, failing a few on purpose.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if expected(err) {
				continue
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Disconnector kills a backend that is inside a transaction, roughly once
// every ten seconds, counting each kill in killed. The oracles then prove the
// interrupted write left no partial ledger rows behind.
func Disconnector(ctx context.Context, pool *pgxpool.Pool, killed *atomic.Int64, stop <-chan struct{}) error {
	const victim = `
SELECT pg_terminate_backend(pid)
FROM pg_stat_activity
WHERE datname = current_database()
  AND pid <> pg_backend_pid()
  AND xact_start IS NOT NULL
ORDER BY random()
LIMIT 1`
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
		}
		if rand.Intn(5) != 0 {
			continue
		}
		var ok bool
		err := pool.QueryRow(ctx, victim).Scan(&ok)
		switch {
		case err == nil:
			if ok {
				killed.Add(1)
			}
		case errors.Is(err, pgx.ErrNoRows), disconnected(err):
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("disconnector: %w", err)
		}
	}
}
