package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"agencyflow/allocation"
	"agencyflow/apperr"
	"agencyflow/civil"
	"agencyflow/contract"
	"agencyflow/db"
	"agencyflow/metrics"
)

// Store defines the data access required by the service.
type Store interface {
	LockContract(ctx context.Context, tx pgx.Tx, contractID string) (contract.Contract, error)
	ExistsForDate(ctx context.Context, q db.Querier, contractID string, date time.Time, excludeID string) (bool, error)
	Insert(ctx context.Context, tx pgx.Tx, s Settlement) (Settlement, error)
	Get(ctx context.Context, q db.Querier, id string) (Settlement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Settlement, error)
	Update(ctx context.Context, tx pgx.Tx, s Settlement) (Settlement, error)
	ReplaceDetails(ctx context.Context, tx pgx.Tx, settlementID string, details []Detail) error
	SetSettled(ctx context.Context, tx pgx.Tx, id string, settled bool) (Settlement, error)
	Delete(ctx context.Context, tx pgx.Tx, id string) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	List(ctx context.Context, q db.Querier, filters ListFilters) ([]Settlement, int, error)
	Summary(ctx context.Context, q db.Querier) (Summary, error)
	Monthly(ctx context.Context, q db.Querier) ([]MonthlySummary, error)
	TopStakeholders(ctx context.Context, q db.Querier, limit int) ([]StakeholderTotal, error)
	RevenueByRatioType(ctx context.Context, q db.Querier) ([]RatioTypeRevenue, error)
}

const (
	defaultTopStakeholders = 10
	maxTopStakeholders     = 100
)

type Service struct {
	pool        db.Pool
	repo        Store
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewService(pool db.Pool, repo Store) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		logger:      slog.Default(),
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("settlement: %s: %w", fmt.Sprintf(format, args...), apperr.ErrValidation)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if apperr.IsConflict(err) || apperr.IsUniqueViolation(err, "") {
		return fmt.Errorf("settlement: %w: %w", apperr.ErrConcurrencyConflict, err)
	}
	return err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Create records a settlement against an ACTIVE contract and allocates the
// total across the contract's ratios. The contract is share-locked so its
// status cannot move while the ledger is written.
func (s *Service) Create(ctx context.Context, params CreateParams) (created Settlement, err error) {
	defer func() { metrics.ObserveSettlementWrite("create", err) }()

	if strings.TrimSpace(params.ContractID) == "" {
		return Settlement{}, invalid("contract id required")
	}
	if params.TotalAmount <= 0 {
		return Settlement{}, invalid("total amount must be positive")
	}
	incomeDate := civil.DateOf(s.now())
	if params.IncomeDate != nil {
		incomeDate = civil.DateOf(*params.IncomeDate)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Settlement{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.LockContract(ctx, tx, params.ContractID)
	if err != nil {
		return Settlement{}, classify(err)
	}
	if c.Status != contract.StatusActive {
		return Settlement{}, fmt.Errorf("settlement: contract %s is %s: %w", c.ID, c.Status, apperr.ErrNotActive)
	}

	exists, err := s.repo.ExistsForDate(ctx, tx, c.ID, incomeDate, "")
	if err != nil {
		return Settlement{}, classify(err)
	}
	if exists {
		return Settlement{}, fmt.Errorf("settlement: contract %s already settled for %s: %w",
			c.ID, civil.Format(incomeDate), apperr.ErrDuplicateSettlement)
	}

	shares, err := allocation.Allocate(c.Ratios, params.TotalAmount)
	if err != nil {
		return Settlement{}, err
	}

	created, err = s.repo.Insert(ctx, tx, Settlement{
		ID:          s.idGenerator(),
		ContractID:  c.ID,
		TotalAmount: params.TotalAmount,
		IncomeDate:  incomeDate,
		Memo:        strings.TrimSpace(params.Memo),
		Source:      strings.TrimSpace(params.Source),
		CreatedBy:   optional(params.ActorID),
		Details:     detailsFromShares(shares),
	})
	if err != nil {
		// A concurrent writer won the same (contract, date) slot.
		return Settlement{}, classify(err)
	}

	if err := s.repo.Enqueue(ctx, tx, OutboxTopicCreated, map[string]any{
		"settlement_id": created.ID,
		"contract_id":   created.ContractID,
		"income_date":   civil.Format(created.IncomeDate),
		"total_amount":  created.TotalAmount,
	}); err != nil {
		return Settlement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Settlement{}, classify(fmt.Errorf("settlement: commit create: %w", err))
	}

	metrics.ObserveAllocationWritten(int64(allocation.Sum(shares)))
	s.logger.InfoContext(ctx, "settlement created",
		"settlement_id", created.ID, "contract_id", created.ContractID,
		"income_date", civil.Format(created.IncomeDate), "total", created.TotalAmount, "details", len(created.Details))
	return created, nil
}

// Update edits a settlement. Amount or date edits are rejected once the
// settlement is settled; otherwise the details are recomputed from the ratio
// snapshot frozen at creation, not from the contract's current ratios.
func (s *Service) Update(ctx context.Context, params UpdateParams) (updated Settlement, err error) {
	defer func() { metrics.ObserveSettlementWrite("update", err) }()

	if params.TotalAmount != nil && *params.TotalAmount <= 0 {
		return Settlement{}, invalid("total amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Settlement{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, params.ID)
	if err != nil {
		return Settlement{}, classify(err)
	}

	next := current
	if params.TotalAmount != nil {
		next.TotalAmount = *params.TotalAmount
	}
	if params.IncomeDate != nil {
		next.IncomeDate = civil.DateOf(*params.IncomeDate)
	}
	if params.Memo != nil {
		next.Memo = strings.TrimSpace(*params.Memo)
	}
	if params.Source != nil {
		next.Source = strings.TrimSpace(*params.Source)
	}
	if params.IsSettled != nil {
		next.IsSettled = *params.IsSettled
	}

	amountChanged := next.TotalAmount != current.TotalAmount
	dateChanged := !next.IncomeDate.Equal(current.IncomeDate)
	if current.IsSettled && (amountChanged || dateChanged) {
		return Settlement{}, fmt.Errorf("settlement: %s is settled: %w", current.ID, apperr.ErrSettlementLocked)
	}

	if dateChanged {
		exists, err := s.repo.ExistsForDate(ctx, tx, current.ContractID, next.IncomeDate, current.ID)
		if err != nil {
			return Settlement{}, classify(err)
		}
		if exists {
			return Settlement{}, fmt.Errorf("settlement: contract %s already settled for %s: %w",
				current.ContractID, civil.Format(next.IncomeDate), apperr.ErrDuplicateSettlement)
		}
	}

	details := current.Details
	var reallocated []allocation.Share
	if amountChanged {
		reallocated, err = allocation.Allocate(current.Snapshot(), next.TotalAmount)
		if err != nil {
			return Settlement{}, err
		}
		details = detailsFromShares(reallocated)
		if err := s.repo.ReplaceDetails(ctx, tx, current.ID, details); err != nil {
			return Settlement{}, classify(err)
		}
	}

	updated, err = s.repo.Update(ctx, tx, next)
	if err != nil {
		return Settlement{}, classify(err)
	}
	updated.Details = details

	if err := s.repo.Enqueue(ctx, tx, OutboxTopicUpdated, map[string]any{
		"settlement_id":  updated.ID,
		"contract_id":    updated.ContractID,
		"amount_changed": amountChanged,
		"date_changed":   dateChanged,
		"is_settled":     updated.IsSettled,
		"actor_id":       params.ActorID,
	}); err != nil {
		return Settlement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Settlement{}, classify(fmt.Errorf("settlement: commit update: %w", err))
	}

	if amountChanged {
		metrics.ObserveAllocationWritten(int64(allocation.Sum(reallocated)))
	}
	s.logger.InfoContext(ctx, "settlement updated",
		"settlement_id", updated.ID, "amount_changed", amountChanged, "date_changed", dateChanged)
	return updated, nil
}

// Delete removes an unsettled settlement and its details.
func (s *Service) Delete(ctx context.Context, id, actorID string) (err error) {
	defer func() { metrics.ObserveSettlementWrite("delete", err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return classify(err)
	}
	if current.IsSettled {
		return fmt.Errorf("settlement: %s is settled: %w", current.ID, apperr.ErrSettlementLocked)
	}

	if err := s.repo.Delete(ctx, tx, current.ID); err != nil {
		return classify(err)
	}
	if err := s.repo.Enqueue(ctx, tx, OutboxTopicDeleted, map[string]any{
		"settlement_id": current.ID,
		"contract_id":   current.ContractID,
		"actor_id":      actorID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("settlement: commit delete: %w", err))
	}

	s.logger.InfoContext(ctx, "settlement deleted", "settlement_id", current.ID, "actor_id", actorID)
	return nil
}

// ChangeStatus sets the settled flag. Setting it to its current value is a
// no-op that still succeeds.
func (s *Service) ChangeStatus(ctx context.Context, id, actorID string, settled bool) (updated Settlement, err error) {
	defer func() { metrics.ObserveSettlementWrite("change_status", err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Settlement{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Settlement{}, classify(err)
	}
	if current.IsSettled == settled {
		return current, nil
	}

	updated, err = s.repo.SetSettled(ctx, tx, current.ID, settled)
	if err != nil {
		return Settlement{}, classify(err)
	}
	updated.Details = current.Details

	if err := s.repo.Enqueue(ctx, tx, OutboxTopicStatusChanged, map[string]any{
		"settlement_id": current.ID,
		"is_settled":    settled,
		"actor_id":      actorID,
	}); err != nil {
		return Settlement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Settlement{}, classify(fmt.Errorf("settlement: commit status: %w", err))
	}

	s.logger.InfoContext(ctx, "settlement status changed", "settlement_id", current.ID, "is_settled", settled)
	return updated, nil
}

// Get returns a settlement with its details.
func (s *Service) Get(ctx context.Context, id string) (Settlement, error) {
	return s.repo.Get(ctx, s.pool, id)
}

// List returns a filtered page of settlements.
func (s *Service) List(ctx context.Context, filters ListFilters) (ListResult, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.From != nil && filters.To != nil && filters.To.Before(*filters.From) {
		return ListResult{}, invalid("to date before from date")
	}
	items, total, err := s.repo.List(ctx, s.pool, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// ListByContract returns the settlements of one contract.
func (s *Service) ListByContract(ctx context.Context, contractID string, page, pageSize int) (ListResult, error) {
	if strings.TrimSpace(contractID) == "" {
		return ListResult{}, invalid("contract id required")
	}
	return s.List(ctx, ListFilters{ContractID: contractID, Page: page, PageSize: pageSize})
}

func (s *Service) Summary(ctx context.Context) (Summary, error) {
	return s.repo.Summary(ctx, s.pool)
}

func (s *Service) Monthly(ctx context.Context) ([]MonthlySummary, error) {
	return s.repo.Monthly(ctx, s.pool)
}

// TopStakeholders ranks stakeholders by allocated revenue. limit defaults to
// 10 and is capped at 100.
func (s *Service) TopStakeholders(ctx context.Context, limit int) ([]StakeholderTotal, error) {
	if limit < 0 {
		return nil, invalid("limit must not be negative")
	}
	if limit == 0 {
		limit = defaultTopStakeholders
	}
	if limit > maxTopStakeholders {
		limit = maxTopStakeholders
	}
	return s.repo.TopStakeholders(ctx, s.pool, limit)
}

func (s *Service) RevenueByRatioType(ctx context.Context) ([]RatioTypeRevenue, error) {
	return s.repo.RevenueByRatioType(ctx, s.pool)
}

// Dashboard runs the aggregations concurrently against the pool.
func (s *Service) Dashboard(ctx context.Context, top int) (Dashboard, error) {
	var d Dashboard
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sum, err := s.Summary(gctx)
		d.Summary = sum
		return err
	})
	g.Go(func() error {
		monthly, err := s.Monthly(gctx)
		d.Monthly = monthly
		return err
	})
	g.Go(func() error {
		byType, err := s.RevenueByRatioType(gctx)
		d.ByRatioType = byType
		return err
	})
	g.Go(func() error {
		stakeholders, err := s.TopStakeholders(gctx, top)
		d.TopStakeholders = stakeholders
		return err
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, fmt.Errorf("settlement: dashboard: %w", err)
	}
	return d, nil
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, apperr.ErrConcurrencyConflict)
}
