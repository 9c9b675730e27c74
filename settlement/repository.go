package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"agencyflow/apperr"
	"agencyflow/contract"
	"agencyflow/db"
)

// ErrNotFound is returned when no settlement row exists for the provided identifier.
var ErrNotFound = fmt.Errorf("settlement: %w", apperr.ErrNotFound)

// UniqueIncomeDate is the constraint backing one settlement per contract and date.
const UniqueIncomeDate = "settlements_contract_income_date_key"

type Repository struct {
	contracts *contract.Repository
}

func NewRepository() *Repository {
	return &Repository{contracts: contract.NewRepository()}
}

const settlementColumns = `
    s.id::text, s.contract_id::text, s.total_amount, s.income_date, s.memo, s.source,
    s.is_settled, s.created_by, s.created_at, s.updated_at`

func scanSettlement(row pgx.Row) (Settlement, error) {
	var s Settlement
	err := row.Scan(&s.ID, &s.ContractID, &s.TotalAmount, &s.IncomeDate, &s.Memo, &s.Source,
		&s.IsSettled, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || apperr.PgCode(err) == "22P02"
}

// LockContract share-locks the parent contract so it cannot change status
// while the settlement is written.
func (r *Repository) LockContract(ctx context.Context, tx pgx.Tx, contractID string) (contract.Contract, error) {
	return r.contracts.GetForShare(ctx, tx, contractID)
}

// ExistsForDate reports whether the contract already has a settlement on date,
// ignoring excludeID.
func (r *Repository) ExistsForDate(ctx context.Context, q db.Querier, contractID string, date time.Time, excludeID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM settlements
            WHERE contract_id = $1 AND income_date = $2 AND ($3 = '' OR id::text <> $3)
        )`, contractID, date, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("settlement: check income date: %w", err)
	}
	return exists, nil
}

// Insert writes the settlement row and its details.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, s Settlement) (Settlement, error) {
	const insertSQL = `
INSERT INTO settlements AS s (id, contract_id, total_amount, income_date, memo, source, is_settled, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING` + settlementColumns

	created, err := scanSettlement(tx.QueryRow(ctx, insertSQL,
		s.ID, s.ContractID, s.TotalAmount, s.IncomeDate, s.Memo, s.Source, s.IsSettled, s.CreatedBy))
	if err != nil {
		return Settlement{}, fmt.Errorf("settlement: insert: %w", err)
	}
	if err := r.insertDetails(ctx, tx, created.ID, s.Details); err != nil {
		return Settlement{}, err
	}
	created.Details = s.Details
	return created, nil
}

func (r *Repository) insertDetails(ctx context.Context, tx pgx.Tx, settlementID string, details []Detail) error {
	for _, d := range details {
		if _, err := tx.Exec(ctx, `
            INSERT INTO settlement_details (settlement_id, position, ratio_type, user_id, percent_bp, amount)
            VALUES ($1, $2, $3, $4, $5, $6)`,
			settlementID, d.Position, d.RatioType, d.UserID, d.Percent, d.Amount); err != nil {
			return fmt.Errorf("settlement: insert detail %d: %w", d.Position, err)
		}
	}
	return nil
}

// ReplaceDetails swaps the whole detail set of a settlement.
func (r *Repository) ReplaceDetails(ctx context.Context, tx pgx.Tx, settlementID string, details []Detail) error {
	if _, err := tx.Exec(ctx, `DELETE FROM settlement_details WHERE settlement_id = $1`, settlementID); err != nil {
		return fmt.Errorf("settlement: clear details: %w", err)
	}
	return r.insertDetails(ctx, tx, settlementID, details)
}

func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Settlement, error) {
	return r.get(ctx, q, id, "")
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Settlement, error) {
	return r.get(ctx, tx, id, "FOR UPDATE")
}

func (r *Repository) get(ctx context.Context, q db.Querier, id, lock string) (Settlement, error) {
	s, err := scanSettlement(q.QueryRow(ctx, `SELECT`+settlementColumns+` FROM settlements s WHERE s.id = $1 `+lock, id))
	if err != nil {
		if notFound(err) {
			return Settlement{}, ErrNotFound
		}
		return Settlement{}, fmt.Errorf("settlement: get %s: %w", id, err)
	}
	details, err := r.details(ctx, q, []string{s.ID})
	if err != nil {
		return Settlement{}, err
	}
	s.Details = details[s.ID]
	return s, nil
}

func (r *Repository) details(ctx context.Context, q db.Querier, ids []string) (map[string][]Detail, error) {
	out := make(map[string][]Detail, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, `
        SELECT settlement_id::text, position, ratio_type, user_id, percent_bp, amount
        FROM settlement_details
        WHERE settlement_id::text = ANY($1)
        ORDER BY settlement_id, position`, ids)
	if err != nil {
		return nil, fmt.Errorf("settlement: load details: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			d  Detail
		)
		if err := rows.Scan(&id, &d.Position, &d.RatioType, &d.UserID, &d.Percent, &d.Amount); err != nil {
			return nil, fmt.Errorf("settlement: scan detail: %w", err)
		}
		out[id] = append(out[id], d)
	}
	return out, rows.Err()
}

// Update writes the mutable row fields.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, s Settlement) (Settlement, error) {
	const updateSQL = `
UPDATE settlements AS s
SET total_amount = $2,
    income_date  = $3,
    memo         = $4,
    source       = $5,
    is_settled   = $6,
    updated_at   = now()
WHERE s.id = $1
RETURNING` + settlementColumns

	updated, err := scanSettlement(tx.QueryRow(ctx, updateSQL, s.ID, s.TotalAmount, s.IncomeDate, s.Memo, s.Source, s.IsSettled))
	if err != nil {
		if notFound(err) {
			return Settlement{}, ErrNotFound
		}
		return Settlement{}, fmt.Errorf("settlement: update: %w", err)
	}
	return updated, nil
}

// SetSettled flips the settled flag.
func (r *Repository) SetSettled(ctx context.Context, tx pgx.Tx, id string, settled bool) (Settlement, error) {
	updated, err := scanSettlement(tx.QueryRow(ctx, `
        UPDATE settlements AS s SET is_settled = $2, updated_at = now()
        WHERE s.id = $1
        RETURNING`+settlementColumns, id, settled))
	if err != nil {
		if notFound(err) {
			return Settlement{}, ErrNotFound
		}
		return Settlement{}, fmt.Errorf("settlement: set settled: %w", err)
	}
	return updated, nil
}

// Delete removes the settlement; details cascade.
func (r *Repository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM settlements WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("settlement: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Enqueue writes a transactional outbox message.
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("settlement: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, payloadBytes); err != nil {
		return fmt.Errorf("settlement: insert outbox message: %w", err)
	}
	return nil
}

// List returns one page of settlements with details, newest income date first.
func (r *Repository) List(ctx context.Context, q db.Querier, filters ListFilters) ([]Settlement, int, error) {
	where, args := listConditions(filters)

	query := `SELECT` + settlementColumns + ` FROM settlements s` + where +
		fmt.Sprintf(" ORDER BY s.income_date DESC, s.id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	pageArgs := append(append([]any{}, args...), filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := q.Query(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("settlement: list: %w", err)
	}
	items := []Settlement{}
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("settlement: scan: %w", err)
		}
		items = append(items, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("settlement: list: %w", err)
	}

	ids := make([]string, len(items))
	for i, s := range items {
		ids[i] = s.ID
	}
	details, err := r.details(ctx, q, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range items {
		items[i].Details = details[items[i].ID]
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM settlements s`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("settlement: count: %w", err)
	}
	return items, total, nil
}

func listConditions(f ListFilters) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ContractID != "" {
		add("s.contract_id::text = $%d", f.ContractID)
	}
	if f.Settled != nil {
		add("s.is_settled = $%d", *f.Settled)
	}
	if f.From != nil {
		add("s.income_date >= $%d", *f.From)
	}
	if f.To != nil {
		add("s.income_date <= $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Summary counts settlements and sums their totals.
func (r *Repository) Summary(ctx context.Context, q db.Querier) (Summary, error) {
	var s Summary
	if err := q.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(total_amount), 0)::bigint FROM settlements`).Scan(&s.Count, &s.Total); err != nil {
		return Summary{}, fmt.Errorf("settlement: summary: %w", err)
	}
	return s, nil
}

// Monthly groups settlements by the calendar month of their income date.
func (r *Repository) Monthly(ctx context.Context, q db.Querier) ([]MonthlySummary, error) {
	rows, err := q.Query(ctx, `
        SELECT date_trunc('month', income_date)::date AS month, COUNT(*), SUM(total_amount)::bigint
        FROM settlements
        GROUP BY month
        ORDER BY month`)
	if err != nil {
		return nil, fmt.Errorf("settlement: monthly summary: %w", err)
	}
	defer rows.Close()

	out := []MonthlySummary{}
	for rows.Next() {
		var m MonthlySummary
		if err := rows.Scan(&m.Month, &m.Count, &m.Total); err != nil {
			return nil, fmt.Errorf("settlement: scan monthly: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TopStakeholders ranks stakeholders by allocated amount.
func (r *Repository) TopStakeholders(ctx context.Context, q db.Querier, limit int) ([]StakeholderTotal, error) {
	rows, err := q.Query(ctx, `
        SELECT ratio_type, user_id, COUNT(DISTINCT settlement_id), SUM(amount)::bigint AS total
        FROM settlement_details
        GROUP BY ratio_type, user_id
        ORDER BY total DESC, ratio_type, user_id NULLS FIRST
        LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("settlement: top stakeholders: %w", err)
	}
	defer rows.Close()

	out := []StakeholderTotal{}
	for rows.Next() {
		var st StakeholderTotal
		if err := rows.Scan(&st.RatioType, &st.UserID, &st.Settlements, &st.Total); err != nil {
			return nil, fmt.Errorf("settlement: scan stakeholder: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RevenueByRatioType sums allocated amounts per stakeholder type.
func (r *Repository) RevenueByRatioType(ctx context.Context, q db.Querier) ([]RatioTypeRevenue, error) {
	rows, err := q.Query(ctx, `
        SELECT ratio_type, SUM(amount)::bigint
        FROM settlement_details
        GROUP BY ratio_type
        ORDER BY CASE ratio_type WHEN 'ARTIST' THEN 0 WHEN 'PRODUCER' THEN 1 ELSE 2 END`)
	if err != nil {
		return nil, fmt.Errorf("settlement: revenue by ratio type: %w", err)
	}
	defer rows.Close()

	out := []RatioTypeRevenue{}
	for rows.Next() {
		var rt RatioTypeRevenue
		if err := rows.Scan(&rt.RatioType, &rt.Total); err != nil {
			return nil, fmt.Errorf("settlement: scan ratio type: %w", err)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}
