package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"agencyflow/apperr"
	"agencyflow/db"
	"agencyflow/money"
	"agencyflow/ratio"
)

// ErrNotFound is returned when no contract row exists for the provided identifier.
var ErrNotFound = fmt.Errorf("contract: %w", apperr.ErrNotFound)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const contractColumns = `
    c.id::text, c.category, c.type, c.title, c.start_date, c.end_date, c.status, c.amount,
    c.user_id, c.team_id, c.company_name, c.signer_name, c.sign_memo, c.signature_ref,
    c.signed_at, c.created_by, c.created_at, c.updated_at`

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	err := row.Scan(
		&c.ID, &c.Category, &c.Type, &c.Title, &c.StartDate, &c.EndDate, &c.Status, &c.Amount,
		&c.UserID, &c.TeamID, &c.CompanyName, &c.SignerName, &c.SignMemo, &c.SignatureRef,
		&c.SignedAt, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// Insert writes the contract row and its ratio entries.
func (r *Repository) Insert(ctx context.Context, q db.Querier, c Contract) (Contract, error) {
	const insertSQL = `
INSERT INTO contracts AS c (id, category, type, title, start_date, end_date, status, amount,
                            user_id, team_id, company_name, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING` + contractColumns

	created, err := scanContract(q.QueryRow(ctx, insertSQL,
		c.ID, c.Category, c.Type, c.Title, c.StartDate, c.EndDate, c.Status, c.Amount,
		c.UserID, c.TeamID, c.CompanyName, c.CreatedBy,
	))
	if err != nil {
		return Contract{}, fmt.Errorf("contract: insert: %w", err)
	}

	for i, e := range c.Ratios {
		if _, err := q.Exec(ctx, `
            INSERT INTO contract_ratios (contract_id, position, ratio_type, user_id, percent_bp)
            VALUES ($1, $2, $3, $4, $5)`,
			created.ID, i, e.Type, e.UserID, e.Percent); err != nil {
			return Contract{}, fmt.Errorf("contract: insert ratio %d: %w", i, err)
		}
	}
	created.Ratios = c.Ratios
	return created, nil
}

// Get loads a contract with its ratios.
func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Contract, error) {
	return r.get(ctx, q, id, "")
}

// GetForUpdate loads and row-locks a contract inside tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	return r.get(ctx, tx, id, "FOR UPDATE")
}

// GetForShare loads a contract and blocks concurrent transitions until tx ends.
func (r *Repository) GetForShare(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	return r.get(ctx, tx, id, "FOR SHARE")
}

func (r *Repository) get(ctx context.Context, q db.Querier, id, lock string) (Contract, error) {
	c, err := scanContract(q.QueryRow(ctx, `SELECT`+contractColumns+` FROM contracts c WHERE c.id = $1 `+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		if apperr.PgCode(err) == "22P02" {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: get %s: %w", id, err)
	}
	ratios, err := r.ratios(ctx, q, c.ID)
	if err != nil {
		return Contract{}, err
	}
	c.Ratios = ratios
	return c, nil
}

func (r *Repository) ratios(ctx context.Context, q db.Querier, contractID string) (ratio.Set, error) {
	rows, err := q.Query(ctx, `
        SELECT ratio_type, user_id, percent_bp
        FROM contract_ratios
        WHERE contract_id = $1
        ORDER BY position`, contractID)
	if err != nil {
		return nil, fmt.Errorf("contract: load ratios: %w", err)
	}
	defer rows.Close()

	set := ratio.Set{}
	for rows.Next() {
		var e ratio.Entry
		if err := rows.Scan(&e.Type, &e.UserID, &e.Percent); err != nil {
			return nil, fmt.Errorf("contract: scan ratio: %w", err)
		}
		set = append(set, e)
	}
	return set, rows.Err()
}

// UpdateStatus applies a committed transition's row changes.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, params UpdateStatusParams) (Contract, error) {
	const updateSQL = `
UPDATE contracts AS c
SET status        = $2,
    signer_name   = COALESCE($3, c.signer_name),
    sign_memo     = COALESCE($4, c.sign_memo),
    signature_ref = COALESCE($5, c.signature_ref),
    signed_at     = COALESCE($6, c.signed_at),
    updated_at    = now()
WHERE c.id = $1
RETURNING` + contractColumns

	updated, err := scanContract(tx.QueryRow(ctx, updateSQL,
		params.ID, params.Next, params.SignerName, params.SignMemo, params.SignatureRef, params.SignedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: update status: %w", err)
	}
	return updated, nil
}

// Delete removes the contract; ratios and events cascade.
func (r *Repository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM contracts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("contract: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent writes an audit row.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, params EventParams) error {
	payload := params.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal event payload: %w", err)
	}

	const insertSQL = `
INSERT INTO contract_events (contract_id, type, previous_status, next_status, actor_id, payload)
VALUES ($1, $2, $3, $4, $5, $6);
`
	if _, err := tx.Exec(ctx, insertSQL,
		params.ContractID, params.Type, params.PreviousStatus, params.NextStatus, params.ActorID, payloadBytes,
	); err != nil {
		return fmt.Errorf("contract: insert event: %w", err)
	}
	return nil
}

// Enqueue writes a transactional outbox message.
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, payloadBytes); err != nil {
		return fmt.Errorf("contract: insert outbox message: %w", err)
	}
	return nil
}

// ListEvents returns a contract's audit trail oldest first.
func (r *Repository) ListEvents(ctx context.Context, q db.Querier, contractID string) ([]Event, error) {
	rows, err := q.Query(ctx, `
        SELECT id, contract_id::text, type, previous_status, next_status, actor_id, payload, created_at
        FROM contract_events
        WHERE contract_id = $1
        ORDER BY id`, contractID)
	if err != nil {
		return nil, fmt.Errorf("contract: list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ContractID, &e.Type, &e.PreviousStatus, &e.NextStatus, &e.ActorID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("contract: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// List returns one page of contracts matching filters plus the total match count.
func (r *Repository) List(ctx context.Context, q db.Querier, filters ListFilters) ([]Contract, int, error) {
	where, args := listConditions(filters)

	query := `SELECT` + contractColumns + ` FROM contracts c` + where +
		fmt.Sprintf(" ORDER BY c.created_at DESC, c.id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	pageArgs := append(append([]any{}, args...), filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := q.Query(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("contract: list: %w", err)
	}
	items := []Contract{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("contract: scan: %w", err)
		}
		items = append(items, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("contract: list: %w", err)
	}

	for i := range items {
		set, err := r.ratios(ctx, q, items[i].ID)
		if err != nil {
			return nil, 0, err
		}
		items[i].Ratios = set
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM contracts c`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("contract: count: %w", err)
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
	if f.TeamID != "" {
		add("c.team_id = $%d", f.TeamID)
	}
	if f.Status != "" {
		add("c.status = $%d", f.Status)
	}
	if f.Type != "" {
		add("c.type = $%d", f.Type)
	}
	if f.Category != "" {
		add("c.category = $%d", f.Category)
	}
	if f.From != nil {
		add("c.end_date >= $%d", *f.From)
	}
	if f.To != nil {
		add("c.start_date <= $%d", *f.To)
	}
	if f.Participant != "" {
		args = append(args, f.Participant)
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(c.user_id = $%d OR EXISTS (SELECT 1 FROM contract_ratios r WHERE r.contract_id = c.id AND r.user_id = $%d))", n, n))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListExpiring returns ACTIVE or CONFIRMED contracts of category whose end date
// falls within [from, to].
func (r *Repository) ListExpiring(ctx context.Context, q db.Querier, category Category, from, to time.Time) ([]Contract, error) {
	rows, err := q.Query(ctx, `SELECT`+contractColumns+`
        FROM contracts c
        WHERE c.category = $1
          AND c.status IN ('ACTIVE', 'CONFIRMED')
          AND c.end_date BETWEEN $2 AND $3
        ORDER BY c.end_date, c.id`, category, from, to)
	if err != nil {
		return nil, fmt.Errorf("contract: list expiring: %w", err)
	}
	defer rows.Close()

	items := []Contract{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// ListOverdue returns ids of ACTIVE or CONFIRMED contracts that ended before today.
func (r *Repository) ListOverdue(ctx context.Context, q db.Querier, today time.Time) ([]string, error) {
	rows, err := q.Query(ctx, `
        SELECT id::text FROM contracts
        WHERE status IN ('ACTIVE', 'CONFIRMED') AND end_date < $1
        ORDER BY end_date, id`, today)
	if err != nil {
		return nil, fmt.Errorf("contract: list overdue: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("contract: scan overdue: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InternalShare returns the entry recorded for userID on the user's most recent
// CONFIRMED or ACTIVE internal contract.
func (r *Repository) InternalShare(ctx context.Context, q db.Querier, userID string) (ratio.Entry, error) {
	var (
		e  ratio.Entry
		bp int64
	)
	err := q.QueryRow(ctx, `
        SELECT r.ratio_type, r.percent_bp
        FROM contracts c
        JOIN contract_ratios r ON r.contract_id = c.id AND r.user_id = c.user_id
        WHERE c.user_id = $1
          AND c.category = 'INTERNAL'
          AND c.status IN ('CONFIRMED', 'ACTIVE')
        ORDER BY c.start_date DESC, c.created_at DESC, r.position
        LIMIT 1`, userID).Scan(&e.Type, &bp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ratio.Entry{}, ErrNotFound
		}
		return ratio.Entry{}, fmt.Errorf("contract: internal share for %s: %w", userID, err)
	}
	e.Percent = money.Percent(bp)
	e.UserID = &userID
	return e, nil
}
