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
			Name: "O1_detail_sum_equals_total",
			SQL: `SELECT s.id, s.total_amount, SUM(d.amount) FROM settlements s
                  JOIN settlement_details d ON d.settlement_id = s.id
                  GROUP BY s.id, s.total_amount
                  HAVING SUM(d.amount) <> s.total_amount`,
		},
		{
			Name: "O2_settlement_has_details",
			SQL: `SELECT s.id FROM settlements s
                  WHERE NOT EXISTS (SELECT 1 FROM settlement_details d WHERE d.settlement_id = s.id)`,
		},
		{
			Name: "O3_detail_percent_sum",
			SQL: `SELECT settlement_id, SUM(percent_bp) FROM settlement_details
                  GROUP BY settlement_id HAVING SUM(percent_bp) <> 10000`,
		},
		{
			Name: "O4_contract_ratio_sum",
			SQL: `SELECT c.id, COALESCE(SUM(r.percent_bp), 0) FROM contracts c
                  LEFT JOIN contract_ratios r ON r.contract_id = c.id
                  GROUP BY c.id HAVING COALESCE(SUM(r.percent_bp), 0) <> 10000`,
		},
		{
			Name: "O5_settlement_requires_activation",
			SQL: `SELECT s.id, s.contract_id FROM settlements s
                  WHERE NOT EXISTS (
                      SELECT 1 FROM contract_events e
                      WHERE e.contract_id = s.contract_id AND e.next_status = 'ACTIVE')`,
		},
		{
			Name: "O6_unique_income_date",
			SQL: `SELECT contract_id, income_date, COUNT(*) FROM settlements
                  GROUP BY contract_id, income_date HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_legal_transitions",
			SQL: `SELECT e.id, e.previous_status, e.next_status FROM contract_events e
                  WHERE e.type = 'CONTRACT_STATUS_CHANGED'
                    AND (e.previous_status, e.next_status) NOT IN (VALUES
                        ('DRAFT', 'REVIEW'), ('PENDING', 'REVIEW'),
                        ('REVIEW', 'SIGNED_OFFLINE'), ('REVIEW', 'SIGNED'),
                        ('SIGNED', 'CONFIRMED'), ('SIGNED_OFFLINE', 'CONFIRMED'),
                        ('CONFIRMED', 'ACTIVE'), ('ACTIVE', 'TERMINATED'),
                        ('ACTIVE', 'EXPIRED'), ('CONFIRMED', 'EXPIRED'))`,
		},
		{
			Name: "O8_status_matches_last_event",
			SQL: `SELECT c.id, c.status, last.next_status FROM contracts c
                  JOIN LATERAL (
                      SELECT next_status FROM contract_events e
                      WHERE e.contract_id = c.id ORDER BY e.id DESC LIMIT 1) last ON true
                  WHERE last.next_status IS DISTINCT FROM c.status`,
		},
		{
			Name: "O9_outbox_stale",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now()-created_at > interval '5 minutes'`,
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
		err = rows.Err()
		rows.Close()
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
