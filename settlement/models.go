package settlement

import (
	"time"

	"agencyflow/allocation"
	"agencyflow/money"
	"agencyflow/ratio"
)

// Settlement is one revenue report against a contract for an income date.
type Settlement struct {
	ID          string
	ContractID  string
	TotalAmount money.Amount
	IncomeDate  time.Time
	Memo        string
	Source      string
	IsSettled   bool
	CreatedBy   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Details     []Detail
}

// Detail is a stakeholder's allocated amount. The type, user and percent are
// copied from the contract when the settlement is created and never re-read.
type Detail struct {
	Position  int
	RatioType ratio.Type
	UserID    *string
	Percent   money.Percent
	Amount    money.Amount
}

// Snapshot rebuilds the frozen ratio set from the detail rows.
func (s Settlement) Snapshot() ratio.Set {
	set := make(ratio.Set, 0, len(s.Details))
	for _, d := range s.Details {
		set = append(set, ratio.Entry{Type: d.RatioType, UserID: d.UserID, Percent: d.Percent})
	}
	return set
}

func detailsFromShares(shares []allocation.Share) []Detail {
	details := make([]Detail, len(shares))
	for i, sh := range shares {
		details[i] = Detail{
			Position:  i,
			RatioType: sh.Type,
			UserID:    sh.UserID,
			Percent:   sh.Percent,
			Amount:    sh.Amount,
		}
	}
	return details
}

type CreateParams struct {
	ContractID  string
	TotalAmount money.Amount
	// IncomeDate defaults to today when nil.
	IncomeDate *time.Time
	Memo       string
	Source     string
	ActorID    string
}

// UpdateParams carries a partial edit. Nil fields are left unchanged.
type UpdateParams struct {
	ID          string
	TotalAmount *money.Amount
	IncomeDate  *time.Time
	Memo        *string
	Source      *string
	// IsSettled is applied after the lock check, which reads the stored flag.
	IsSettled *bool
	ActorID   string
}

type ListFilters struct {
	ContractID string
	Settled    *bool
	From       *time.Time
	To         *time.Time
	Page       int
	PageSize   int
}

type ListResult struct {
	Items []Settlement
	Total int
}

type Summary struct {
	Count int
	Total money.Amount
}

type MonthlySummary struct {
	Month time.Time
	Count int
	Total money.Amount
}

type StakeholderTotal struct {
	RatioType   ratio.Type
	UserID      *string
	Settlements int
	Total       money.Amount
}

type RatioTypeRevenue struct {
	RatioType ratio.Type
	Total     money.Amount
}

// Dashboard bundles the read-side aggregations.
type Dashboard struct {
	Summary         Summary
	Monthly         []MonthlySummary
	ByRatioType     []RatioTypeRevenue
	TopStakeholders []StakeholderTotal
}

const (
	OutboxTopicCreated       = "settlement.created"
	OutboxTopicUpdated       = "settlement.updated"
	OutboxTopicDeleted       = "settlement.deleted"
	OutboxTopicStatusChanged = "settlement.status_changed"
)
