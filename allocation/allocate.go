package allocation

import (
	"fmt"

	"agencyflow/apperr"
	"agencyflow/money"
	"agencyflow/ratio"
)

// Share is the amount one stakeholder receives from a settlement.
type Share struct {
	Type    ratio.Type
	UserID  *string
	Percent money.Percent
	Amount  money.Amount
}

// Allocate splits total across the ratio snapshot. Shares come back in canonical
// order and always sum to total.
//
// Every share is floor(total * percent) except the absorber, which takes the
// remainder: the last AGENCY entry in canonical order, or the last entry when
// the set has no AGENCY stakeholder.
func Allocate(snapshot ratio.Set, total money.Amount) ([]Share, error) {
	if total <= 0 {
		return nil, fmt.Errorf("allocation: total amount must be positive: %w", apperr.ErrValidation)
	}
	if err := ratio.Validate(snapshot); err != nil {
		return nil, fmt.Errorf("allocation: %w", err)
	}

	ordered := snapshot.Canonical()
	absorber := Absorber(ordered)

	shares := make([]Share, len(ordered))
	var allocated money.Amount
	for i, e := range ordered {
		shares[i] = Share{Type: e.Type, UserID: e.UserID, Percent: e.Percent}
		if i == absorber {
			continue
		}
		shares[i].Amount = money.Share(total, e.Percent)
		allocated += shares[i].Amount
	}
	shares[absorber].Amount = total - allocated

	return shares, nil
}

// Absorber returns the index of the remainder absorber within a canonically
// ordered set.
func Absorber(ordered ratio.Set) int {
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].Type == ratio.TypeAgency {
			return i
		}
	}
	return len(ordered) - 1
}

// Sum adds up share amounts.
func Sum(shares []Share) money.Amount {
	var sum money.Amount
	for _, s := range shares {
		sum += s.Amount
	}
	return sum
}
