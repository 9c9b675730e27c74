package contract

import (
	"time"

	"agencyflow/civil"
)

// IsExpiring reports whether c is a live contract of category whose end date
// falls in [today, today+lookaheadDays].
func IsExpiring(c Contract, category Category, today time.Time, lookaheadDays int) bool {
	if c.Category != category {
		return false
	}
	if c.Status != StatusActive && c.Status != StatusConfirmed {
		return false
	}
	today = civil.DateOf(today)
	end := civil.DateOf(c.EndDate)
	return !end.Before(today) && !end.After(civil.AddDays(today, lookaheadDays))
}

// Expiring filters contracts with IsExpiring, preserving order.
func Expiring(contracts []Contract, category Category, today time.Time, lookaheadDays int) []Contract {
	out := []Contract{}
	for _, c := range contracts {
		if IsExpiring(c, category, today, lookaheadDays) {
			out = append(out, c)
		}
	}
	return out
}
