package ratio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agencyflow/apperr"
	"agencyflow/money"
)

// Names of the individual checks reported by ValidationError.
const (
	CheckEmpty      = "empty"
	CheckType       = "type"
	CheckRange      = "range"
	CheckPrecision  = "precision"
	CheckDuplicate  = "duplicate"
	CheckSum        = "sum"
	CheckDerivation = "derivation"
)

// ValidationError reports the first failed check and the offending entry indexes.
type ValidationError struct {
	Check   string
	Entries []int
	Detail  string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ratio: %s check failed", e.Check)
	}
	return fmt.Sprintf("ratio: %s check failed: %s", e.Check, e.Detail)
}

func (e *ValidationError) Is(target error) bool {
	return target == apperr.ErrValidation
}

// Validate runs the checks in order and stops at the first failure. A nil
// result means the set may be persisted as is.
func Validate(set Set) error {
	if len(set) == 0 {
		return &ValidationError{Check: CheckEmpty, Detail: "at least one entry required"}
	}

	var bad []int
	for i, e := range set {
		if !e.Type.Valid() {
			bad = append(bad, i)
		}
	}
	if len(bad) > 0 {
		return &ValidationError{Check: CheckType, Entries: bad, Detail: "type must be ARTIST, PRODUCER or AGENCY"}
	}

	for i, e := range set {
		if e.Percent <= 0 || e.Percent > money.Hundred {
			bad = append(bad, i)
		}
	}
	if len(bad) > 0 {
		return &ValidationError{Check: CheckRange, Entries: bad, Detail: "percent must be in (0, 100]"}
	}

	seen := make(map[string]int, len(set))
	for i, e := range set {
		if first, ok := seen[e.key()]; ok {
			return &ValidationError{Check: CheckDuplicate, Entries: []int{first, i}, Detail: "stakeholder listed twice"}
		}
		seen[e.key()] = i
	}

	if total := set.Total(); total != money.Hundred {
		return &ValidationError{Check: CheckSum, Detail: fmt.Sprintf("entries sum to %s, want 100.00", total)}
	}
	return nil
}

// ParseEntry builds an entry from wire values, reporting problems against the
// entry index i.
func ParseEntry(i int, typ string, userID *string, percent string) (Entry, error) {
	t, ok := ParseType(typ)
	if !ok {
		return Entry{}, &ValidationError{Check: CheckType, Entries: []int{i}, Detail: fmt.Sprintf("unknown type %q", typ)}
	}
	p, err := money.ParsePercent(percent)
	if err != nil {
		check := CheckRange
		if errors.Is(err, money.ErrPercentPrecision) {
			check = CheckPrecision
		}
		return Entry{}, &ValidationError{Check: check, Entries: []int{i}, Detail: err.Error()}
	}
	if userID != nil {
		trimmed := strings.TrimSpace(*userID)
		if trimmed == "" {
			userID = nil
		} else {
			userID = &trimmed
		}
	}
	return Entry{Type: t, UserID: userID, Percent: p}, nil
}

// ShareLookup returns the entry recorded for a user on that user's own
// internal contract.
type ShareLookup interface {
	InternalShare(ctx context.Context, userID string) (Entry, error)
}

// Resolve turns a Source into a validated set.
func Resolve(ctx context.Context, src Source, lookup ShareLookup) (Set, error) {
	switch s := src.(type) {
	case Manual:
		if err := Validate(s.Entries); err != nil {
			return nil, err
		}
		return s.Entries, nil
	case Derived:
		return derive(ctx, s.UserIDs, lookup)
	default:
		return nil, &ValidationError{Check: CheckEmpty, Detail: "ratio source required"}
	}
}

func derive(ctx context.Context, userIDs []string, lookup ShareLookup) (Set, error) {
	if len(userIDs) == 0 {
		return nil, &ValidationError{Check: CheckEmpty, Detail: "at least one user required"}
	}
	if lookup == nil {
		return nil, fmt.Errorf("ratio: derive: no share lookup configured")
	}

	set := make(Set, 0, len(userIDs)+1)
	for i, id := range userIDs {
		entry, err := lookup.InternalShare(ctx, id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, &ValidationError{Check: CheckDerivation, Entries: []int{i}, Detail: fmt.Sprintf("user %s has no internal contract", id)}
			}
			return nil, fmt.Errorf("ratio: derive share for %s: %w", id, err)
		}
		uid := id
		entry.UserID = &uid
		set = append(set, entry)
	}

	total := set.Total()
	if total > money.Hundred {
		return nil, &ValidationError{Check: CheckDerivation, Detail: fmt.Sprintf("derived shares sum to %s", total)}
	}
	if total < money.Hundred {
		set = append(set, Entry{Type: TypeAgency, Percent: money.Hundred - total})
	}

	if err := Validate(set); err != nil {
		return nil, err
	}
	return set, nil
}
