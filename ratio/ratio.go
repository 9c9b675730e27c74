// Package ratio models the revenue split attached to a contract: who receives
// what share of each settlement.
package ratio

import (
	"fmt"
	"sort"
	"strings"

	"agencyflow/money"
)

// Type is the role a stakeholder plays in a split.
type Type string

const (
	TypeArtist   Type = "ARTIST"
	TypeProducer Type = "PRODUCER"
	TypeAgency   Type = "AGENCY"
)

// Rank orders types canonically: ARTIST, PRODUCER, AGENCY.
func (t Type) Rank() int {
	switch t {
	case TypeArtist:
		return 0
	case TypeProducer:
		return 1
	case TypeAgency:
		return 2
	default:
		return 3
	}
}

func (t Type) Valid() bool {
	return t.Rank() < 3
}

// ParseType normalises a client supplied type name.
func ParseType(s string) (Type, bool) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Valid()
}

// Entry is a single stakeholder share. A nil UserID on an AGENCY entry means the
// company pool.
type Entry struct {
	Type    Type
	UserID  *string
	Percent money.Percent
}

func (e Entry) key() string {
	if e.UserID == nil {
		return string(e.Type) + "/"
	}
	return string(e.Type) + "/" + *e.UserID
}

func (e Entry) String() string {
	who := "company"
	if e.UserID != nil {
		who = *e.UserID
	}
	return fmt.Sprintf("%s(%s)=%s", e.Type, who, e.Percent)
}

// Set is the full list of entries owned by one contract.
type Set []Entry

// Total sums the entries in basis points.
func (s Set) Total() money.Percent {
	var sum money.Percent
	for _, e := range s {
		sum += e.Percent
	}
	return sum
}

// Canonical returns a copy sorted by type rank, then user id with the company
// pool first. Equal keys keep their input order.
func (s Set) Canonical() Set {
	out := make(Set, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Type.Rank() != b.Type.Rank() {
			return a.Type.Rank() < b.Type.Rank()
		}
		switch {
		case a.UserID == nil && b.UserID == nil:
			return false
		case a.UserID == nil:
			return true
		case b.UserID == nil:
			return false
		}
		return *a.UserID < *b.UserID
	})
	return out
}

// Source is how a ratio set is supplied on contract creation: either Manual or
// Derived.
type Source interface {
	isSource()
}

// Manual carries explicit entries.
type Manual struct {
	Entries Set
}

// Derived asks for the set to be built from each user's internal contract.
type Derived struct {
	UserIDs []string
}

func (Manual) isSource()  {}
func (Derived) isSource() {}
